package main

import (
  "context"
  "time"

  "github.com/rs/zerolog/log"

  "github.com/ringlabs/go-ring-orchestrator/orchestrator"
  "github.com/ringlabs/go-ring-orchestrator/transport"
  "github.com/ringlabs/go-ring-orchestrator/transport/sim"
)

// runSimulation drives the orchestrator against the in-memory transport: a
// peer connects inbound, signal samples stream in, activity pulses keep the
// mode Active for a while, then the link drops and the reconnection policy
// kicks in. Useful for eyeballing the log output without radio hardware.
func runSimulation(cfg config) {
  log.Info().Dur("Duration", cfg.SimulateFor).Msg("Starting in simulation mode")

  tr := sim.New()
  core := orchestrator.New(tr, tr, cfg.Tuning)

  ctx, cancel := context.WithTimeout(context.Background(), cfg.SimulateFor)
  defer cancel()

  go core.Run(ctx)

  const peer = transport.PeerID("d6:12:42:8f:01:aa")

  time.Sleep(500 * time.Millisecond)

  link := tr.NewLink(peer)
  ref, err := core.LinkEstablished(transport.RoleResponder, peer, link)

  if err != nil {
    log.Fatal().Err(err).Msg("Simulated link rejected")
  }

  core.ServiceReady(ref, transport.ServiceHRS)
  core.ServiceReady(ref, transport.ServiceLBS)

  samples := time.NewTicker(200 * time.Millisecond)
  defer samples.Stop()

  activity := time.NewTicker(2 * time.Second)
  defer activity.Stop()

  dropAt := time.After(cfg.SimulateFor / 2)

feed:
  for {
    select {
    case <-ctx.Done():
      break feed
    case <-samples.C:
      rssi, err := tr.ReadRSSI(link)

      if err != nil {
        break feed
      }

      core.RawSignalSample(ref, rssi)
    case <-activity.C:
      core.UserActivity()
    case <-dropAt:
      log.Info().Msg("Simulation: dropping the link")
      core.LinkLost(ref, transport.ReasonRemoteTerminated)
    }
  }

  <-ctx.Done()

  snap := core.Snapshot()
  stats := snap.Stats

  log.Info().
    Stringer("Mode", snap.Mode).
    Int("Battery", snap.BatteryPercent).
    Int("ActivePercent", stats.ActivePercent).
    Int("NonActivePercent", stats.NonActivePercent).
    Int("EstimatedImprovement", stats.EstimatedImprovement).
    Msg("Simulation finished")

  if dangling := tr.ActiveLinkIDs(); len(dangling) > 0 {
    log.Warn().Strs("Links", dangling).Msg("Simulation left links behind")
  }
}
