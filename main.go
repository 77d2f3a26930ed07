package main

import (
  "context"
  "net/http"
  "os"
  "time"

  "github.com/prometheus/client_golang/prometheus"
  "github.com/prometheus/client_golang/prometheus/promhttp"
  "github.com/rs/zerolog"
  "github.com/rs/zerolog/log"
  "golang.org/x/sync/errgroup"

  "github.com/ringlabs/go-ring-orchestrator/metrics"
  "github.com/ringlabs/go-ring-orchestrator/orchestrator"
  "github.com/ringlabs/go-ring-orchestrator/transport"
  "github.com/ringlabs/go-ring-orchestrator/transport/bleadapter"
)

func main() {
  zerolog.DurationFieldUnit = time.Second
  zerolog.TimeFieldFormat = time.RFC3339Nano

  log.Logger = log.Output(zerolog.ConsoleWriter{
    Out: os.Stderr,
    TimeFormat: "15:04:05.000",
  })

  cfg := ParseArgs()

  if cfg.Trace || os.Getenv("TRACE") != "" {
      zerolog.SetGlobalLevel(zerolog.TraceLevel)
  } else if cfg.Debug || os.Getenv("DEBUG") != "" {
      zerolog.SetGlobalLevel(zerolog.DebugLevel)
  } else {
      zerolog.SetGlobalLevel(zerolog.InfoLevel)
  }

  if cfg.Simulate {
    runSimulation(cfg)
    return
  }

  log.Info().
    Str("BindAddr", cfg.BindAddress).
    Str("Name", cfg.DeviceName).
    Int("BluetoothDeviceID", cfg.BluetoothDeviceId).
    Msg("Starting with the specified configuration")

  // the adapter and the orchestrator reference each other: the orchestrator
  // drives the transport, the adapter feeds lifecycle events back. Wire the
  // handler through a small indirection so construction order stays simple.
  var handler handlerProxy

  adapter, err := bleadapter.Init(cfg.BluetoothDeviceId, cfg.DeviceName, &handler)

  if err != nil {
    log.Fatal().Err(err).Msg("Failed to initialize Bluetooth device")
  }

  core := orchestrator.New(adapter, adapter, cfg.Tuning)
  handler.core = core

  registry := prometheus.NewRegistry()
  orchestrator.RegisterMetrics(registry)
  metrics.RegisterCollector(core.Snapshot, registry)

  http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

  var eg errgroup.Group

  eg.Go(func() error {
    return core.Run(context.Background())
  })

  eg.Go(func() error {
    log.Info().
      Str("ListenAddress", cfg.BindAddress).
      Msg("Starting metrics server")

    return http.ListenAndServe(cfg.BindAddress, nil)
  })

  if err := eg.Wait(); err != nil {
    log.Fatal().Err(err).Msg("Orchestrator terminated")
  }
}

// handlerProxy breaks the construction cycle between the adapter and the
// core. The adapter never fires events before Run starts, so the unset
// window is harmless.
type handlerProxy struct {
  core *orchestrator.Orchestrator
}

func (h *handlerProxy) LinkEstablished(
  role transport.Role,
  peer transport.PeerID,
  link transport.Link,
) (orchestrator.SlotRef, error) {
  return h.core.LinkEstablished(role, peer, link)
}

func (h *handlerProxy) LinkLost(ref orchestrator.SlotRef, reason transport.ReasonCode) {
  h.core.LinkLost(ref, reason)
}

func (h *handlerProxy) LinkFailed(ref orchestrator.SlotRef, reason transport.ReasonCode) {
  h.core.LinkFailed(ref, reason)
}

func (h *handlerProxy) ServiceReady(ref orchestrator.SlotRef, service transport.ServiceID) {
  h.core.ServiceReady(ref, service)
}
