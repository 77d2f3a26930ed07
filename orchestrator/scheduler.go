package orchestrator

import (
  "strconv"
  "time"

  "github.com/rs/zerolog/log"
)

type capability uint8

const (
  capDiscoverable capability = iota
  capDiscovering
)

func (c capability) String() string {
  switch c {
  case capDiscoverable:
    return "discoverable"
  case capDiscovering:
    return "discovering"
  default:
    panic("unknown capability value: " + strconv.Itoa(int(c)))
  }
}

func (c capability) startEvent() eventKind {
  if c == capDiscoverable {
    return evStartDiscoverable
  }

  return evStartDiscovering
}

// scheduler owns when the device is discoverable vs. discovering. Occupying
// a role slot suspends the opposite capability; losing a slot resumes it via
// the reconnection policy. All methods run on the orchestrator event loop;
// delayed work re-enters the loop as internal start events.
type scheduler struct {
  o *Orchestrator

  discoverable bool
  discovering  bool

  // reconnection alternation toggle. Both ends of a link run identical
  // logic, so a fixed restart preference could leave a symmetric pair
  // perpetually scanning at each other (or advertising at each other);
  // flipping the favored capability on every invocation breaks the
  // symmetry within a few cycles.
  favorDiscovering bool
}

func (s *scheduler) init(o *Orchestrator) {
  s.o = o
}

func (s *scheduler) active(c capability) bool {
  if c == capDiscoverable {
    return s.discoverable
  }

  return s.discovering
}

func (s *scheduler) setActive(c capability, v bool) {
  if c == capDiscoverable {
    s.discoverable = v
  } else {
    s.discovering = v
  }
}

// start attempts to start a capability now. A start failure schedules a
// fixed-delay retry instead of busy-looping; retries do not touch the
// reconnection alternation toggle.
func (s *scheduler) start(c capability) {
  if s.active(c) {
    return
  }

  var err error

  if c == capDiscoverable {
    err = s.o.tr.StartDiscoverable()
  } else {
    err = s.o.tr.StartDiscovering()
  }

  if err != nil {
    capabilityStartFailures.WithLabelValues(c.String()).Inc()

    log.Warn().
      Err(err).
      Stringer("Capability", c).
      Dur("RetryIn", s.o.cfg.RetryDelay).
      Msg("Capability start failed, scheduling retry")

    s.delayedStart(c, s.o.cfg.RetryDelay)

    return
  }

  s.setActive(c, true)

  log.Debug().Stringer("Capability", c).Msg("Capability started")
}

func (s *scheduler) stop(c capability) {
  if !s.active(c) {
    return
  }

  var err error

  if c == capDiscoverable {
    err = s.o.tr.StopDiscoverable()
  } else {
    err = s.o.tr.StopDiscovering()
  }

  if err != nil {
    log.Warn().Err(err).Stringer("Capability", c).Msg("Capability stop failed")
  }

  s.setActive(c, false)

  log.Debug().Stringer("Capability", c).Msg("Capability suspended")
}

func (s *scheduler) delayedStart(c capability, d time.Duration) {
  kind := c.startEvent()

  time.AfterFunc(d, func() {
    s.o.post(event{kind: kind})
  })
}

// resume restores the capability suspended by the given slot's occupancy,
// after the reconnection delay.
func (s *scheduler) resume(slot SlotID) {
  c := capDiscovering

  if slot == SlotInitiator {
    c = capDiscoverable
  }

  log.Debug().
    Stringer("Slot", slot).
    Stringer("Capability", c).
    Dur("Delay", s.o.cfg.ReconnectDelay).
    Msg("Scheduling capability resume")

  s.delayedStart(c, s.o.cfg.ReconnectDelay)
}

// reconnectAll restarts both capabilities after the device lost its last
// link: the favored one immediately, the other one alternation step later.
// The favored capability flips on every invocation.
func (s *scheduler) reconnectAll() {
  s.favorDiscovering = !s.favorDiscovering

  favored, deferred := capDiscoverable, capDiscovering

  if s.favorDiscovering {
    favored, deferred = capDiscovering, capDiscoverable
  }

  log.Info().
    Stringer("First", favored).
    Dur("StepDelay", s.o.cfg.ReconnectDelay).
    Msg("No occupied slots, restarting discovery")

  s.start(favored)
  s.delayedStart(deferred, s.o.cfg.ReconnectDelay)
}
