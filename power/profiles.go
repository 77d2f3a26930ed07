package power

import (
  "fmt"
  "time"
)

// LinkProfile is the connection-parameter set pushed to every occupied link
// slot on a mode change. Interval units are 1.25 ms, supervision timeout
// units are 10 ms, matching the HCI LE connection update encoding.
type LinkProfile struct {
  IntervalMin        uint16
  IntervalMax        uint16
  PeerLatency        uint16
  SupervisionTimeout uint16
}

func (p LinkProfile) String() string {
  return fmt.Sprintf("interval %d-%d, latency %d, timeout %d",
    p.IntervalMin, p.IntervalMax, p.PeerLatency, p.SupervisionTimeout)
}

// LinkProfile returns the fixed per-mode parameter set, each successively
// wider and slower as modes get deeper.
func (m Mode) LinkProfile() LinkProfile {
  switch m {
  case ModeActive:
    return LinkProfile{IntervalMin: 6, IntervalMax: 12, PeerLatency: 0, SupervisionTimeout: 400}
  case ModeIdle:
    return LinkProfile{IntervalMin: 40, IntervalMax: 60, PeerLatency: 1, SupervisionTimeout: 600}
  case ModeSleep:
    return LinkProfile{IntervalMin: 80, IntervalMax: 120, PeerLatency: 4, SupervisionTimeout: 800}
  case ModeDeepSleep:
    return LinkProfile{IntervalMin: 240, IntervalMax: 320, PeerLatency: 10, SupervisionTimeout: 1200}
  default:
    panic("unknown Mode value: " + m.String())
  }
}

// TickInterval is the period of the combined mode-evaluation/RSSI tick,
// recomputed after every firing from the mode current at firing time. In
// DeepSleep the tick keeps running on the Sleep cadence so recovery is
// detected, but RSSI work is skipped (see SamplesRSSI).
func (m Mode) TickInterval() time.Duration {
  switch m {
  case ModeActive:
    return 3 * time.Second
  case ModeIdle:
    return 8 * time.Second
  case ModeSleep, ModeDeepSleep:
    return 20 * time.Second
  default:
    panic("unknown Mode value: " + m.String())
  }
}

// SamplesRSSI reports whether the periodic tick should poll link signal
// strength in this mode.
func (m Mode) SamplesRSSI() bool {
  return m != ModeDeepSleep
}

// StatusInterval is the period of the status report log line.
func (m Mode) StatusInterval() time.Duration {
  if m == ModeActive {
    return 10 * time.Second
  }

  return 30 * time.Second
}

func (m Mode) drainRate() int {
  switch m {
  case ModeActive:
    return 2
  case ModeIdle:
    return 1
  case ModeSleep, ModeDeepSleep:
    return 0
  default:
    panic("unknown Mode value: " + m.String())
  }
}
