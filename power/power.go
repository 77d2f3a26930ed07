// Package power implements the adaptive power-mode state machine of the ring:
// four modes ordered by decreasing link aggressiveness, driven by user-activity
// recency and a coarse battery depletion model. The Manager is a pure state
// machine fed with explicit timestamps; timers live in the orchestrator.
package power

import (
  "strconv"
  "time"
)

// Mode is a named operating point trading link responsiveness against energy
// use. Exactly one mode is current at any instant, process-wide.
type Mode uint8

const (
  ModeActive Mode = iota
  ModeIdle
  ModeSleep
  ModeDeepSleep
)

func (m Mode) String() string {
  switch m {
  case ModeActive:
    return "Active"
  case ModeIdle:
    return "Idle"
  case ModeSleep:
    return "Sleep"
  case ModeDeepSleep:
    return "DeepSleep"
  default:
    panic("unknown Mode value: " + strconv.Itoa(int(m)))
  }
}

// Thresholds are the idle durations past which the mode demotes one step
// deeper on each evaluation tick.
type Thresholds struct {
  Idle      time.Duration
  Sleep     time.Duration
  DeepSleep time.Duration
}

var DefaultThresholds = Thresholds{
  Idle:      5 * time.Second,
  Sleep:     30 * time.Second,
  DeepSleep: 120 * time.Second,
}

const (
  // BatteryInterval is the fixed wall-time cadence of the drain model,
  // independent of the mode evaluation tick.
  BatteryInterval = 60 * time.Second

  // UltraLowPowerFloor is the battery percentage at or below which the
  // one-way ultra-low-power latch arms.
  UltraLowPowerFloor = 15

  // drainQuantum makes the perceptible decay rate half the raw drain rate:
  // the counter accumulates per-tick rates and only a full quantum costs
  // one battery percent. Tuning constant, preserved from the reference
  // firmware as-is.
  drainQuantum = 2
)

// Statistics is the time-in-mode telemetry accumulated on mode transitions.
type Statistics struct {
  ActivePercent    int
  NonActivePercent int

  // EstimatedImprovement is a rough battery-life multiplier versus staying
  // Active the whole time.
  EstimatedImprovement int
}

// Manager holds the process-wide power state. It is not safe for concurrent
// use; the orchestrator serializes every mutation on its event loop.
type Manager struct {
  thresholds Thresholds

  mode           Mode
  modeChangedAt  time.Time
  lastActivityAt time.Time

  batteryPercent int
  drainCounter   int
  ultraLowPower  bool

  totalActive    time.Duration
  totalNonActive time.Duration
}

// NewManager starts in ModeActive with a full battery. There is no persisted
// state; every process start reconstructs from scratch.
func NewManager(now time.Time, thresholds Thresholds) *Manager {
  return &Manager{
    thresholds:     thresholds,
    mode:           ModeActive,
    modeChangedAt:  now,
    lastActivityAt: now,
    batteryPercent: 100,
  }
}

func (m *Manager) Mode() Mode {
  return m.mode
}

func (m *Manager) BatteryPercent() int {
  return m.batteryPercent
}

func (m *Manager) UltraLowPowerLatched() bool {
  return m.ultraLowPower
}

// Touch registers a user-activity signal: the idle clock resets and the mode
// is forced back to Active immediately, regardless of the periodic
// evaluation. Returns whether the mode changed. While the ultra-low-power
// latch is set only the idle clock moves.
func (m *Manager) Touch(now time.Time) bool {
  m.lastActivityAt = now

  if m.ultraLowPower {
    return false
  }

  return m.setMode(ModeActive, now)
}

// Evaluate applies the idle-duration ladder. Skipped entirely while the
// ultra-low-power latch is set. Returns whether the mode changed.
func (m *Manager) Evaluate(now time.Time) bool {
  if m.ultraLowPower {
    return false
  }

  idle := now.Sub(m.lastActivityAt)
  target := ModeActive

  switch {
  case idle > m.thresholds.DeepSleep:
    target = ModeDeepSleep
  case idle > m.thresholds.Sleep:
    target = ModeSleep
  case idle > m.thresholds.Idle:
    target = ModeIdle
  }

  return m.setMode(target, now)
}

// OnLinkLost drops straight to Sleep: with no peer there is nothing worth an
// aggressive link schedule. Returns whether the mode changed.
func (m *Manager) OnLinkLost(now time.Time) bool {
  if m.ultraLowPower {
    return false
  }

  return m.setMode(ModeSleep, now)
}

// BatteryTick applies one BatteryInterval worth of drain at the current
// mode's rate and arms the ultra-low-power latch once the battery crosses
// the floor. Returns whether the latch armed on this tick; the caller is
// expected to check Mode() afterwards since arming forces DeepSleep.
func (m *Manager) BatteryTick(now time.Time) (latched bool) {
  m.drainCounter += m.mode.drainRate()

  if m.drainCounter >= drainQuantum {
    if m.batteryPercent > 0 {
      m.batteryPercent -= 1
    }

    m.drainCounter = 0
  }

  if m.batteryPercent <= UltraLowPowerFloor && !m.ultraLowPower {
    m.ultraLowPower = true
    m.setMode(ModeDeepSleep, now)

    return true
  }

  return false
}

func (m *Manager) setMode(target Mode, now time.Time) bool {
  if target == m.mode {
    return false
  }

  elapsed := now.Sub(m.modeChangedAt)

  if m.mode == ModeActive {
    m.totalActive += elapsed
  } else {
    m.totalNonActive += elapsed
  }

  m.mode = target
  m.modeChangedAt = now

  return true
}

// Statistics reports time-in-mode percentages accumulated so far. Time spent
// in the current mode since the last transition is not included until the
// next transition, matching how the accumulators are maintained.
func (m *Manager) Statistics() Statistics {
  total := m.totalActive + m.totalNonActive

  if total == 0 {
    return Statistics{}
  }

  active := int(m.totalActive * 100 / total)
  nonActive := 100 - active

  improvement := 1

  if nonActive > 50 {
    improvement = nonActive/20 + 1
  }

  return Statistics{
    ActivePercent:        active,
    NonActivePercent:     nonActive,
    EstimatedImprovement: improvement,
  }
}
