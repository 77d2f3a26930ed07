package power

import (
  "testing"
  "time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestManager() *Manager {
  return NewManager(t0, DefaultThresholds)
}

func TestEvaluate_IdleLadder(t *testing.T) {
  cases := []struct {
    idle time.Duration
    want Mode
  }{
    {4 * time.Second, ModeActive},
    {6 * time.Second, ModeIdle},
    {30 * time.Second, ModeIdle}, // exactly at the threshold is not past it
    {31 * time.Second, ModeSleep},
    {120 * time.Second, ModeSleep},
    {121 * time.Second, ModeDeepSleep},
  }

  for _, c := range cases {
    m := newTestManager()
    m.Evaluate(t0.Add(c.idle))

    if got := m.Mode(); got != c.want {
      t.Errorf("Evaluate() after %v idle: got %v, wanted %v", c.idle, got, c.want)
    }
  }
}

func TestEvaluate_SixSecondsIdleIsIdleNotSleep(t *testing.T) {
  m := newTestManager()
  m.Evaluate(t0.Add(6000 * time.Millisecond))

  if got := m.Mode(); got != ModeIdle {
    t.Fatalf("got %v, wanted Idle", got)
  }
}

func TestTouch_ForcesActiveImmediately(t *testing.T) {
  m := newTestManager()

  m.Evaluate(t0.Add(200 * time.Second))

  if m.Mode() != ModeDeepSleep {
    t.Fatalf("setup: got %v, wanted DeepSleep", m.Mode())
  }

  if !m.Touch(t0.Add(201 * time.Second)) {
    t.Fatal("Touch() reported no mode change")
  }

  if got := m.Mode(); got != ModeActive {
    t.Fatalf("got %v, wanted Active", got)
  }

  // and the idle clock restarted: a shortly following evaluation stays Active.
  m.Evaluate(t0.Add(203 * time.Second))

  if got := m.Mode(); got != ModeActive {
    t.Fatalf("after evaluate: got %v, wanted Active", got)
  }
}

func TestTouch_IdempotentWhileActive(t *testing.T) {
  m := newTestManager()

  if m.Touch(t0.Add(time.Second)) {
    t.Fatal("Touch() while Active reported a mode change")
  }

  if got := m.Statistics(); got != (Statistics{}) {
    t.Fatalf("statistics mutated by idempotent Touch(): %+v", got)
  }
}

func TestModeOnlyDeepensAsIdleGrows(t *testing.T) {
  m := newTestManager()
  prev := m.Mode()

  for idle := time.Second; idle <= 150*time.Second; idle += time.Second {
    m.Evaluate(t0.Add(idle))

    if got := m.Mode(); got < prev {
      t.Fatalf("mode promoted from %v to %v at idle %v without activity", prev, got, idle)
    } else {
      prev = got
    }
  }
}

func TestBatteryTick_ActiveDrainsOnePercentPerTick(t *testing.T) {
  m := newTestManager()

  for i := 0; i < 10; i += 1 {
    m.BatteryTick(t0.Add(time.Duration(i) * BatteryInterval))
  }

  if got := m.BatteryPercent(); got != 90 {
    t.Fatalf("battery after 10 Active ticks: got %d, wanted 90", got)
  }

  if m.UltraLowPowerLatched() {
    t.Fatal("latch armed way above the floor")
  }
}

func TestBatteryTick_IdleDrainsAtHalfRate(t *testing.T) {
  m := newTestManager()
  m.Evaluate(t0.Add(10 * time.Second)) // Idle

  for i := 0; i < 10; i += 1 {
    m.BatteryTick(t0.Add(time.Duration(i) * BatteryInterval))
  }

  // rate 1 accumulates to the quantum every other tick.
  if got := m.BatteryPercent(); got != 95 {
    t.Fatalf("battery after 10 Idle ticks: got %d, wanted 95", got)
  }
}

func TestBatteryTick_SleepDoesNotDrain(t *testing.T) {
  m := newTestManager()
  m.Evaluate(t0.Add(60 * time.Second)) // Sleep

  for i := 0; i < 50; i += 1 {
    m.BatteryTick(t0.Add(time.Duration(i) * BatteryInterval))
  }

  if got := m.BatteryPercent(); got != 100 {
    t.Fatalf("battery drained in Sleep: got %d, wanted 100", got)
  }
}

func TestUltraLowPowerLatch(t *testing.T) {
  m := newTestManager()
  now := t0

  // drain from 100 down to 16 in Active mode.
  for m.BatteryPercent() > 16 {
    now = now.Add(BatteryInterval)

    if m.BatteryTick(now) {
      t.Fatalf("latch armed early at %d%%", m.BatteryPercent())
    }

    m.Touch(now) // keep it Active so the drain rate stays 2
  }

  if m.UltraLowPowerLatched() {
    t.Fatal("latch armed at 16%")
  }

  // the tick crossing the floor arms the latch and forces DeepSleep.
  now = now.Add(BatteryInterval)

  if !m.BatteryTick(now) {
    t.Fatal("latch did not arm when crossing the floor")
  }

  if got := m.BatteryPercent(); got != UltraLowPowerFloor {
    t.Fatalf("battery at latch: got %d, wanted %d", got, UltraLowPowerFloor)
  }

  if got := m.Mode(); got != ModeDeepSleep {
    t.Fatalf("mode at latch: got %v, wanted DeepSleep", got)
  }

  // idle-based logic is bypassed while latched, in both directions.
  m.Touch(now.Add(time.Second))

  if got := m.Mode(); got != ModeDeepSleep {
    t.Fatalf("Touch() unlatched the mode: got %v", got)
  }

  m.Evaluate(now.Add(2 * time.Second))

  if got := m.Mode(); got != ModeDeepSleep {
    t.Fatalf("Evaluate() unlatched the mode: got %v", got)
  }
}

func TestOnLinkLost_DropsToSleep(t *testing.T) {
  m := newTestManager()

  if !m.OnLinkLost(t0.Add(time.Second)) {
    t.Fatal("OnLinkLost() reported no mode change")
  }

  if got := m.Mode(); got != ModeSleep {
    t.Fatalf("got %v, wanted Sleep", got)
  }
}

func TestStatistics_AccumulatesOnTransitions(t *testing.T) {
  m := newTestManager()

  // 10s Active, then 30s in Idle, then back to Active.
  m.Evaluate(t0.Add(10 * time.Second)) // -> Idle (idle > 5s), 10s Active booked
  m.Touch(t0.Add(40 * time.Second))    // -> Active, 30s non-active booked

  got := m.Statistics()

  if got.ActivePercent != 25 || got.NonActivePercent != 75 {
    t.Fatalf("got %d%%/%d%%, wanted 25%%/75%%", got.ActivePercent, got.NonActivePercent)
  }

  if got.EstimatedImprovement != 4 {
    t.Fatalf("improvement estimate: got %d, wanted 4", got.EstimatedImprovement)
  }
}

func TestLinkProfiles_DeepenMonotonically(t *testing.T) {
  modes := []Mode{ModeActive, ModeIdle, ModeSleep, ModeDeepSleep}
  prev := ModeActive.LinkProfile()

  if prev != (LinkProfile{IntervalMin: 6, IntervalMax: 12, PeerLatency: 0, SupervisionTimeout: 400}) {
    t.Fatalf("Active profile changed: %+v", prev)
  }

  for _, m := range modes[1:] {
    p := m.LinkProfile()

    if p.IntervalMin <= prev.IntervalMin || p.IntervalMax <= prev.IntervalMax ||
      p.PeerLatency <= prev.PeerLatency || p.SupervisionTimeout <= prev.SupervisionTimeout {
      t.Fatalf("profile for %v is not slower than the previous mode: %+v vs %+v", m, p, prev)
    }

    prev = p
  }
}
