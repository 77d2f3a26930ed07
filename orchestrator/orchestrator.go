// Package orchestrator is the connection & power core of the ring: it owns
// the two link-role slots, arbitrates duplicate peers, schedules the
// discoverable/discovering capabilities, runs the RSSI-to-distance pipeline
// and applies the adaptive power policy to every occupied slot.
//
// All state transitions execute on a single event loop (Run); inbound calls
// enqueue explicit events and never touch state directly. Slot-scoped events
// carry a generation-tagged SlotRef so work left over from a previous
// occupant of a slot is discarded instead of applied.
package orchestrator

import (
  "context"
  "strconv"
  "sync"
  "time"

  "github.com/pkg/errors"
  "github.com/rs/zerolog/log"

  "github.com/ringlabs/go-ring-orchestrator/power"
  "github.com/ringlabs/go-ring-orchestrator/ring"
  "github.com/ringlabs/go-ring-orchestrator/transport"
)

// SlotID names one of the two independent link-role slots.
type SlotID uint8

const (
  SlotInitiator SlotID = iota
  SlotResponder
)

const slotCount = 2

func (s SlotID) String() string {
  switch s {
  case SlotInitiator:
    return "initiator"
  case SlotResponder:
    return "responder"
  default:
    panic("unknown SlotID value: " + strconv.Itoa(int(s)))
  }
}

func (s SlotID) other() SlotID {
  return 1 - s
}

func slotForRole(r transport.Role) SlotID {
  if r == transport.RoleInitiator {
    return SlotInitiator
  }

  return SlotResponder
}

// SlotRef is handed out when a link is accepted and must accompany every
// slot-scoped inbound event. The generation detects references to a slot
// that has since been cleared or reused for a different peer.
type SlotRef struct {
  Slot SlotID
  Gen  uint64
}

var (
  // ErrDuplicatePeer rejects a link whose peer already occupies the other
  // slot. The existing slot wins; the new link is terminated.
  ErrDuplicatePeer = errors.New("peer already occupies the other slot")

  // ErrSlotOccupied rejects a link for a role whose slot is already taken.
  // Only one peer relationship per role is modeled.
  ErrSlotOccupied = errors.New("slot already occupied")

  // ErrStopped is returned when the event loop is no longer running.
  ErrStopped = errors.New("orchestrator stopped")
)

// Config carries the tuning constants of the core. All delays are "time
// units" in the reference behavior; tests shrink them to milliseconds.
type Config struct {
  Proximity ring.Thresholds
  Power     power.Thresholds

  // RetryDelay spaces retries after a capability failed to start.
  RetryDelay time.Duration

  // ReconnectDelay spaces the alternation steps of the reconnection policy.
  ReconnectDelay time.Duration

  BatteryInterval time.Duration
}

func DefaultConfig() Config {
  return Config{
    Proximity:       ring.DefaultThresholds,
    Power:           power.DefaultThresholds,
    RetryDelay:      5 * time.Second,
    ReconnectDelay:  1500 * time.Millisecond,
    BatteryInterval: power.BatteryInterval,
  }
}

// Role-dependent placeholder estimates assigned at establishment, overwritten
// by the first reported filtered sample.
const (
  placeholderInitiatorRSSI = -55
  placeholderResponderRSSI = -65
)

// SlotStatus is the observable per-slot state.
type SlotStatus struct {
  Occupied      bool
  Peer          transport.PeerID
  RSSI          int
  Distance      ring.DistanceLevel
  HRSReady      bool
  LBSReady      bool
  EstablishedAt time.Time
}

func (s SlotStatus) String() string {
  if !s.Occupied {
    return "empty"
  }

  return string(s.Peer) + " " + s.Distance.String() + " " + strconv.Itoa(s.RSSI) + "dBm"
}

// Snapshot is the observable state of the whole core, rebuilt by the event
// loop after every processed event.
type Snapshot struct {
  Slots          [slotCount]SlotStatus
  Mode           power.Mode
  BatteryPercent int
  Latched        bool
  Stats          power.Statistics
}

type Orchestrator struct {
  cfg Config
  tr  transport.Transport
  src transport.SignalSource
  pm  *power.Manager

  slots     [slotCount]linkSlot
  scheduler scheduler

  events chan event
  done   chan struct{}

  now func() time.Time

  snapMu sync.RWMutex
  snap   Snapshot
}

// New wires the core against a transport and an optional signal source (nil
// disables periodic RSSI polling; samples can still arrive via
// RawSignalSample). Run must be started before any inbound call.
func New(tr transport.Transport, src transport.SignalSource, cfg Config) *Orchestrator {
  o := &Orchestrator{
    cfg:    cfg,
    tr:     tr,
    src:    src,
    now:    time.Now,
    events: make(chan event, 64),
    done:   make(chan struct{}),
  }

  o.pm = power.NewManager(o.now(), cfg.Power)
  o.scheduler.init(o)
  o.publish()

  return o
}

// Run executes the event loop until the context is cancelled. Both
// capabilities are started concurrently at boot, with no preference.
func (o *Orchestrator) Run(ctx context.Context) error {
  defer close(o.done)

  log.Info().
    Stringer("Mode", o.pm.Mode()).
    Int("Battery", o.pm.BatteryPercent()).
    Msg("Starting connection & power orchestrator")

  o.scheduler.start(capDiscoverable)
  o.scheduler.start(capDiscovering)
  o.publish()

  modeTick := time.NewTimer(o.pm.Mode().TickInterval())
  defer modeTick.Stop()

  battery := time.NewTicker(o.cfg.BatteryInterval)
  defer battery.Stop()

  status := time.NewTimer(o.pm.Mode().StatusInterval())
  defer status.Stop()

  for {
    select {
    case <-ctx.Done():
      log.Info().Msg("Orchestrator shutting down")
      return ctx.Err()

    case ev := <-o.events:
      o.handle(ev)

    case <-modeTick.C:
      o.handleModeTick()
      // re-arm from the mode current now, not the mode when armed.
      modeTick.Reset(o.pm.Mode().TickInterval())

    case <-battery.C:
      o.handleBatteryTick()

    case <-status.C:
      o.logStatus()
      status.Reset(o.pm.Mode().StatusInterval())
    }

    o.publish()
  }
}

// post blocks until the loop accepts the event (or has stopped). Lifecycle
// events must never be dropped: a lost link-down would leave its slot
// occupied forever with no later event able to clear it.
func (o *Orchestrator) post(ev event) {
  select {
  case o.events <- ev:
  case <-o.done:
  }
}

// enqueue posts an expendable event without blocking the caller. Only raw
// samples travel this path: if the loop cannot keep up the sample is dropped
// with a warning and the next poll supersedes it.
func (o *Orchestrator) enqueue(ev event) {
  select {
  case o.events <- ev:
  case <-o.done:
  default:
    log.Warn().Stringer("Kind", ev.kind).Msg("Event queue full, dropping event")
  }
}

func (o *Orchestrator) publish() {
  var snap Snapshot

  for i := range o.slots {
    snap.Slots[i] = o.slots[i].status()
  }

  snap.Mode = o.pm.Mode()
  snap.BatteryPercent = o.pm.BatteryPercent()
  snap.Latched = o.pm.UltraLowPowerLatched()
  snap.Stats = o.pm.Statistics()

  o.snapMu.Lock()
  o.snap = snap
  o.snapMu.Unlock()
}

// Snapshot returns the last published observable state.
func (o *Orchestrator) Snapshot() Snapshot {
  o.snapMu.RLock()
  defer o.snapMu.RUnlock()

  return o.snap
}

func (o *Orchestrator) SlotStatus(slot SlotID) SlotStatus {
  return o.Snapshot().Slots[slot]
}

func (o *Orchestrator) BatteryPercent() int {
  return o.Snapshot().BatteryPercent
}

func (o *Orchestrator) PowerMode() power.Mode {
  return o.Snapshot().Mode
}

func (o *Orchestrator) PowerStatistics() power.Statistics {
  return o.Snapshot().Stats
}

func (o *Orchestrator) logStatus() {
  snap := o.snap

  log.Info().
    Stringer("Mode", snap.Mode).
    Int("Battery", snap.BatteryPercent).
    Stringer("Initiator", snap.Slots[SlotInitiator]).
    Stringer("Responder", snap.Slots[SlotResponder]).
    Int("ActivePercent", snap.Stats.ActivePercent).
    Msg("Status report")
}
