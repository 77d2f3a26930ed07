package orchestrator

import (
  "strconv"

  "github.com/rs/zerolog/log"

  "github.com/ringlabs/go-ring-orchestrator/transport"
)

type eventKind uint8

const (
  evLinkEstablished eventKind = iota
  evLinkLost
  evLinkFailed
  evServiceReady
  evRawSample
  evUserActivity

  // internal events posted by the scheduler's delayed timers.
  evStartDiscoverable
  evStartDiscovering
)

func (k eventKind) String() string {
  switch k {
  case evLinkEstablished:
    return "link_established"
  case evLinkLost:
    return "link_lost"
  case evLinkFailed:
    return "link_failed"
  case evServiceReady:
    return "service_ready"
  case evRawSample:
    return "raw_sample"
  case evUserActivity:
    return "user_activity"
  case evStartDiscoverable:
    return "start_discoverable"
  case evStartDiscovering:
    return "start_discovering"
  default:
    panic("unknown eventKind value: " + strconv.Itoa(int(k)))
  }
}

type establishReply struct {
  ref SlotRef
  err error
}

type event struct {
  kind eventKind

  role    transport.Role
  peer    transport.PeerID
  link    transport.Link
  ref     SlotRef
  service transport.ServiceID
  reason  transport.ReasonCode
  rssi    int

  reply chan establishReply
}

// LinkEstablished reports a freshly established link for the given role.
// The returned SlotRef must accompany every later event about this link.
// A duplicate-peer conflict rejects the link; the core terminates it and the
// existing slot is left untouched.
func (o *Orchestrator) LinkEstablished(
  role transport.Role,
  peer transport.PeerID,
  link transport.Link,
) (SlotRef, error) {
  reply := make(chan establishReply, 1)

  ev := event{
    kind:  evLinkEstablished,
    role:  role,
    peer:  peer,
    link:  link,
    reply: reply,
  }

  select {
  case o.events <- ev:
  case <-o.done:
    return SlotRef{}, ErrStopped
  }

  select {
  case r := <-reply:
    return r.ref, r.err
  case <-o.done:
    return SlotRef{}, ErrStopped
  }
}

// LinkLost reports that an established link went away. Blocks until the loop
// accepts the event.
func (o *Orchestrator) LinkLost(ref SlotRef, reason transport.ReasonCode) {
  o.post(event{kind: evLinkLost, ref: ref, reason: reason})
}

// LinkFailed reports a connection attempt that failed before (or while)
// establishing. A zero SlotRef is valid when no slot was ever populated.
func (o *Orchestrator) LinkFailed(ref SlotRef, reason transport.ReasonCode) {
  o.post(event{kind: evLinkFailed, ref: ref, reason: reason})
}

// ServiceReady reports completion of one chained service discovery step.
func (o *Orchestrator) ServiceReady(ref SlotRef, service transport.ServiceID) {
  o.post(event{kind: evServiceReady, ref: ref, service: service})
}

// RawSignalSample feeds one raw dBm sample into the slot's proximity filter.
func (o *Orchestrator) RawSignalSample(ref SlotRef, rssi int) {
  o.enqueue(event{kind: evRawSample, ref: ref, rssi: rssi})
}

// UserActivity forces the power mode back to Active and resets the idle
// clock, regardless of the periodic evaluation.
func (o *Orchestrator) UserActivity() {
  o.post(event{kind: evUserActivity})
}

func (o *Orchestrator) handle(ev event) {
  log.Trace().Stringer("Kind", ev.kind).Msg("Processing event")

  switch ev.kind {
  case evLinkEstablished:
    ev.reply <- o.handleEstablish(ev)
  case evLinkLost:
    o.handleLinkDown(ev, false)
  case evLinkFailed:
    o.handleLinkDown(ev, true)
  case evServiceReady:
    o.handleServiceReady(ev)
  case evRawSample:
    o.handleSample(ev)
  case evUserActivity:
    o.touchActivity()
  case evStartDiscoverable:
    o.scheduler.start(capDiscoverable)
  case evStartDiscovering:
    o.scheduler.start(capDiscovering)
  }
}

func (o *Orchestrator) handleModeTick() {
  if o.pm.Evaluate(o.now()) {
    o.applyModeChange()
  }

  if o.src == nil || !o.pm.Mode().SamplesRSSI() {
    return
  }

  for i := range o.slots {
    slot := &o.slots[i]

    if !slot.occupied() {
      continue
    }

    ref := SlotRef{Slot: SlotID(i), Gen: slot.gen}
    link := slot.link

    // reads may block on the transport; results come back as tagged
    // sample events and are dropped if the slot has moved on.
    go func() {
      rssi, err := o.src.ReadRSSI(link)

      if err != nil {
        log.Debug().
          Err(err).
          Stringer("Slot", ref.Slot).
          Msg("RSSI read failed")
        return
      }

      o.enqueue(event{kind: evRawSample, ref: ref, rssi: rssi})
    }()
  }
}

func (o *Orchestrator) handleBatteryTick() {
  before := o.pm.Mode()
  latched := o.pm.BatteryTick(o.now())

  if latched {
    log.Warn().
      Int("Battery", o.pm.BatteryPercent()).
      Msg("Battery critically low, latching ultra-low-power mode")
  }

  if o.pm.Mode() != before {
    o.applyModeChange()
  }
}

func (o *Orchestrator) touchActivity() {
  if o.pm.Touch(o.now()) {
    o.applyModeChange()
  }
}

// applyModeChange pushes the new mode's link profile into every occupied
// slot. Push failures are best-effort: a dead link will produce its own
// link-lost event shortly.
func (o *Orchestrator) applyModeChange() {
  mode := o.pm.Mode()
  profile := mode.LinkProfile()

  log.Info().
    Stringer("Mode", mode).
    Stringer("Profile", profile).
    Msg("Power mode changed")

  for i := range o.slots {
    slot := &o.slots[i]

    if !slot.occupied() {
      continue
    }

    err := o.tr.ApplyLinkParameters(
      slot.link,
      profile.IntervalMin,
      profile.IntervalMax,
      profile.PeerLatency,
      profile.SupervisionTimeout,
    )

    if err != nil {
      parameterPushFailures.Inc()

      log.Debug().
        Err(err).
        Stringer("Slot", SlotID(i)).
        Msg("Link parameter push failed, dropping")
    }
  }
}
