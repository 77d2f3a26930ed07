package orchestrator

import (
  "time"

  "github.com/rs/zerolog/log"

  "github.com/ringlabs/go-ring-orchestrator/ring"
  "github.com/ringlabs/go-ring-orchestrator/transport"
)

// linkSlot is either fully empty or fully populated; populate and clear are
// single steps on the event loop so no partially-initialized state is ever
// observable. The generation counter bumps on every populate.
type linkSlot struct {
  gen uint64

  link transport.Link
  peer transport.PeerID

  hrsReady bool
  lbsReady bool

  filter ring.ProximityFilter

  // last emitted filtered estimate, seeded with a role-dependent
  // placeholder at establishment.
  currentRSSI int
  distance    ring.DistanceLevel

  establishedAt time.Time
}

func (s *linkSlot) occupied() bool {
  return s.link != nil
}

func (s *linkSlot) clear() {
  gen := s.gen
  *s = linkSlot{gen: gen}
}

func (s *linkSlot) status() SlotStatus {
  if !s.occupied() {
    return SlotStatus{}
  }

  return SlotStatus{
    Occupied:      true,
    Peer:          s.peer,
    RSSI:          s.currentRSSI,
    Distance:      s.distance,
    HRSReady:      s.hrsReady,
    LBSReady:      s.lbsReady,
    EstablishedAt: s.establishedAt,
  }
}

// valid reports whether a slot-scoped event still refers to the current
// occupant. Stale generations belong to a peer that is already gone.
func (o *Orchestrator) valid(ref SlotRef) *linkSlot {
  if int(ref.Slot) >= slotCount {
    return nil
  }

  slot := &o.slots[ref.Slot]

  if !slot.occupied() || slot.gen != ref.Gen {
    return nil
  }

  return slot
}

func (o *Orchestrator) handleEstablish(ev event) establishReply {
  target := slotForRole(ev.role)
  other := &o.slots[target.other()]

  // duplicate-peer guard: a peer may not occupy both roles concurrently.
  // The existing slot wins and the newly-arriving link is torn down.
  if other.occupied() && other.peer == ev.peer {
    duplicatePeerRejections.Inc()

    log.Warn().
      Str("Peer", string(ev.peer)).
      Stringer("Role", ev.role).
      Msg("Peer already occupies the other slot, terminating new link")

    if err := o.tr.TerminateLink(ev.link); err != nil {
      log.Debug().Err(err).Msg("Terminating duplicate link failed")
    }

    return establishReply{err: ErrDuplicatePeer}
  }

  slot := &o.slots[target]

  if slot.occupied() {
    log.Warn().
      Str("Peer", string(ev.peer)).
      Stringer("Slot", target).
      Msg("Slot already occupied, terminating new link")

    if err := o.tr.TerminateLink(ev.link); err != nil {
      log.Debug().Err(err).Msg("Terminating surplus link failed")
    }

    return establishReply{err: ErrSlotOccupied}
  }

  slot.gen += 1
  slot.link = ev.link
  slot.peer = ev.peer
  slot.establishedAt = o.now()
  slot.filter.Reset()

  if target == SlotInitiator {
    slot.currentRSSI = placeholderInitiatorRSSI
  } else {
    slot.currentRSSI = placeholderResponderRSSI
  }

  slot.distance = o.cfg.Proximity.Classify(slot.currentRSSI)

  linksEstablished.WithLabelValues(ev.role.String()).Inc()

  log.Info().
    Str("Peer", string(ev.peer)).
    Stringer("Role", ev.role).
    Uint64("Gen", slot.gen).
    Msg("Link established")

  // a device that just became an initiator must stop being discoverable,
  // and vice versa: one peer relationship per role at a time.
  if target == SlotInitiator {
    o.scheduler.stop(capDiscoverable)
  } else {
    o.scheduler.stop(capDiscovering)
  }

  // establishment counts as user activity and the new link starts on the
  // current (now Active) profile.
  o.touchActivity()
  o.pushProfile(slot, target)

  // chained discovery: HRS first, LBS once HRS reports ready.
  if err := o.tr.RequestServiceDiscovery(ev.link, transport.ServiceHRS); err != nil {
    log.Warn().Err(err).Stringer("Slot", target).Msg("Service discovery request failed")
  }

  return establishReply{ref: SlotRef{Slot: target, Gen: slot.gen}}
}

func (o *Orchestrator) pushProfile(slot *linkSlot, id SlotID) {
  profile := o.pm.Mode().LinkProfile()

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
      Stringer("Slot", id).
      Msg("Link parameter push failed, dropping")
  }
}

func (o *Orchestrator) handleLinkDown(ev event, failed bool) {
  slot := o.valid(ev.ref)

  if slot == nil {
    log.Trace().
      Stringer("Slot", ev.ref.Slot).
      Uint64("Gen", ev.ref.Gen).
      Msg("Link-down event for stale or empty slot")

    // a failed attempt that never populated a slot still drives the
    // reconnection policy when the device holds no link at all.
    if failed && !o.slots[SlotInitiator].occupied() && !o.slots[SlotResponder].occupied() {
      o.scheduler.reconnectAll()
    }

    return
  }

  peer := slot.peer
  elapsed := o.now().Sub(slot.establishedAt)
  slot.clear()

  if failed {
    linksFailed.WithLabelValues(ev.ref.Slot.String()).Inc()
  } else {
    linksLost.WithLabelValues(ev.ref.Slot.String()).Inc()
  }

  log.Info().
    Str("Peer", string(peer)).
    Stringer("Slot", ev.ref.Slot).
    Stringer("Reason", ev.reason).
    Dur("ConnectedFor", elapsed).
    Bool("Failed", failed).
    Msg("Link down")

  if o.pm.OnLinkLost(o.now()) {
    o.applyModeChange()
  }

  if !o.slots[SlotInitiator].occupied() && !o.slots[SlotResponder].occupied() {
    o.scheduler.reconnectAll()
  } else {
    o.scheduler.resume(ev.ref.Slot)
  }
}

func (o *Orchestrator) handleServiceReady(ev event) {
  slot := o.valid(ev.ref)

  if slot == nil {
    log.Trace().
      Stringer("Service", ev.service).
      Msg("Service-ready event for stale or empty slot")
    return
  }

  switch ev.service {
  case transport.ServiceHRS:
    slot.hrsReady = true

    if err := o.tr.RequestServiceDiscovery(slot.link, transport.ServiceLBS); err != nil {
      log.Warn().Err(err).Stringer("Slot", ev.ref.Slot).Msg("Service discovery request failed")
    }
  case transport.ServiceLBS:
    slot.lbsReady = true
  }

  log.Debug().
    Stringer("Slot", ev.ref.Slot).
    Stringer("Service", ev.service).
    Bool("HRSReady", slot.hrsReady).
    Bool("LBSReady", slot.lbsReady).
    Msg("Service ready")
}

// handleSample advances the slot's filter on every sample; a report (log and
// snapshot update) is only emitted when the level changed or the average
// moved by more than the hysteresis since the last reported value.
func (o *Orchestrator) handleSample(ev event) {
  slot := o.valid(ev.ref)

  if slot == nil {
    log.Trace().
      Stringer("Slot", ev.ref.Slot).
      Uint64("Gen", ev.ref.Gen).
      Msg("Dropping sample for stale or empty slot")
    return
  }

  slot.filter.AddSample(ev.rssi)

  average := slot.filter.Average()
  level := o.cfg.Proximity.Classify(average)

  delta := average - slot.currentRSSI

  if delta < 0 {
    delta = -delta
  }

  if level == slot.distance && delta <= ring.ReportHysteresis {
    return
  }

  slot.currentRSSI = average
  slot.distance = level

  log.Info().
    Stringer("Slot", ev.ref.Slot).
    Str("Peer", string(slot.peer)).
    Int("RSSI", average).
    Stringer("Distance", level).
    Msg("Proximity update")
}
