package orchestrator

import (
  "context"
  "strings"
  "sync"
  "testing"
  "time"

  "github.com/pkg/errors"

  "github.com/ringlabs/go-ring-orchestrator/power"
  "github.com/ringlabs/go-ring-orchestrator/ring"
  "github.com/ringlabs/go-ring-orchestrator/transport"
  "github.com/ringlabs/go-ring-orchestrator/transport/sim"
)

func testConfig() Config {
  cfg := DefaultConfig()

  // shrink the scheduler's time units so tests run in milliseconds, and
  // park the battery model out of the way.
  cfg.RetryDelay = 20 * time.Millisecond
  cfg.ReconnectDelay = 15 * time.Millisecond
  cfg.BatteryInterval = time.Hour

  return cfg
}

func startCore(t *testing.T, tr *sim.Transport) *Orchestrator {
  t.Helper()

  o := New(tr, tr, testConfig())

  ctx, cancel := context.WithCancel(context.Background())
  t.Cleanup(cancel)

  go o.Run(ctx)

  return o
}

func newTestCore(t *testing.T) (*Orchestrator, *sim.Transport) {
  t.Helper()

  tr := sim.New()
  o := startCore(t, tr)

  waitFor(t, "both capabilities started", func() bool {
    return tr.Discoverable() && tr.Discovering()
  })

  return o, tr
}

func waitFor(t *testing.T, what string, cond func() bool) {
  t.Helper()

  deadline := time.Now().Add(2 * time.Second)

  for time.Now().Before(deadline) {
    if cond() {
      return
    }

    time.Sleep(2 * time.Millisecond)
  }

  t.Fatalf("timed out waiting for %s", what)
}

func callCount(calls []string, want string) int {
  n := 0

  for _, c := range calls {
    if c == want {
      n += 1
    }
  }

  return n
}

func firstStart(calls []string) string {
  for _, c := range calls {
    if strings.HasPrefix(c, "start_") {
      return c
    }
  }

  return ""
}

func TestEstablishInitiator(t *testing.T) {
  o, tr := newTestCore(t)

  link := tr.NewLink("aa:01")
  ref, err := o.LinkEstablished(transport.RoleInitiator, "aa:01", link)

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  if ref.Slot != SlotInitiator {
    t.Fatalf("ref slot: got %v, wanted initiator", ref.Slot)
  }

  // becoming an initiator must stop the device from being discoverable.
  waitFor(t, "discoverable suspended", func() bool {
    return !tr.Discoverable()
  })

  waitFor(t, "slot populated", func() bool {
    return o.SlotStatus(SlotInitiator).Occupied
  })

  status := o.SlotStatus(SlotInitiator)

  if status.Peer != "aa:01" {
    t.Fatalf("peer: got %q", status.Peer)
  }

  if status.RSSI != placeholderInitiatorRSSI || status.Distance != ring.DistanceClose {
    t.Fatalf("placeholder estimate: got %d/%v", status.RSSI, status.Distance)
  }

  // the new link starts on the Active profile and HRS discovery is chained.
  calls := tr.Calls()

  if callCount(calls, "params:aa:01:6-12") != 1 {
    t.Fatalf("active profile not pushed, calls: %v", calls)
  }

  if callCount(calls, "discover:hrs") != 1 {
    t.Fatalf("HRS discovery not requested, calls: %v", calls)
  }
}

func TestEstablishResponderSuspendsDiscovering(t *testing.T) {
  o, tr := newTestCore(t)

  link := tr.NewLink("bb:02")

  if _, err := o.LinkEstablished(transport.RoleResponder, "bb:02", link); err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  waitFor(t, "discovering suspended", func() bool {
    return !tr.Discovering()
  })

  if !tr.Discoverable() {
    t.Fatal("discoverable was suspended by a responder link")
  }
}

func TestDuplicatePeerRejected(t *testing.T) {
  o, tr := newTestCore(t)

  first := tr.NewLink("cc:03")
  ref, err := o.LinkEstablished(transport.RoleInitiator, "cc:03", first)

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  waitFor(t, "initiator slot populated", func() bool {
    return o.SlotStatus(SlotInitiator).Occupied
  })

  before := o.SlotStatus(SlotInitiator)

  second := tr.NewLink("cc:03")
  _, err = o.LinkEstablished(transport.RoleResponder, "cc:03", second)

  if !errors.Is(err, ErrDuplicatePeer) {
    t.Fatalf("second link: got err=%v, wanted ErrDuplicatePeer", err)
  }

  // the newly-arriving link is torn down and the existing slot wins.
  if callCount(tr.Calls(), "terminate:cc:03") != 1 {
    t.Fatalf("duplicate link not terminated, calls: %v", tr.Calls())
  }

  if got := o.SlotStatus(SlotResponder); got.Occupied {
    t.Fatalf("responder slot populated by rejected link: %+v", got)
  }

  if got := o.SlotStatus(SlotInitiator); got != before {
    t.Fatalf("initiator slot mutated by rejected link: %+v vs %+v", got, before)
  }

  // the original link is still usable.
  o.RawSignalSample(ref, -45)
}

func TestSlotOccupiedRejected(t *testing.T) {
  o, tr := newTestCore(t)

  if _, err := o.LinkEstablished(transport.RoleInitiator, "dd:04", tr.NewLink("dd:04")); err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  _, err := o.LinkEstablished(transport.RoleInitiator, "ee:05", tr.NewLink("ee:05"))

  if !errors.Is(err, ErrSlotOccupied) {
    t.Fatalf("got err=%v, wanted ErrSlotOccupied", err)
  }

  if callCount(tr.Calls(), "terminate:ee:05") != 1 {
    t.Fatalf("surplus link not terminated, calls: %v", tr.Calls())
  }
}

func TestLinkLostClearsSlot(t *testing.T) {
  o, tr := newTestCore(t)

  link := tr.NewLink("ff:06")
  ref, err := o.LinkEstablished(transport.RoleResponder, "ff:06", link)

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  o.ServiceReady(ref, transport.ServiceHRS)

  waitFor(t, "service flagged", func() bool {
    return o.SlotStatus(SlotResponder).HRSReady
  })

  o.LinkLost(ref, transport.ReasonRemoteTerminated)

  waitFor(t, "slot cleared", func() bool {
    return !o.SlotStatus(SlotResponder).Occupied
  })

  snap := o.Snapshot()

  if got := snap.Slots[SlotResponder]; got != (SlotStatus{}) {
    t.Fatalf("cleared slot not at defaults: %+v", got)
  }

  // losing the last link demotes to Sleep until new activity.
  if snap.Mode != power.ModeSleep {
    t.Fatalf("mode after loss: got %v, wanted Sleep", snap.Mode)
  }

  // with no occupied slots the reconnection policy restarts discovery.
  waitFor(t, "discovering resumed", func() bool {
    return tr.Discovering()
  })
}

func TestReconnectAlternation(t *testing.T) {
  o, tr := newTestCore(t)

  lossRound := func(peerA, peerB transport.PeerID) []string {
    refA, err := o.LinkEstablished(transport.RoleInitiator, peerA, tr.NewLink(peerA))

    if err != nil {
      t.Fatalf("LinkEstablished(%s) err=%v", peerA, err)
    }

    refB, err := o.LinkEstablished(transport.RoleResponder, peerB, tr.NewLink(peerB))

    if err != nil {
      t.Fatalf("LinkEstablished(%s) err=%v", peerB, err)
    }

    waitFor(t, "both capabilities suspended", func() bool {
      return !tr.Discoverable() && !tr.Discovering()
    })

    marker := len(tr.Calls())

    o.LinkLost(refA, transport.ReasonTimeout)
    o.LinkLost(refB, transport.ReasonTimeout)

    waitFor(t, "both capabilities resumed", func() bool {
      return tr.Discoverable() && tr.Discovering()
    })

    return tr.Calls()[marker:]
  }

  // first invocation favors discovering, the second flips back.
  if got := firstStart(lossRound("p1:01", "p2:02")); got != "start_discovering" {
    t.Fatalf("first reconnect favored %q, wanted start_discovering", got)
  }

  if got := firstStart(lossRound("p3:03", "p4:04")); got != "start_discoverable" {
    t.Fatalf("second reconnect favored %q, wanted start_discoverable", got)
  }
}

func TestCapabilityStartFailureRetries(t *testing.T) {
  tr := sim.New()
  tr.FailNextStarts(2)

  startCore(t, tr)

  waitFor(t, "both capabilities started after retries", func() bool {
    return tr.Discoverable() && tr.Discovering()
  })

  calls := tr.Calls()

  // one failed boot attempt plus one successful retry per capability;
  // the retry is delayed, not busy-looped.
  if got := callCount(calls, "start_discoverable"); got != 2 {
    t.Fatalf("start_discoverable attempts: got %d, wanted 2 (calls: %v)", got, calls)
  }

  if got := callCount(calls, "start_discovering"); got != 2 {
    t.Fatalf("start_discovering attempts: got %d, wanted 2 (calls: %v)", got, calls)
  }
}

func TestStaleSampleDropped(t *testing.T) {
  o, tr := newTestCore(t)

  stale, err := o.LinkEstablished(transport.RoleInitiator, "aa:10", tr.NewLink("aa:10"))

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  o.LinkLost(stale, transport.ReasonRemoteTerminated)

  waitFor(t, "slot cleared", func() bool {
    return !o.SlotStatus(SlotInitiator).Occupied
  })

  fresh, err := o.LinkEstablished(transport.RoleInitiator, "aa:11", tr.NewLink("aa:11"))

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  if stale.Gen == fresh.Gen {
    t.Fatalf("slot reuse did not bump the generation: %d", fresh.Gen)
  }

  // samples tagged with the old generation must not touch the new occupant.
  for i := 0; i < ring.HistorySize; i += 1 {
    o.RawSignalSample(stale, -30)
  }

  // barrier: a valid event behind the stale ones proves they were consumed.
  o.ServiceReady(fresh, transport.ServiceHRS)

  waitFor(t, "barrier event processed", func() bool {
    return o.SlotStatus(SlotInitiator).HRSReady
  })

  if got := o.SlotStatus(SlotInitiator).RSSI; got != placeholderInitiatorRSSI {
    t.Fatalf("stale samples reached the new occupant: RSSI %d", got)
  }
}

func TestReportHysteresis(t *testing.T) {
  o, tr := newTestCore(t)

  ref, err := o.LinkEstablished(transport.RoleInitiator, "bb:20", tr.NewLink("bb:20"))

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  // barrier: each HRS service-ready event chains another LBS discovery
  // request, so a growing discover:lbs count proves the queued samples in
  // front of it were consumed.
  barriers := 0

  feed := func(rssi, n int) {
    for i := 0; i < n; i += 1 {
      o.RawSignalSample(ref, rssi)
    }

    o.ServiceReady(ref, transport.ServiceHRS)
    barriers += 1

    waitFor(t, "samples processed", func() bool {
      return callCount(tr.Calls(), "discover:lbs") >= barriers
    })
  }

  // before the window wraps, the filter reports the conservative neutral
  // default, which overrides the role placeholder.
  feed(-57, 1)

  status := o.SlotStatus(SlotInitiator)

  if status.RSSI != ring.NeutralRSSI || status.Distance != ring.DistanceMedium {
    t.Fatalf("pre-wrap report: got %d/%v, wanted %d/Medium",
      status.RSSI, status.Distance, ring.NeutralRSSI)
  }

  // the wrap produces the first real average.
  feed(-57, ring.HistorySize-1)

  status = o.SlotStatus(SlotInitiator)

  if status.RSSI != -57 || status.Distance != ring.DistanceClose {
    t.Fatalf("post-wrap report: got %d/%v, wanted -57/Close", status.RSSI, status.Distance)
  }

  // a slow drift to -59 keeps the level and never moves the average by more
  // than the hysteresis from the last report: fully suppressed.
  feed(-59, ring.HistorySize)

  if got := o.SlotStatus(SlotInitiator).RSSI; got != -57 {
    t.Fatalf("report emitted inside hysteresis: RSSI %d", got)
  }

  // a level change is always reported, hysteresis aside.
  feed(-75, ring.HistorySize)

  status = o.SlotStatus(SlotInitiator)

  if status.RSSI != -75 || status.Distance != ring.DistanceFar {
    t.Fatalf("level change not reported: got %d/%v, wanted -75/Far", status.RSSI, status.Distance)
  }
}

func TestServiceDiscoveryChaining(t *testing.T) {
  o, tr := newTestCore(t)

  ref, err := o.LinkEstablished(transport.RoleInitiator, "cc:30", tr.NewLink("cc:30"))

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  if callCount(tr.Calls(), "discover:hrs") != 1 {
    t.Fatalf("HRS discovery not requested, calls: %v", tr.Calls())
  }

  o.ServiceReady(ref, transport.ServiceHRS)

  waitFor(t, "LBS discovery chained", func() bool {
    return callCount(tr.Calls(), "discover:lbs") == 1
  })

  o.ServiceReady(ref, transport.ServiceLBS)

  waitFor(t, "both services ready", func() bool {
    status := o.SlotStatus(SlotInitiator)
    return status.HRSReady && status.LBSReady
  })
}

// stallingTransport parks the event loop inside the chained LBS discovery
// request until the gate opens.
type stallingTransport struct {
  *sim.Transport
  gate chan struct{}
}

func (s *stallingTransport) RequestServiceDiscovery(link transport.Link, service transport.ServiceID) error {
  if service == transport.ServiceLBS {
    <-s.gate
  }

  return s.Transport.RequestServiceDiscovery(link, service)
}

func TestLinkLostSurvivesFullQueue(t *testing.T) {
  inner := sim.New()
  tr := &stallingTransport{Transport: inner, gate: make(chan struct{})}
  o := New(tr, inner, testConfig())

  ctx, cancel := context.WithCancel(context.Background())
  t.Cleanup(cancel)

  go o.Run(ctx)

  waitFor(t, "both capabilities started", func() bool {
    return inner.Discoverable() && inner.Discovering()
  })

  ref, err := o.LinkEstablished(transport.RoleInitiator, "aa:99", inner.NewLink("aa:99"))

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  // the HRS completion makes the loop block inside the LBS request.
  o.ServiceReady(ref, transport.ServiceHRS)

  waitFor(t, "loop stalled in discovery", func() bool {
    return len(o.events) == 0
  })

  // flood the queue with samples while the loop cannot drain it.
  for i := 0; i < cap(o.events); i += 1 {
    o.RawSignalSample(ref, -40)
  }

  // the link dies while the queue is full; the loss must still get through.
  lost := make(chan struct{})

  go func() {
    o.LinkLost(ref, transport.ReasonTimeout)
    close(lost)
  }()

  close(tr.gate)
  <-lost

  waitFor(t, "slot cleared", func() bool {
    return !o.SlotStatus(SlotInitiator).Occupied
  })
}

// flakyTransport fails the first n discoverable starts and timestamps every
// attempt.
type flakyTransport struct {
  *sim.Transport

  mu       sync.Mutex
  failures int
  attempts []time.Time
}

func (f *flakyTransport) StartDiscoverable() error {
  f.mu.Lock()
  f.attempts = append(f.attempts, time.Now())
  fail := f.failures > 0

  if fail {
    f.failures -= 1
  }

  f.mu.Unlock()

  if fail {
    return errors.New("radio busy")
  }

  return f.Transport.StartDiscoverable()
}

func (f *flakyTransport) Attempts() []time.Time {
  f.mu.Lock()
  defer f.mu.Unlock()

  out := make([]time.Time, len(f.attempts))
  copy(out, f.attempts)

  return out
}

func TestCapabilityRetriesSpacedByDelay(t *testing.T) {
  inner := sim.New()
  tr := &flakyTransport{Transport: inner, failures: 2}
  cfg := testConfig()
  o := New(tr, inner, cfg)

  ctx, cancel := context.WithCancel(context.Background())
  t.Cleanup(cancel)

  go o.Run(ctx)

  // discoverable fails twice in a row, then the third attempt sticks.
  waitFor(t, "discoverable started after retries", func() bool {
    return inner.Discoverable()
  })

  attempts := tr.Attempts()

  if len(attempts) != 3 {
    t.Fatalf("start attempts: got %d, wanted 3", len(attempts))
  }

  for i := 1; i < len(attempts); i += 1 {
    if gap := attempts[i].Sub(attempts[i-1]); gap < cfg.RetryDelay {
      t.Errorf("retry %d fired after %v, wanted at least %v", i, gap, cfg.RetryDelay)
    }
  }

  // retries must not touch the reconnection alternation: the first
  // no-slots-occupied reconnect still favors discovering.
  refA, err := o.LinkEstablished(transport.RoleInitiator, "qq:01", inner.NewLink("qq:01"))

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  refB, err := o.LinkEstablished(transport.RoleResponder, "qq:02", inner.NewLink("qq:02"))

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  waitFor(t, "both capabilities suspended", func() bool {
    return !inner.Discoverable() && !inner.Discovering()
  })

  marker := len(inner.Calls())

  o.LinkLost(refA, transport.ReasonTimeout)
  o.LinkLost(refB, transport.ReasonTimeout)

  waitFor(t, "both capabilities resumed", func() bool {
    return inner.Discoverable() && inner.Discovering()
  })

  if got := firstStart(inner.Calls()[marker:]); got != "start_discovering" {
    t.Fatalf("first reconnect favored %q, wanted start_discovering", got)
  }
}

func TestLinkFailedRollsBackAndReconnects(t *testing.T) {
  o, tr := newTestCore(t)

  ref, err := o.LinkEstablished(transport.RoleInitiator, "dd:40", tr.NewLink("dd:40"))

  if err != nil {
    t.Fatalf("LinkEstablished() err=%v", err)
  }

  waitFor(t, "discoverable suspended", func() bool {
    return !tr.Discoverable()
  })

  o.LinkFailed(ref, transport.ReasonTimeout)

  waitFor(t, "slot rolled back", func() bool {
    return !o.SlotStatus(SlotInitiator).Occupied
  })

  waitFor(t, "discoverable resumed", func() bool {
    return tr.Discoverable()
  })
}
