// Package sim provides an in-memory Transport with a deterministic,
// counter-based signal source. It backs the -simulate mode and the
// orchestrator tests: every outbound operation is recorded and capability
// starts can be scripted to fail.
package sim

import (
  "fmt"
  "sync"

  "github.com/google/uuid"
  "github.com/pkg/errors"
  "github.com/rs/zerolog/log"
  "golang.org/x/exp/maps"

  "github.com/ringlabs/go-ring-orchestrator/transport"
)

// Link is a simulated transport link with a uuid handle.
type Link struct {
  id   string
  peer transport.PeerID
}

func (l *Link) ID() string {
  return l.id
}

func (l *Link) Peer() transport.PeerID {
  return l.peer
}

// Transport records every operation the orchestrator invokes on it. Safe for
// concurrent use.
type Transport struct {
  mu sync.Mutex

  discoverable bool
  discovering  bool

  links map[string]*Link

  calls      []string
  failStarts int

  rssiBase    int
  rssiCounter int
}

func New() *Transport {
  return &Transport{
    links:    make(map[string]*Link),
    rssiBase: -58,
  }
}

// NewLink mints a link handle for the given peer, as if the transport had
// just established it.
func (t *Transport) NewLink(peer transport.PeerID) *Link {
  t.mu.Lock()
  defer t.mu.Unlock()

  l := &Link{
    id:   uuid.NewString(),
    peer: peer,
  }

  t.links[l.id] = l

  return l
}

// FailNextStarts makes the next n capability starts (discoverable or
// discovering) return an error.
func (t *Transport) FailNextStarts(n int) {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.failStarts = n
}

// SetRSSIBase re-centers the deterministic sample sequence.
func (t *Transport) SetRSSIBase(dbm int) {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.rssiBase = dbm
}

// Calls returns a copy of the recorded operation log.
func (t *Transport) Calls() []string {
  t.mu.Lock()
  defer t.mu.Unlock()

  out := make([]string, len(t.calls))
  copy(out, t.calls)

  return out
}

// ActiveLinkIDs returns the handles of links not yet terminated.
func (t *Transport) ActiveLinkIDs() []string {
  t.mu.Lock()
  defer t.mu.Unlock()

  return maps.Keys(t.links)
}

func (t *Transport) record(call string) {
  t.calls = append(t.calls, call)
}

func (t *Transport) startCapability(call string, flag *bool) error {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.record(call)

  if t.failStarts > 0 {
    t.failStarts -= 1
    return errors.Errorf("sim: scripted %s failure", call)
  }

  *flag = true

  return nil
}

func (t *Transport) StartDiscoverable() error {
  return t.startCapability("start_discoverable", &t.discoverable)
}

func (t *Transport) StopDiscoverable() error {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.record("stop_discoverable")
  t.discoverable = false

  return nil
}

func (t *Transport) StartDiscovering() error {
  return t.startCapability("start_discovering", &t.discovering)
}

func (t *Transport) StopDiscovering() error {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.record("stop_discovering")
  t.discovering = false

  return nil
}

func (t *Transport) Discoverable() bool {
  t.mu.Lock()
  defer t.mu.Unlock()

  return t.discoverable
}

func (t *Transport) Discovering() bool {
  t.mu.Lock()
  defer t.mu.Unlock()

  return t.discovering
}

func (t *Transport) TerminateLink(link transport.Link) error {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.record("terminate:" + string(link.Peer()))
  delete(t.links, link.ID())

  log.Debug().
    Str("Peer", string(link.Peer())).
    Msg("sim: terminated link")

  return nil
}

func (t *Transport) ApplyLinkParameters(
  link transport.Link,
  intervalMin, intervalMax, peerLatency, supervisionTimeout uint16,
) error {
  t.mu.Lock()
  defer t.mu.Unlock()

  if _, ok := t.links[link.ID()]; !ok {
    t.record("params_failed:" + string(link.Peer()))
    return errors.Errorf("sim: link %s already gone", link.ID())
  }

  t.record(fmt.Sprintf("params:%s:%d-%d", link.Peer(), intervalMin, intervalMax))

  return nil
}

func (t *Transport) RequestServiceDiscovery(link transport.Link, service transport.ServiceID) error {
  t.mu.Lock()
  defer t.mu.Unlock()

  t.record("discover:" + service.String())

  return nil
}

// ReadRSSI produces a deterministic sequence around the configured base: the
// counter walks a fixed +-4 dBm pattern so repeated runs behave identically.
func (t *Transport) ReadRSSI(link transport.Link) (int, error) {
  t.mu.Lock()
  defer t.mu.Unlock()

  if _, ok := t.links[link.ID()]; !ok {
    return 0, errors.Errorf("sim: link %s already gone", link.ID())
  }

  t.rssiCounter += 1

  return t.rssiBase + t.rssiCounter%9 - 4, nil
}
