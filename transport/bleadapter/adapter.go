// Package bleadapter implements the transport contract on top of a Linux
// HCI device. Discoverable maps to connectable advertising of the ring
// service, discovering maps to a filtered scan that dials the first matching
// peer as initiator.
//
// Inbound (responder) link lifecycles are not surfaced by the HCI client
// library; the embedding process feeds those to the handler itself. The
// orchestrator does not care where events originate.
package bleadapter

import (
  "context"
  "sync"
  "time"

  "github.com/go-ble/ble"
  "github.com/go-ble/ble/linux"
  "github.com/go-ble/ble/linux/hci/cmd"
  "github.com/pkg/errors"
  "github.com/rs/zerolog/log"

  "github.com/ringlabs/go-ring-orchestrator/orchestrator"
  "github.com/ringlabs/go-ring-orchestrator/transport"
  "github.com/ringlabs/go-ring-orchestrator/utils"
)

var (
  // RingServiceUUID marks peers of our own kind (the LED-button service the
  // rings advertise).
  RingServiceUUID = ble.MustParse("00001523-1212-efde-1523-785feabcd123")

  // HRSServiceUUID is the standard heart-rate service.
  HRSServiceUUID = ble.UUID16(0x180d)
)

const dialTimeout = 10 * time.Second

// Handler receives link lifecycle events recovered from the transport.
// *orchestrator.Orchestrator satisfies it.
type Handler interface {
  LinkEstablished(role transport.Role, peer transport.PeerID, link transport.Link) (orchestrator.SlotRef, error)
  LinkLost(ref orchestrator.SlotRef, reason transport.ReasonCode)
  LinkFailed(ref orchestrator.SlotRef, reason transport.ReasonCode)
  ServiceReady(ref orchestrator.SlotRef, service transport.ServiceID)
}

// Link wraps an HCI client connection.
type Link struct {
  client ble.Client
  peer   transport.PeerID
}

func (l *Link) ID() string {
  return l.client.Addr().String()
}

func (l *Link) Peer() transport.PeerID {
  return l.peer
}

type Adapter struct {
  dev     *linux.Device
  name    string
  handler Handler

  mu         sync.Mutex
  advCancel  func()
  scanCancel func()
  dialing    map[string]bool
  refs       map[string]orchestrator.SlotRef

  // per-link gate closed once the registry's verdict on the link is known;
  // service discovery can complete before the slot ref is stored and must
  // wait for it instead of dropping the ready notification.
  refWait map[string]chan struct{}
}

// Init opens the HCI device. The Active link profile is installed as the
// initial connection parameter set; later profile pushes are declined (see
// ApplyLinkParameters).
func Init(deviceId int, name string, handler Handler) (*Adapter, error) {
  log.Debug().
    Int("DeviceID", deviceId).
    Str("Name", name).
    Msg("Initializing Bluetooth device")

  dev, err := linux.NewDevice(
    ble.OptDeviceID(deviceId),
    ble.OptScanParams(cmd.LESetScanParameters{
      LEScanType:           0x00,   // passive
      LEScanInterval:       0x0004, // 0x0004 - 0x4000; N * 0.625msec
      LEScanWindow:         0x0004, // 0x0004 - 0x4000; N * 0.625msec
      OwnAddressType:       0x00,   // public
      ScanningFilterPolicy: 0x00,   // accept all
    }),
    ble.OptConnParams(cmd.LECreateConnection{
      LEScanInterval:        0x0004,
      LEScanWindow:          0x0004,
      InitiatorFilterPolicy: 0x00,
      PeerAddressType:       0x00,
      OwnAddressType:        0x00,
      ConnIntervalMin:       0x0006, // Active profile, N * 1.25 msec
      ConnIntervalMax:       0x000c,
      ConnLatency:           0x0000,
      SupervisionTimeout:    0x0190, // N * 10 msec
    }),
  )

  if err != nil {
    return nil, errors.Wrap(err, "failed to init bluetooth device")
  }

  ble.SetDefaultDevice(dev)

  return &Adapter{
    dev:     dev,
    name:    name,
    handler: handler,
    dialing: make(map[string]bool),
    refs:    make(map[string]orchestrator.SlotRef),
    refWait: make(map[string]chan struct{}),
  }, nil
}

func (a *Adapter) StartDiscoverable() error {
  a.mu.Lock()
  defer a.mu.Unlock()

  if a.advCancel != nil {
    return nil
  }

  ctx, cancel := context.WithCancel(context.Background())
  a.advCancel = cancel

  go func() {
    err := a.dev.AdvertiseNameAndServices(ctx, a.name, RingServiceUUID)

    if err != nil && !utils.ErrorIsAnyOf(err, context.Canceled, context.DeadlineExceeded) {
      log.Warn().Err(err).Msg("ble: advertising ended with error")
    }
  }()

  return nil
}

func (a *Adapter) StopDiscoverable() error {
  a.mu.Lock()
  defer a.mu.Unlock()

  if a.advCancel != nil {
    a.advCancel()
    a.advCancel = nil
  }

  return nil
}

func (a *Adapter) StartDiscovering() error {
  a.mu.Lock()
  defer a.mu.Unlock()

  if a.scanCancel != nil {
    return nil
  }

  ctx, cancel := context.WithCancel(context.Background())
  a.scanCancel = cancel

  go func() {
    err := a.dev.Scan(ctx, false, a.onAdvertisement)

    if err != nil && !utils.ErrorIsAnyOf(err, context.Canceled, context.DeadlineExceeded) {
      log.Warn().Err(err).Msg("ble: scan ended with error")
    }
  }()

  return nil
}

func (a *Adapter) StopDiscovering() error {
  a.mu.Lock()
  defer a.mu.Unlock()

  if a.scanCancel != nil {
    a.scanCancel()
    a.scanCancel = nil
  }

  return nil
}

func (a *Adapter) onAdvertisement(adv ble.Advertisement) {
  if !adv.Connectable() || !advertisesRingService(adv) {
    return
  }

  addr := adv.Addr().String()

  a.mu.Lock()

  if a.dialing[addr] || a.refs[addr] != (orchestrator.SlotRef{}) {
    a.mu.Unlock()
    return
  }

  a.dialing[addr] = true
  a.mu.Unlock()

  log.Debug().
    Str("Addr", addr).
    Str("Name", adv.LocalName()).
    Array("Services", utils.ToZeroLogArray(adv.Services())).
    Msg("ble: found ring peer, dialing")

  go a.dial(adv.Addr())
}

func advertisesRingService(adv ble.Advertisement) bool {
  for _, u := range adv.Services() {
    if u.Equal(RingServiceUUID) {
      return true
    }
  }

  return false
}

func (a *Adapter) dial(addr ble.Addr) {
  defer func() {
    a.mu.Lock()
    delete(a.dialing, addr.String())
    a.mu.Unlock()
  }()

  ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
  defer cancel()

  client, err := ble.Dial(ctx, addr)

  if err != nil {
    log.Debug().Err(err).Str("Addr", addr.String()).Msg("ble: dial failed")
    a.handler.LinkFailed(orchestrator.SlotRef{}, transport.ReasonUnknown)
    return
  }

  link := &Link{
    client: client,
    peer:   transport.PeerID(addr.String()),
  }

  a.beginEstablish(addr.String())

  ref, err := a.handler.LinkEstablished(transport.RoleInitiator, link.peer, link)

  if err != nil {
    // the registry rejected the link (duplicate peer or occupied slot)
    // and has already asked for termination.
    a.finishEstablish(addr.String(), orchestrator.SlotRef{}, false)
    return
  }

  a.finishEstablish(addr.String(), ref, true)

  // watchdog forwarding the transport-level disconnect into the core.
  go func() {
    <-client.Disconnected()

    log.Debug().Str("Addr", addr.String()).Msg("ble: link disconnected")

    a.mu.Lock()
    delete(a.refs, addr.String())
    a.mu.Unlock()

    a.handler.LinkLost(ref, transport.ReasonRemoteTerminated)
  }()
}

func (a *Adapter) TerminateLink(link transport.Link) error {
  l, ok := link.(*Link)

  if !ok {
    return errors.Errorf("foreign link handle %q", link.ID())
  }

  return errors.Wrap(l.client.CancelConnection(), "failed to terminate link")
}

// ApplyLinkParameters is declined: the HCI client library only takes
// connection parameters at device init. The core treats pushes as
// best-effort, so declining is safe.
func (a *Adapter) ApplyLinkParameters(
  link transport.Link,
  intervalMin, intervalMax, peerLatency, supervisionTimeout uint16,
) error {
  return transport.ErrParameterUpdateUnsupported
}

func (a *Adapter) RequestServiceDiscovery(link transport.Link, service transport.ServiceID) error {
  l, ok := link.(*Link)

  if !ok {
    return errors.Errorf("foreign link handle %q", link.ID())
  }

  uuid := HRSServiceUUID

  if service == transport.ServiceLBS {
    uuid = RingServiceUUID
  }

  go func() {
    _, err := l.client.DiscoverServices([]ble.UUID{uuid})

    if err != nil {
      log.Debug().
        Err(err).
        Stringer("Service", service).
        Msg("ble: service discovery failed")
      return
    }

    a.notifyServiceReady(l.ID(), service)
  }()

  return nil
}

// beginEstablish opens the ref gate for a link about to be offered to the
// registry.
func (a *Adapter) beginEstablish(id string) {
  a.mu.Lock()
  defer a.mu.Unlock()

  a.refWait[id] = make(chan struct{})
}

// finishEstablish records the registry's verdict and releases anything
// waiting on the ref.
func (a *Adapter) finishEstablish(id string, ref orchestrator.SlotRef, accepted bool) {
  a.mu.Lock()

  ready := a.refWait[id]
  delete(a.refWait, id)

  if accepted {
    a.refs[id] = ref
  }

  a.mu.Unlock()

  if ready != nil {
    close(ready)
  }
}

// notifyServiceReady forwards a completed discovery to the handler. Discovery
// is requested while the establish call is still in flight, so the slot ref
// may not be stored yet; wait for the verdict instead of dropping the event.
func (a *Adapter) notifyServiceReady(id string, service transport.ServiceID) {
  a.mu.Lock()
  ready := a.refWait[id]
  a.mu.Unlock()

  if ready != nil {
    <-ready
  }

  a.mu.Lock()
  ref, ok := a.refs[id]
  a.mu.Unlock()

  if ok {
    a.handler.ServiceReady(ref, service)
  }
}

// ReadRSSI implements transport.SignalSource.
func (a *Adapter) ReadRSSI(link transport.Link) (int, error) {
  l, ok := link.(*Link)

  if !ok {
    return 0, errors.Errorf("foreign link handle %q", link.ID())
  }

  return l.client.ReadRSSI(), nil
}

// Stop closes the HCI device.
func (a *Adapter) Stop() error {
  return a.dev.Stop()
}
