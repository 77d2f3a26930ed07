// Package transport defines the contract between the connection/power
// orchestrator and the wireless transport collaborator. Link establishment,
// pairing and attribute discovery happen behind these interfaces; the
// orchestrator only consumes their outcomes as events.
package transport

import (
  "strconv"

  "github.com/pkg/errors"
)

// Role is the side this device takes on a link: initiator links are dialed
// outbound (central), responder links are accepted inbound (peripheral).
type Role uint8

const (
  RoleInitiator Role = iota
  RoleResponder
)

func (r Role) String() string {
  switch r {
  case RoleInitiator:
    return "initiator"
  case RoleResponder:
    return "responder"
  default:
    panic("unknown Role value: " + strconv.Itoa(int(r)))
  }
}

// PeerID identifies a physical peer, normally its advertised address. Two
// links carrying the same PeerID refer to the same device regardless of role.
type PeerID string

// Link is an opaque handle to an established transport link. The slot that
// accepted it owns it exclusively until the slot is cleared.
type Link interface {
  ID() string
  Peer() PeerID
}

// ServiceID names the application services whose discovery readiness the
// orchestrator tracks per slot. Discovery is chained: HRS first, LBS once
// HRS completes.
type ServiceID uint8

const (
  ServiceHRS ServiceID = iota // heart-rate relay
  ServiceLBS                  // button/LED signaling
)

func (s ServiceID) String() string {
  switch s {
  case ServiceHRS:
    return "hrs"
  case ServiceLBS:
    return "lbs"
  default:
    panic("unknown ServiceID value: " + strconv.Itoa(int(s)))
  }
}

// ReasonCode mirrors the transport's HCI disconnect/failure reason byte.
type ReasonCode uint8

const (
  ReasonUnknown           ReasonCode = 0x00
  ReasonTimeout           ReasonCode = 0x08
  ReasonRemoteTerminated  ReasonCode = 0x13
  ReasonLocalTerminated   ReasonCode = 0x16
)

func (r ReasonCode) String() string {
  switch r {
  case ReasonTimeout:
    return "supervision timeout"
  case ReasonRemoteTerminated:
    return "remote terminated"
  case ReasonLocalTerminated:
    return "local terminated"
  default:
    return "reason 0x" + strconv.FormatUint(uint64(r), 16)
  }
}

// ErrParameterUpdateUnsupported marks ApplyLinkParameters failures on
// transports that cannot renegotiate parameters after establishment. The
// orchestrator treats every parameter push as best-effort either way.
var ErrParameterUpdateUnsupported = errors.New("link parameter update not supported by transport")

// Transport is the discovery/link collaborator driven by the orchestrator.
// Start/Stop calls are idempotence-free: the orchestrator tracks what it has
// started and never double-starts a capability.
type Transport interface {
  // StartDiscoverable makes the device visible and connectable to peers
  // seeking a responder.
  StartDiscoverable() error
  StopDiscoverable() error

  // StartDiscovering begins seeking a peer to dial as initiator.
  StartDiscovering() error
  StopDiscovering() error

  // TerminateLink tears down an established link, typically one that lost
  // the duplicate-peer tie-break.
  TerminateLink(link Link) error

  // ApplyLinkParameters renegotiates connection parameters on an established
  // link. Units match power.LinkProfile. Best-effort: a failure here is
  // expected to be followed by a link-lost event if the link is truly gone.
  ApplyLinkParameters(link Link, intervalMin, intervalMax, peerLatency, supervisionTimeout uint16) error

  // RequestServiceDiscovery asks the transport to discover one application
  // service on the link; completion arrives as a service-ready event.
  RequestServiceDiscovery(link Link, service ServiceID) error
}

// SignalSource reads the current raw signal strength of an established link
// in dBm. Pluggable so tests and the simulator can script sample sequences.
type SignalSource interface {
  ReadRSSI(link Link) (int, error)
}
