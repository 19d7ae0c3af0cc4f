// Package wire defines the core's typed operations (Questions, Statements,
// Answers) and the canonical envelope framing described in spec.md §3/§6.
package wire

import "time"

// MaxOperationSize bounds any single encoded operation, per spec.md §4.2.
const MaxOperationSize = 65535

// MaxRouteHopCount bounds a route's hop count, per spec.md §6.
const MaxRouteHopCount = 4

// DefaultHopCount is the route builder's default when unspecified.
const DefaultHopCount = 1

// CryptoKindSize is the wire width of a crypto-kind tag (spec.md §6).
const CryptoKindSize = 4

// NodeID is a 256-bit public key tagged by crypto kind. Immutable for a
// node's lifetime (spec.md §3).
type NodeID struct {
	Kind [CryptoKindSize]byte
	Key  [32]byte
}

func (n NodeID) Bytes() []byte { return n.Key[:] }

// Protocol enumerates the four transports spec.md §6 names.
type Protocol uint8

const (
	ProtoUDP Protocol = iota
	ProtoTCP
	ProtoWS
	ProtoWSS
)

func (p Protocol) String() string {
	switch p {
	case ProtoUDP:
		return "UDP"
	case ProtoTCP:
		return "TCP"
	case ProtoWS:
		return "WS"
	case ProtoWSS:
		return "WSS"
	default:
		return "UNKNOWN"
	}
}

// DialInfo is a protocol + socket address a node advertises as a way to
// reach it inbound, optionally with an HTTP path for WS/WSS.
type DialInfo struct {
	Protocol Protocol
	Address  string // ip:port, validated host:port pair
	Path     string // optional, WS/WSS only
}

// DialInfoClass is spec.md §3's NAT/firewall classification.
type DialInfoClass uint8

const (
	ClassDirect DialInfoClass = iota
	ClassMapped
	ClassFullConeNAT
	ClassAddressRestrictedNAT
	ClassPortRestrictedNAT
	ClassBlocked
)

func (c DialInfoClass) String() string {
	switch c {
	case ClassDirect:
		return "Direct"
	case ClassMapped:
		return "Mapped"
	case ClassFullConeNAT:
		return "FullConeNAT"
	case ClassAddressRestrictedNAT:
		return "AddressRestrictedNAT"
	case ClassPortRestrictedNAT:
		return "PortRestrictedNAT"
	case ClassBlocked:
		return "Blocked"
	default:
		return "Unknown"
	}
}

// Worse reports whether c is a strictly worse (less reachable)
// classification than other, enforcing the monotone-worsening invariant
// from spec.md §3 (ranked best to worst in declaration order above).
func (c DialInfoClass) Worse(other DialInfoClass) bool { return c > other }

// DialInfoDetail pairs a DialInfo with its validated class.
type DialInfoDetail struct {
	DialInfo DialInfo
	Class    DialInfoClass
}

// NetworkClass is spec.md §3's derived reachability summary.
type NetworkClass uint8

const (
	NetworkInboundCapable NetworkClass = iota
	NetworkOutboundOnly
	NetworkWebApp
)

func (n NetworkClass) String() string {
	switch n {
	case NetworkInboundCapable:
		return "InboundCapable"
	case NetworkOutboundOnly:
		return "OutboundOnly"
	case NetworkWebApp:
		return "WebApp"
	default:
		return "Unknown"
	}
}

// RoutingDomain distinguishes locally (mDNS) discovered peers from
// PublicInternet (bootstrap/DHT) discovered ones. Supplements spec.md's
// bootstrap operation per SPEC_FULL.md §3.
type RoutingDomain uint8

const (
	DomainPublicInternet RoutingDomain = iota
	DomainLocalNetwork
)

// NodeInfo is size-bounded and signed together with a timestamp.
type NodeInfo struct {
	NetworkClass      NetworkClass
	OutboundProtocols []Protocol
	AddressTypes      []Protocol
	MinProtoVersion   uint8
	MaxProtoVersion   uint8
	DialInfoDetails   []DialInfoDetail
	RelayPeer         *NodeID
	Domain            RoutingDomain
	// SigningPub is the node's ed25519 verification key, carried
	// alongside NodeID (which doubles as the node's X25519 DH public
	// key) so a Private-Route hop signature can be checked against the
	// signer named in RouteOperation.SignerIDs without a separate
	// key-exchange round trip.
	SigningPub [32]byte
}

// SignedNodeInfo is a NodeInfo plus signature and microsecond timestamp.
type SignedNodeInfo struct {
	Info      NodeInfo
	Timestamp int64 // microseconds since epoch
	Signature [64]byte
}

func NowMicros() int64 { return time.Now().UnixMicro() }

// PeerInfo pairs a NodeID with its latest SignedNodeInfo snapshot.
type PeerInfo struct {
	NodeID         NodeID
	SignedNodeInfo SignedNodeInfo
}

// ValueKey is a 256-bit location plus an opaque subkey name (empty means
// whole-key).
type ValueKey struct {
	Location [32]byte
	Subkey   []byte
}

// ValueData is a DHT value: payload plus a strictly-increasing sequence
// number (spec.md §3 — equal-or-lower writes are dropped).
type ValueData struct {
	Data []byte
	Seq  uint32
}

// OpID correlates a Question with its Answer. Must be CSPRNG-chosen so a
// reply cannot be forged by guessing (spec.md §3).
type OpID uint64

// Kind discriminates the three operation shapes.
type Kind uint8

const (
	KindQuestion Kind = iota
	KindStatement
	KindAnswer
)

// Operation is the top-level envelope, spec.md §6.
type Operation struct {
	OpID OpID
	// SenderID identifies SenderNodeInfo's owner; only meaningful when
	// SenderNodeInfo is non-nil.
	SenderID       NodeID
	SenderNodeInfo *SignedNodeInfo
	Kind           Kind
	// Detail carries the decoded union payload: one of the *Q/*A/*Statement
	// types defined in operations.go, or RouteOperation for routed traffic.
	Detail any
}
