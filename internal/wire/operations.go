package wire

// OpTag discriminates which Question/Statement/Answer payload an
// Operation carries — the wire-level union tag from spec.md §4.7.
type OpTag uint8

const (
	OpStatus OpTag = iota
	OpFindNode
	OpGetValue
	OpSetValue
	OpWatchValue
	OpValueChanged
	OpSupplyBlock
	OpFindBlock
	OpAppCall
	OpAppMessage
	OpSignal
	OpValidateDialInfo
	OpReturnReceipt
	OpStartTunnel
	OpCompleteTunnel
	OpCancelTunnel
	OpRoute
)

// StatusQ asks for liveness plus the requester's perceived address.
type StatusQ struct{}

// StatusA returns liveness and, optionally, the peer's view of the
// requester's socket address (used by the Reachability Classifier).
type StatusA struct {
	SenderInfo *DialInfo
}

// FindNodeQ asks for the closest known peers to Target.
type FindNodeQ struct {
	Target NodeID
}

type FindNodeA struct {
	Peers []PeerInfo
}

type GetValueQ struct {
	Key ValueKey
}

// GetValueA returns the value if held locally, else closer peers to
// continue the iterative fanout.
type GetValueA struct {
	Value       *ValueData
	ClosePeers  []PeerInfo
}

type SetValueQ struct {
	Key   ValueKey
	Value ValueData
}

// SetValueA echoes back the value actually stored (which may be the
// caller's, or the newer one already held, per spec.md's strict-seq
// rule).
type SetValueA struct {
	Value      ValueData
	ClosePeers []PeerInfo
}

type WatchValueQ struct {
	Key        ValueKey
	ExpireReq  int64 // requested expiration, microseconds since epoch
}

// WatchValueA's Expiration of 0 means the watch was refused.
type WatchValueA struct {
	Expiration int64
}

// ValueChanged is pushed to watchers out-of-band of the Watch Q/A.
type ValueChanged struct {
	Key   ValueKey
	Value ValueData
}

type SupplyBlockQ struct {
	BlockID [32]byte // BLAKE3 hash
}

type SupplyBlockA struct {
	Accepted bool
}

type FindBlockQ struct {
	BlockID [32]byte
}

type FindBlockA struct {
	Data       []byte // present if locally held
	ClosePeers []PeerInfo
}

// AppKind is the supplemental application-multiplexing tag (SPEC_FULL.md
// §4.7): lets one opID space carry multiple app-level protocols.
type AppKind uint16

type AppCallQ struct {
	AppKind AppKind
	Payload []byte
}

type AppCallA struct {
	Payload []byte
}

type AppMessage struct {
	AppKind AppKind
	Payload []byte
}

// SignalKind distinguishes hole-punch vs reverse-connect rendezvous.
type SignalKind uint8

const (
	SignalHolePunch SignalKind = iota
	SignalReverseConnect
)

type Signal struct {
	Kind       SignalKind
	Target     NodeID
	ReceiptTok [16]byte
}

// ValidateDialInfo is a Statement (no Answer); the receipt arrives
// separately via ReturnReceipt.
type ValidateDialInfo struct {
	DialInfo   DialInfo
	ReceiptTok [16]byte
	Redirect   bool
}

type ReturnReceipt struct {
	ReceiptTok [16]byte
}

// TunnelID identifies a long-lived tunnel across its Start/Complete/
// Cancel lifecycle.
type TunnelID [16]byte

type TunnelMode uint8

const (
	TunnelRaw TunnelMode = iota
	TunnelTURN
)

type StartTunnelQ struct {
	Mode TunnelMode
}

type StartTunnelA struct {
	TunnelID TunnelID
	Endpoint DialInfo
}

type CompleteTunnelQ struct {
	TunnelID    TunnelID
	PeerEndpoint DialInfo
}

type CompleteTunnelA struct {
	Accepted bool
}

type CancelTunnelQ struct {
	TunnelID TunnelID
}

type CancelTunnelA struct {
	Cancelled bool
}

// RouteOperation wraps an inner operation forwarded through a safety or
// private route, accumulating one signature per traversed hop (spec.md
// §4.6's integrity rule).
type RouteOperation struct {
	Inner      []byte // encoded inner Operation once fully unwrapped
	Signatures [][64]byte
	SignerIDs  []NodeID
}
