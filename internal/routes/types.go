// Package routes implements the Private-Route Engine: onion
// construction, forwarding, and peeling of safety routes (sender
// privacy) stacked over private routes (receiver privacy), per
// spec.md §4.6. It generalizes the teacher's mixnet.go
// (buildOnion/relayHandler/chooseHopsFurthest) from one hard-coded
// demo path into the full safety-route-over-private-route scheme.
package routes

import (
	"time"

	"veilnet/internal/wire"
)

// Stability biases hop selection toward low-latency or reliable peers.
type Stability uint8

const (
	StabilityLowLatency Stability = iota
	StabilityReliable
)

// Sequencing mirrors netman's ordering preference but at the route
// hop-selection level: EnsureOrdered routes only pick hops the Routing
// Table has observed over an ordered transport.
type Sequencing uint8

const (
	SequencingNoPreference Sequencing = iota
	SequencingPreferOrdered
	SequencingEnsureOrdered
)

// SafetySpec parameters a route construction request.
type SafetySpec struct {
	HopCount   int
	Stability  Stability
	Sequencing Sequencing
}

func DefaultSafetySpec() SafetySpec {
	return SafetySpec{HopCount: wire.DefaultHopCount, Stability: StabilityReliable, Sequencing: SequencingNoPreference}
}

// RouteHop is one hop of an established route: a NodeID once the route
// is published/remembered, or a full PeerInfo snapshot (carrying the
// DH public key and dial-info needed to build a new route).
type RouteHop struct {
	NodeID   wire.NodeID
	PeerInfo *wire.PeerInfo
}

// PrivateRoute is the receiver-published chain, spec.md §3: hopCount=0
// is a terminal stub, otherwise FirstHop is required.
type PrivateRoute struct {
	RoutePublicKey [32]byte
	HopCount       int
	FirstHop       *RouteHop
}

// SafetyRoute is the sender-prepended chain; its innermost layer
// carries either more hop data or an embedded PrivateRoute, tagged by
// the one-byte discriminator from spec.md §4.6.
type SafetyRoute struct {
	RoutePublicKey [32]byte
	HopCount       int
	Hops           []RouteHop
}

const (
	tagMoreHops     = 0x00
	tagPrivateRoute = 0x01
)

// innerLayer is what one hop decrypts: either forward Next to NextAddr,
// or (Tag == tagPrivateRoute / NextAddr == "") this is the terminal
// payload for local delivery.
type innerLayer struct {
	Tag      byte
	NextAddr string
	Next     []byte
}

// pendingRoute is sender-side bookkeeping for a route under
// construction/in-flight, keyed by RoutePublicKey: its hops and the
// created/last-used times the idle sweep checks for spec.md's route
// release/idle-timeout rule. BuildAndRegister does not fill in
// ephemeralPriv; it stays zero.
type pendingRoute struct {
	ephemeralPriv [32]byte
	hops          []RouteHop
	createdAt     time.Time
	lastUsed      time.Time
}

// ReceiptTracker dedups single-use receipt tokens (spec.md §3's
// Receipt entity: "opaque token... single-use nonce").
type ReceiptTracker struct {
	seen map[[16]byte]time.Time
	ttl  time.Duration
}

func NewReceiptTracker(ttl time.Duration) *ReceiptTracker {
	return &ReceiptTracker{seen: make(map[[16]byte]time.Time), ttl: ttl}
}

// Claim returns true the first time a token is seen within its TTL
// window; a repeat (or replayed) token is rejected.
func (r *ReceiptTracker) Claim(tok [16]byte) bool {
	now := time.Now()
	if exp, ok := r.seen[tok]; ok && now.Before(exp) {
		return false
	}
	r.seen[tok] = now.Add(r.ttl)
	return true
}

// Sweep drops expired tokens, bounding memory growth.
func (r *ReceiptTracker) Sweep() {
	now := time.Now()
	for tok, exp := range r.seen {
		if now.After(exp) {
			delete(r.seen, tok)
		}
	}
}
