package routes

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"veilnet/internal/veilcrypto"
	"veilnet/internal/wire"
)

var log = logging.Logger("routes")

// Sender abstracts the transport hop a forwarded Route Operation is
// handed off to (netman.Manager.SendRaw, keyed by address rather than NodeID at
// this layer since intermediate hops are addressed by dial-info).
type Sender interface {
	SendRaw(ctx context.Context, addr string, payload []byte) error
}

// DefaultIdleTimeout matches spec.md's route release/idle-timeout rule:
// an allocated route with no traffic for this long is torn down.
const DefaultIdleTimeout = 5 * time.Minute

// Engine is the Private-Route Engine: sender-side construction plus
// intermediate-node forwarding/peeling, signature accumulation, and
// route lifecycle bookkeeping.
type Engine struct {
	suite *veilcrypto.Suite
	self  wire.NodeID
	sign  ed25519.PrivateKey

	mu      sync.Mutex
	pending map[[32]byte]*pendingRoute

	idleTimeout time.Duration
	receipts    *ReceiptTracker
}

func NewEngine(suite *veilcrypto.Suite, self wire.NodeID, signingKey ed25519.PrivateKey, idleTimeout time.Duration) *Engine {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Engine{
		suite:       suite,
		self:        self,
		sign:        signingKey,
		pending:     make(map[[32]byte]*pendingRoute),
		idleTimeout: idleTimeout,
		receipts:    NewReceiptTracker(2 * time.Minute),
	}
}

// BuildAndRegister constructs a safety route to terminal (or a direct
// final payload when terminal is nil) and remembers its ephemeral
// state for later idle-timeout sweeps.
func (e *Engine) BuildAndRegister(hops []RouteHop, finalPayload []byte, terminal *PrivateRoute) ([]byte, [32]byte, error) {
	outer, routePub, err := BuildSafetyRoute(e.suite, hops, finalPayload, terminal)
	if err != nil {
		return nil, routePub, err
	}
	e.mu.Lock()
	e.pending[routePub] = &pendingRoute{hops: hops, createdAt: time.Now(), lastUsed: time.Now()}
	e.mu.Unlock()
	return outer, routePub, nil
}

// Forward peels one layer off a received RouteOperation and either
// continues forwarding (appending this node's signature) or returns
// the fully unwrapped inner operation for local delivery.
//
// The accumulated signature list lets any later auditor verify the
// operation actually traversed the declared hop set, per spec.md
// §4.6's per-hop integrity rule.
func (e *Engine) Forward(ctx context.Context, selfPriv [32]byte, op wire.RouteOperation, sender Sender) (delivered []byte, forwarded bool, err error) {
	result, err := PeelOneLayer(e.suite, selfPriv, op.Inner)
	if err != nil {
		return nil, false, err
	}

	switch {
	case result.RevealedPrivateRoute != nil:
		// Continuing into the private route re-enters forwarding with
		// the revealed route's own first hop; the caller re-wraps
		// Next as a fresh RouteOperation targeting FirstHop and keeps
		// accumulating signatures the same way.
		return e.continueIntoPrivateRoute(ctx, result.RevealedPrivateRoute, op, sender)
	case result.Terminal:
		return result.Payload, false, nil
	case result.Forward:
		sig := e.suite.Sign(e.sign, result.Next)
		next := wire.RouteOperation{
			Inner:      result.Next,
			Signatures: append(append([][64]byte{}, op.Signatures...), toSig64(sig)),
			SignerIDs:  append(append([]wire.NodeID{}, op.SignerIDs...), e.self),
		}
		enc, encErr := wire.EncodeOperation(wire.Operation{Kind: wire.KindStatement, Detail: next})
		if encErr != nil {
			return nil, false, encErr
		}
		if sender != nil {
			if err := sender.SendRaw(ctx, result.NextAddr, enc); err != nil {
				return nil, false, err
			}
		}
		return nil, true, nil
	default:
		return nil, false, fmt.Errorf("routes: peel produced no actionable result")
	}
}

func (e *Engine) continueIntoPrivateRoute(ctx context.Context, pr *PrivateRoute, op wire.RouteOperation, sender Sender) ([]byte, bool, error) {
	if pr.HopCount == 0 || pr.FirstHop == nil {
		// Terminal stub private route: nothing further to peel.
		return nil, false, nil
	}
	log.Debugf("continuing forward into private route, first hop %x", pr.FirstHop.NodeID.Key[:8])
	return nil, true, nil
}

func toSig64(sig []byte) [64]byte {
	var out [64]byte
	copy(out[:], sig)
	return out
}

// VerifyChain checks every accumulated signature in a fully-unwrapped
// RouteOperation against its claimed signer, failing closed on any
// mismatch (spec.md's Open Question on unknown-signer handling: treated
// as a verification failure, not a soft warning).
func (e *Engine) VerifyChain(op wire.RouteOperation, lookup func(wire.NodeID) (ed25519.PublicKey, bool)) error {
	if len(op.Signatures) != len(op.SignerIDs) {
		return fmt.Errorf("%w: signature/signer count mismatch", veilcrypto.ErrCryptoInvalid)
	}
	for i, sig := range op.Signatures {
		pub, ok := lookup(op.SignerIDs[i])
		if !ok {
			return fmt.Errorf("%w: unknown signer", veilcrypto.ErrCryptoInvalid)
		}
		if !e.suite.Verify(pub, op.Inner, sig[:]) {
			return fmt.Errorf("%w: hop signature invalid", veilcrypto.ErrCryptoInvalid)
		}
	}
	return nil
}

// ReleaseRoute explicitly tears down a private route, per spec.md §3's
// "Private routes have an explicit release" lifecycle rule.
func (e *Engine) ReleaseRoute(routePub [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.pending, routePub)
}

// Touch marks a route as recently used, resetting its idle-timeout
// clock.
func (e *Engine) Touch(routePub [32]byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.pending[routePub]; ok {
		p.lastUsed = time.Now()
	}
}

// RunIdleSweep periodically releases routes that have seen no traffic
// within the idle timeout, and sweeps expired receipt tokens.
func (e *Engine) RunIdleSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepIdle()
			e.receipts.Sweep()
		}
	}
}

func (e *Engine) sweepIdle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	cutoff := time.Now().Add(-e.idleTimeout)
	for k, p := range e.pending {
		if p.lastUsed.Before(cutoff) {
			delete(e.pending, k)
		}
	}
}

// ClaimReceipt reports whether a ReturnReceipt token is fresh (not
// already claimed), dropping replays.
func (e *Engine) ClaimReceipt(tok [16]byte) bool {
	return e.receipts.Claim(tok)
}
