// Package rpc implements the RPC Dispatcher: opID-correlated pending
// questions, SafetySpec-aware route selection, and per-operation
// Question/Statement/Answer handling, per spec.md §4.7. It generalizes
// the teacher's command_sync.go pending-command pattern
// (pendingCmd/pendingCmdMu, a single in-flight slot keyed by nothing)
// into an opID-keyed map of many concurrent in-flight questions, and
// server-control.go's request/response handler style into per-op
// Operation handlers instead of HTTP handlers.
package rpc

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/semaphore"

	"veilnet/internal/coremetrics"
	"veilnet/internal/netman"
	"veilnet/internal/reachability"
	"veilnet/internal/routes"
	"veilnet/internal/routingtable"
	"veilnet/internal/storage"
	"veilnet/internal/veilcrypto"
	"veilnet/internal/wire"
)

var log = logging.Logger("rpc")

// Error kinds from spec.md §7. Kept as distinct sentinels (not a shared
// type) so callers use errors.Is the same way the rest of the core does.
var (
	ErrTimeout          = errors.New("rpc: timeout")
	ErrUnreachable      = errors.New("rpc: unreachable")
	ErrStale            = errors.New("rpc: stale timestamp or sequence regression")
	ErrTryAgain         = errors.New("rpc: queue full, try again")
	ErrInvalidOperation = errors.New("rpc: invalid operation")
	ErrCancelled        = errors.New("rpc: cancelled")
	ErrShutdown         = fmt.Errorf("%w: dispatcher shutting down", ErrCancelled)
)

// Config mirrors the rpc.* settings spec.md §4.7 names.
type Config struct {
	TimeoutMs            int
	Concurrency          int
	QueueSize            int
	MaxTimestampBehindMs int64
	MaxTimestampAheadMs  int64
	ResolveNodeCount     int
	GetValueFanout       int
	GetValueCount        int
}

func DefaultConfig() Config {
	return Config{
		TimeoutMs:            5000,
		Concurrency:          64,
		QueueSize:            256,
		MaxTimestampBehindMs: 30_000,
		MaxTimestampAheadMs:  10_000,
		ResolveNodeCount:     8,
		GetValueFanout:       3,
		GetValueCount:        8,
	}
}

// pendingQuestion is one in-flight outbound Question awaiting its Answer.
type pendingQuestion struct {
	deadline time.Time
	ch       chan wire.Operation
	done     bool
	err      error // set by drainAll before ch is closed
}

// ValueStore is the subset of storage.TableStore GetValue/SetValue need,
// scoped to the "dht_values" table.
type ValueStore interface {
	Get(table string, key []byte) ([]byte, bool)
	Set(table string, key, value []byte) error
}

// Sender is how the Dispatcher actually puts bytes on the wire: the
// Network Manager. A routed send is onion-wrapped by the Private-Route
// Engine and then goes out through the same SendRaw.
type Sender interface {
	SendTo(nodeID wire.NodeID, payload []byte, hint netman.SequencingHint) error
	SendRaw(ctx context.Context, protocol wire.Protocol, addr string, payload []byte) error
	AssociatePeer(addr net.Addr, nodeID wire.NodeID)
}

// Dispatcher is the RPC Dispatcher component.
type Dispatcher struct {
	cfg     Config
	self    wire.NodeID
	signKey ed25519.PrivateKey
	suite   *veilcrypto.Suite

	sender     Sender
	table      *routingtable.Table
	store      storage.TableStore
	routes     *routes.Engine
	routePriv  [32]byte
	classifier *reachability.Classifier
	metrics    *coremetrics.Metrics

	sem        *semaphore.Weighted
	queueMu    sync.Mutex
	queueDepth int

	mu      sync.Mutex
	pending map[wire.OpID]*pendingQuestion

	watchersMu sync.Mutex
	watchers   map[wire.ValueKey][]watcher

	tunnelsMu sync.Mutex
	tunnels   map[wire.TunnelID]*tunnelState

	appHandlersMu sync.RWMutex
	appHandlers   map[wire.AppKind]AppHandler

	appMsgHandlersMu sync.RWMutex
	appMsgHandlers   map[wire.AppKind]func([]byte)

	peersMu     sync.Mutex
	knownPeers  map[wire.NodeID]struct{}

	cancel context.CancelFunc
}

type watcher struct {
	addr     string
	protocol wire.Protocol
	expires  time.Time
}

func New(cfg Config, self wire.NodeID, signKey ed25519.PrivateKey, routePriv [32]byte, suite *veilcrypto.Suite, sender Sender, table *routingtable.Table, store storage.TableStore, routeEngine *routes.Engine, metrics *coremetrics.Metrics) *Dispatcher {
	if metrics == nil {
		metrics = coremetrics.New()
	}
	return &Dispatcher{
		cfg:       cfg,
		self:      self,
		signKey:   signKey,
		routePriv: routePriv,
		suite:     suite,
		sender:    sender,
		table:     table,
		store:     store,
		routes:    routeEngine,
		metrics:   metrics,
		sem:       semaphore.NewWeighted(int64(cfg.Concurrency)),
		pending:    make(map[wire.OpID]*pendingQuestion),
		watchers:   make(map[wire.ValueKey][]watcher),
		tunnels:    make(map[wire.TunnelID]*tunnelState),
		knownPeers: make(map[wire.NodeID]struct{}),
	}
}

// selfSignedNodeInfo builds and signs a fresh NodeInfo snapshot of this
// node, stamped with the current time, for attaching to outgoing
// Questions and Answers so the recipient can learn our identity and
// verification key without a dedicated handshake operation.
func (d *Dispatcher) selfSignedNodeInfo() wire.SignedNodeInfo {
	info := wire.NodeInfo{Domain: wire.DomainPublicInternet}
	copy(info.SigningPub[:], d.signKey.Public().(ed25519.PublicKey))
	if d.classifier != nil {
		info.NetworkClass = d.classifier.CurrentNetworkClass()
	}
	ts := wire.NowMicros()
	sig := d.suite.Sign(d.signKey, wire.EncodeSignedNodeInfoBody(info, ts))
	var sni wire.SignedNodeInfo
	sni.Info = info
	sni.Timestamp = ts
	copy(sni.Signature[:], sig)
	return sni
}

// stampSender attaches this node's signed identity to an outgoing
// envelope.
func (d *Dispatcher) stampSender(op *wire.Operation) {
	sni := d.selfSignedNodeInfo()
	op.SenderID = d.self
	op.SenderNodeInfo = &sni
}

// learnPeer folds a verified sender identity into the routing table and
// the Network Manager's address-to-NodeID association, and updates the
// connection-count gauge the first time a peer is newly seen. Called
// from every inbound envelope that carries a SenderNodeInfo, per
// spec.md §4.5's add_or_update rule.
func (d *Dispatcher) learnPeer(peerAddr net.Addr, id wire.NodeID, sni wire.SignedNodeInfo) {
	if id == (wire.NodeID{}) || id == d.self {
		return
	}
	d.table.AddOrUpdate(wire.PeerInfo{NodeID: id, SignedNodeInfo: sni})
	if peerAddr != nil {
		d.sender.AssociatePeer(peerAddr, id)
	}

	d.peersMu.Lock()
	_, known := d.knownPeers[id]
	if !known {
		d.knownPeers[id] = struct{}{}
	}
	count := len(d.knownPeers)
	d.peersMu.Unlock()
	if !known {
		d.metrics.ConnectionsTotal.Set(float64(count))
	}
}

// signerPub looks up a NodeID's ed25519 verification key from the
// routing table, the lookup VerifyChain needs to check a Private-Route
// hop's accumulated signatures.
func (d *Dispatcher) signerPub(id wire.NodeID) (ed25519.PublicKey, bool) {
	e, ok := d.table.Get(id)
	if !ok {
		return nil, false
	}
	pub := e.Peer.SignedNodeInfo.Info.SigningPub
	return ed25519.PublicKey(pub[:]), true
}

// Run starts the deadline-sweep goroutine; cancel via ctx to stop it and
// fail every still-pending question with ErrShutdown.
func (d *Dispatcher) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	go d.sweepLoop(ctx)
}

func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.drainAll(ErrShutdown)
			return
		case <-ticker.C:
			d.sweepExpired()
			d.expireStaleTunnels()
		}
	}
}

func (d *Dispatcher) sweepExpired() {
	now := time.Now()
	d.mu.Lock()
	var expired []*pendingQuestion
	for opID, pq := range d.pending {
		if now.After(pq.deadline) {
			expired = append(expired, pq)
			delete(d.pending, opID)
		}
	}
	d.mu.Unlock()
	for _, pq := range expired {
		d.metrics.RPCTimeoutsTotal.Inc()
		d.metrics.RPCInflight.Dec()
		closeOnce(pq)
	}
}

func (d *Dispatcher) drainAll(reason error) {
	d.mu.Lock()
	all := d.pending
	d.pending = make(map[wire.OpID]*pendingQuestion)
	d.mu.Unlock()
	for _, pq := range all {
		d.metrics.RPCInflight.Dec()
		pq.err = reason
		closeOnce(pq)
	}
}

func closeOnce(pq *pendingQuestion) {
	if !pq.done {
		pq.done = true
		close(pq.ch)
	}
}

// acquireSlot enforces rpc.concurrency with rpc.queue_size of queued
// waiters beyond it, refusing with ErrTryAgain once the queue is also
// full — spec.md §4.7's concurrency-cap rule.
func (d *Dispatcher) acquireSlot(ctx context.Context) error {
	if d.sem.TryAcquire(1) {
		return nil
	}

	d.queueMu.Lock()
	if d.queueDepth >= d.cfg.QueueSize {
		d.queueMu.Unlock()
		d.metrics.RPCRefusedTotal.Inc()
		return ErrTryAgain
	}
	d.queueDepth++
	d.metrics.RPCQueueDepth.Inc()
	d.queueMu.Unlock()

	err := d.sem.Acquire(ctx, 1)

	d.queueMu.Lock()
	d.queueDepth--
	d.metrics.RPCQueueDepth.Dec()
	d.queueMu.Unlock()

	if err != nil {
		return ErrCancelled
	}
	return nil
}

func newOpID() wire.OpID {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return wire.OpID(binary.LittleEndian.Uint64(b[:]))
}

// SendQuestion assigns an opID, registers a pending entry, transmits
// the Question per spec, and blocks until an Answer arrives, the
// deadline expires, or ctx is cancelled.
func (d *Dispatcher) SendQuestion(ctx context.Context, target wire.NodeID, targetAddr string, protocol wire.Protocol, detail any, spec routes.SafetySpec) (wire.Operation, error) {
	if err := d.acquireSlot(ctx); err != nil {
		return wire.Operation{}, err
	}
	defer d.sem.Release(1)

	opID := newOpID()
	op := wire.Operation{
		OpID:   opID,
		Kind:   wire.KindQuestion,
		Detail: detail,
	}
	d.stampSender(&op)
	enc, err := wire.EncodeOperation(op)
	if err != nil {
		return wire.Operation{}, fmt.Errorf("%w: %v", ErrInvalidOperation, err)
	}

	pq := &pendingQuestion{
		deadline: time.Now().Add(time.Duration(d.cfg.TimeoutMs) * time.Millisecond),
		ch:       make(chan wire.Operation, 1),
	}
	d.mu.Lock()
	d.pending[opID] = pq
	d.mu.Unlock()
	d.metrics.RPCInflight.Inc()

	start := time.Now()
	if err := d.transmit(ctx, target, targetAddr, protocol, enc, spec); err != nil {
		d.mu.Lock()
		delete(d.pending, opID)
		d.mu.Unlock()
		d.metrics.RPCInflight.Dec()
		d.table.Touch(target, 0, true)
		return wire.Operation{}, err
	}

	select {
	case <-ctx.Done():
		d.mu.Lock()
		delete(d.pending, opID)
		d.mu.Unlock()
		d.metrics.RPCInflight.Dec()
		d.table.Touch(target, 0, true)
		return wire.Operation{}, ErrCancelled
	case ans, ok := <-pq.ch:
		if !ok {
			if pq.err != nil {
				return wire.Operation{}, pq.err
			}
			d.table.Touch(target, 0, true)
			return wire.Operation{}, ErrTimeout
		}
		d.table.Touch(target, time.Since(start), false)
		if d.classifier != nil {
			d.classifier.MarkOutboundSuccess()
		}
		return ans, nil
	}
}

// transmit picks direct send (hop count 0) or routes through the
// Private-Route Engine, per spec.md §4.7 step 2.
func (d *Dispatcher) transmit(ctx context.Context, target wire.NodeID, targetAddr string, protocol wire.Protocol, payload []byte, spec routes.SafetySpec) error {
	if spec.HopCount <= 0 {
		hint := sequencingHint(spec.Sequencing)
		if err := d.sender.SendTo(target, payload, hint); err == nil {
			return nil
		}
		if targetAddr == "" {
			return ErrUnreachable
		}
		return d.sender.SendRaw(ctx, protocol, targetAddr, payload)
	}

	hops := d.table.FindClosest(target, spec.HopCount)
	if len(hops) == 0 {
		return ErrUnreachable
	}
	routeHops := make([]routes.RouteHop, 0, len(hops))
	for _, e := range hops {
		peer := e.Peer
		routeHops = append(routeHops, routes.RouteHop{NodeID: peer.NodeID, PeerInfo: &peer})
	}
	outer, routePub, err := d.routes.BuildAndRegister(routeHops, payload, nil)
	if err != nil {
		return err
	}
	defer d.routes.Touch(routePub)

	firstAddr := firstDialAddr(routeHops[0].PeerInfo)
	if firstAddr == "" {
		return ErrUnreachable
	}
	enc, err := wire.EncodeOperation(wire.Operation{OpID: newOpID(), Kind: wire.KindStatement, Detail: wire.RouteOperation{Inner: outer}})
	if err != nil {
		return err
	}
	return d.sender.SendRaw(ctx, protocol, firstAddr, enc)
}

func firstDialAddr(p *wire.PeerInfo) string {
	if p == nil || len(p.SignedNodeInfo.Info.DialInfoDetails) == 0 {
		return ""
	}
	return p.SignedNodeInfo.Info.DialInfoDetails[0].DialInfo.Address
}

func sequencingHint(s routes.Sequencing) netman.SequencingHint {
	switch s {
	case routes.SequencingPreferOrdered:
		return netman.PreferOrdered
	case routes.SequencingEnsureOrdered:
		return netman.EnsureOrdered
	default:
		return netman.NoPreference
	}
}

// HandleFrame is netman's FrameHandler: decode the envelope, enforce
// the timestamp window, and dispatch by Kind.
func (d *Dispatcher) HandleFrame(peerAddr net.Addr, protocol wire.Protocol, payload []byte) {
	op, err := wire.DecodeOperation(payload)
	if err != nil {
		log.Debugf("malformed frame from %s: %v", peerAddr, err)
		return
	}
	if op.SenderNodeInfo != nil {
		if !d.withinTimestampWindow(op.SenderNodeInfo.Timestamp) {
			log.Debugf("stale operation from %s dropped", peerAddr)
			return
		}
		sni := op.SenderNodeInfo
		body := wire.EncodeSignedNodeInfoBody(sni.Info, sni.Timestamp)
		if !d.suite.Verify(ed25519.PublicKey(sni.Info.SigningPub[:]), body, sni.Signature[:]) {
			log.Debugf("operation from %s with invalid sender signature dropped", peerAddr)
			return
		}
		d.learnPeer(peerAddr, op.SenderID, *op.SenderNodeInfo)
	}

	switch op.Kind {
	case wire.KindAnswer:
		d.handleAnswer(op)
	case wire.KindStatement:
		d.handleStatement(peerAddr, protocol, op)
	case wire.KindQuestion:
		d.handleQuestion(peerAddr, protocol, op)
	}
}

func (d *Dispatcher) withinTimestampWindow(ts int64) bool {
	now := wire.NowMicros()
	behind := d.cfg.MaxTimestampBehindMs * 1000
	ahead := d.cfg.MaxTimestampAheadMs * 1000
	return ts >= now-behind && ts <= now+ahead
}

// handleAnswer fulfils a pending Question if opID matches, otherwise
// drops it silently and increments unknown_answer_count — spec.md §8
// scenario 6 requires no error frame ever goes out for this case.
func (d *Dispatcher) handleAnswer(op wire.Operation) {
	d.mu.Lock()
	pq, ok := d.pending[op.OpID]
	if ok {
		delete(d.pending, op.OpID)
	}
	d.mu.Unlock()

	if !ok {
		d.metrics.UnknownAnswerCount.Inc()
		return
	}
	d.metrics.RPCInflight.Dec()
	pq.ch <- op
	closeOnce(pq)
}

func (d *Dispatcher) handleStatement(peerAddr net.Addr, protocol wire.Protocol, op wire.Operation) {
	switch detail := op.Detail.(type) {
	case wire.ValidateDialInfo:
		d.handleValidateDialInfo(peerAddr, protocol, detail)
	case wire.ValueChanged:
		d.dispatchValueChanged(detail)
	case wire.AppMessage:
		d.handleAppMessage(detail)
	case wire.Signal:
		d.handleSignal(peerAddr, detail)
	case wire.ReturnReceipt:
		d.handleReturnReceipt(op.SenderID, detail)
	case wire.RouteOperation:
		d.handleRouteOperation(protocol, detail)
	default:
		log.Debugf("unhandled statement type %T", detail)
	}
}

func (d *Dispatcher) handleQuestion(peerAddr net.Addr, protocol wire.Protocol, op wire.Operation) {
	answer, ok := d.serviceQuestion(peerAddr, protocol, op)
	if !ok {
		return
	}
	ansOp := wire.Operation{OpID: op.OpID, Kind: wire.KindAnswer, Detail: answer}
	d.stampSender(&ansOp)
	enc, err := wire.EncodeOperation(ansOp)
	if err != nil {
		log.Warnf("encode answer: %v", err)
		return
	}
	if err := d.sender.SendRaw(context.Background(), protocol, peerAddr.String(), enc); err != nil {
		log.Debugf("answer send to %s failed: %v", peerAddr, err)
	}
}

// AppHandler lets application code (outside the core) register a
// handler for a given AppKind, multiplexing AppCall/AppMessage traffic
// over the one Operation opID space (SPEC_FULL.md §4.7 supplement).
type AppHandler func(payload []byte) []byte

// RegisterAppHandler and RegisterAppMessageHandler let the facade wire
// application-level multiplexing without the dispatcher knowing about
// application semantics.
func (d *Dispatcher) RegisterAppHandler(kind wire.AppKind, h AppHandler) {
	d.appHandlersMu.Lock()
	defer d.appHandlersMu.Unlock()
	if d.appHandlers == nil {
		d.appHandlers = make(map[wire.AppKind]AppHandler)
	}
	d.appHandlers[kind] = h
}

func (d *Dispatcher) RegisterAppMessageHandler(kind wire.AppKind, h func(payload []byte)) {
	d.appMsgHandlersMu.Lock()
	defer d.appMsgHandlersMu.Unlock()
	if d.appMsgHandlers == nil {
		d.appMsgHandlers = make(map[wire.AppKind]func([]byte))
	}
	d.appMsgHandlers[kind] = h
}
