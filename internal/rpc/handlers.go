package rpc

import (
	"context"
	"net"
	"time"

	"veilnet/internal/reachability"
	"veilnet/internal/wire"
)

const dhtValuesTable = "dht_values"

// serviceQuestion implements spec.md §4.7's per-operation semantics for
// inbound Questions, returning the Answer detail to encode, or ok=false
// when the Question is a type this node can't answer (dropped silently).
func (d *Dispatcher) serviceQuestion(peerAddr net.Addr, protocol wire.Protocol, op wire.Operation) (any, bool) {
	switch q := op.Detail.(type) {
	case wire.StatusQ:
		return d.answerStatus(peerAddr), true

	case wire.FindNodeQ:
		entries := d.table.FindClosest(q.Target, d.cfg.ResolveNodeCount)
		peers := make([]wire.PeerInfo, 0, len(entries))
		for _, e := range entries {
			peers = append(peers, e.Peer)
		}
		return wire.FindNodeA{Peers: peers}, true

	case wire.GetValueQ:
		return d.answerGetValue(q), true

	case wire.SetValueQ:
		return d.answerSetValue(q), true

	case wire.WatchValueQ:
		return d.answerWatchValue(peerAddr, protocol, op.SenderNodeInfo, q), true

	case wire.SupplyBlockQ:
		ok := d.store.Set("blocks", q.BlockID[:], []byte{1})
		return wire.SupplyBlockA{Accepted: ok == nil}, true

	case wire.FindBlockQ:
		return d.answerFindBlock(q), true

	case wire.AppCallQ:
		return d.answerAppCall(q), true

	case wire.StartTunnelQ:
		return d.answerStartTunnel(q), true

	case wire.CompleteTunnelQ:
		return d.answerCompleteTunnel(q), true

	case wire.CancelTunnelQ:
		return d.answerCancelTunnel(q), true

	default:
		return nil, false
	}
}

func (d *Dispatcher) answerStatus(peerAddr net.Addr) wire.StatusA {
	host, port, err := net.SplitHostPort(peerAddr.String())
	if err != nil {
		return wire.StatusA{}
	}
	_ = host
	_ = port
	return wire.StatusA{SenderInfo: &wire.DialInfo{Address: peerAddr.String()}}
}

func (d *Dispatcher) answerGetValue(q wire.GetValueQ) wire.GetValueA {
	key := valueStoreKey(q.Key)
	if raw, ok := d.store.Get(dhtValuesTable, key); ok {
		vd, err := decodeValueData(raw)
		if err == nil {
			return wire.GetValueA{Value: &vd}
		}
	}
	entries := d.table.FindClosest(locationNodeID(q.Key), d.cfg.GetValueCount)
	peers := make([]wire.PeerInfo, 0, len(entries))
	for _, e := range entries {
		peers = append(peers, e.Peer)
	}
	return wire.GetValueA{ClosePeers: peers}
}

// answerSetValue accepts the write only if seq strictly exceeds the
// locally held one, per spec.md §3's strict-seq rule (P2).
func (d *Dispatcher) answerSetValue(q wire.SetValueQ) wire.SetValueA {
	key := valueStoreKey(q.Key)
	if raw, ok := d.store.Get(dhtValuesTable, key); ok {
		existing, err := decodeValueData(raw)
		if err == nil && existing.Seq >= q.Value.Seq {
			return wire.SetValueA{Value: existing}
		}
	}
	_ = d.store.Set(dhtValuesTable, key, encodeValueData(q.Value))
	d.dispatchValueChanged(wire.ValueChanged{Key: q.Key, Value: q.Value})
	return wire.SetValueA{Value: q.Value}
}

func (d *Dispatcher) answerWatchValue(peerAddr net.Addr, protocol wire.Protocol, sender *wire.SignedNodeInfo, q wire.WatchValueQ) wire.WatchValueA {
	if sender == nil {
		return wire.WatchValueA{Expiration: 0}
	}
	exp := q.ExpireReq
	if exp <= 0 {
		exp = wire.NowMicros() + int64(5*time.Minute/time.Microsecond)
	}
	d.watchersMu.Lock()
	d.watchers[q.Key] = append(d.watchers[q.Key], watcher{addr: peerAddr.String(), protocol: protocol, expires: time.UnixMicro(exp)})
	d.watchersMu.Unlock()
	return wire.WatchValueA{Expiration: exp}
}

// dispatchValueChanged pushes a ValueChanged Statement to every watcher
// of Key whose watch hasn't expired.
func (d *Dispatcher) dispatchValueChanged(vc wire.ValueChanged) {
	d.watchersMu.Lock()
	list := d.watchers[vc.Key]
	var alive []watcher
	now := time.Now()
	for _, w := range list {
		if w.expires.After(now) {
			alive = append(alive, w)
		}
	}
	d.watchers[vc.Key] = alive
	d.watchersMu.Unlock()

	enc, err := wire.EncodeOperation(wire.Operation{OpID: newOpID(), Kind: wire.KindStatement, Detail: vc})
	if err != nil {
		return
	}
	for _, w := range alive {
		_ = d.sender.SendRaw(context.Background(), w.protocol, w.addr, enc)
	}
}

func (d *Dispatcher) answerFindBlock(q wire.FindBlockQ) wire.FindBlockA {
	if data, ok := d.store.Get("blocks", q.BlockID[:]); ok {
		return wire.FindBlockA{Data: data}
	}
	var target wire.NodeID
	copy(target.Key[:], q.BlockID[:])
	entries := d.table.FindClosest(target, d.cfg.GetValueCount)
	peers := make([]wire.PeerInfo, 0, len(entries))
	for _, e := range entries {
		peers = append(peers, e.Peer)
	}
	return wire.FindBlockA{ClosePeers: peers}
}

func (d *Dispatcher) answerAppCall(q wire.AppCallQ) wire.AppCallA {
	d.appHandlersMu.RLock()
	h, ok := d.appHandlers[q.AppKind]
	d.appHandlersMu.RUnlock()
	if !ok {
		return wire.AppCallA{}
	}
	return wire.AppCallA{Payload: h(q.Payload)}
}

func (d *Dispatcher) handleAppMessage(m wire.AppMessage) {
	d.appMsgHandlersMu.RLock()
	h, ok := d.appMsgHandlers[m.AppKind]
	d.appMsgHandlersMu.RUnlock()
	if ok {
		h(m.Payload)
	}
}

// handleValidateDialInfo services an inbound probe: dial the advertised
// DialInfo back (per spec.md §4.4's active-probe design) and return the
// receipt over whatever path the probe specifies.
func (d *Dispatcher) handleValidateDialInfo(peerAddr net.Addr, protocol wire.Protocol, v wire.ValidateDialInfo) {
	receipt := wire.ReturnReceipt{ReceiptTok: v.ReceiptTok}
	op := wire.Operation{OpID: newOpID(), Kind: wire.KindStatement, Detail: receipt}
	d.stampSender(&op)
	enc, err := wire.EncodeOperation(op)
	if err != nil {
		return
	}
	target := v.DialInfo.Address
	if v.Redirect {
		target = peerAddr.String()
	}
	_ = d.sender.SendRaw(context.Background(), protocol, target, enc)
}

// handleReturnReceipt attributes a claimed receipt token back to
// whichever probe BeginProbe registered it under, using senderID (this
// Statement's SenderID, not d.self) to classify NAT behavior per
// spec.md §4.4 rule 3.
func (d *Dispatcher) handleReturnReceipt(senderID wire.NodeID, r wire.ReturnReceipt) {
	if d.classifier == nil {
		return
	}
	if !d.routes.ClaimReceipt(r.ReceiptTok) {
		return
	}
	d.metrics.ReceiptsClaimed.Inc()
	d.classifier.ReceiptReturned(r.ReceiptTok, senderID)
}

// SetClassifier wires the Reachability Classifier in after construction
// (it and the Dispatcher have a cyclic dependency: the classifier needs
// to send ValidateDialInfo Statements, the dispatcher needs to feed it
// ReturnReceipts).
func (d *Dispatcher) SetClassifier(c *reachability.Classifier) {
	d.classifier = c
}

func (d *Dispatcher) handleSignal(peerAddr net.Addr, s wire.Signal) {
	log.Debugf("signal kind=%d target=%x from %s", s.Kind, s.Target.Key[:8], peerAddr)
}

// handleRouteOperation forwards or locally delivers a routed frame,
// accumulating this hop's signature via the Private-Route Engine. A
// frame that terminates here has its whole hop-signature chain checked
// against the routing table before being handed to HandleFrame, so a
// tampered or forged RouteOperation never reaches local dispatch.
func (d *Dispatcher) handleRouteOperation(protocol wire.Protocol, ro wire.RouteOperation) {
	sender := &netSender{d: d, protocol: protocol}
	delivered, forwarded, err := d.routes.Forward(context.Background(), d.routePriv, ro, sender)
	if err != nil || forwarded {
		return
	}
	if err := d.routes.VerifyChain(ro, d.signerPub); err != nil {
		log.Debugf("route operation failed hop-signature verification: %v", err)
		return
	}
	inner, err := wire.DecodeOperation(delivered)
	if err != nil {
		return
	}
	d.HandleFrame(localAddr{}, protocol, mustEncode(inner))
}

func mustEncode(op wire.Operation) []byte {
	b, err := wire.EncodeOperation(op)
	if err != nil {
		return nil
	}
	return b
}

// localAddr is a net.Addr stand-in for operations delivered locally
// after a route fully unwraps (there is no real remote peer address).
type localAddr struct{}

func (localAddr) Network() string { return "route" }
func (localAddr) String() string  { return "local" }

// netSender adapts the Dispatcher's Sender to routes.Sender's simpler
// address-only signature for one fixed protocol.
type netSender struct {
	d        *Dispatcher
	protocol wire.Protocol
}

func (n *netSender) SendRaw(ctx context.Context, addr string, payload []byte) error {
	return n.d.sender.SendRaw(ctx, n.protocol, addr, payload)
}

func locationNodeID(k wire.ValueKey) wire.NodeID {
	var id wire.NodeID
	copy(id.Key[:], k.Location[:])
	return id
}

func valueStoreKey(k wire.ValueKey) []byte {
	out := make([]byte, 0, 32+len(k.Subkey))
	out = append(out, k.Location[:]...)
	out = append(out, k.Subkey...)
	return out
}

func encodeValueData(v wire.ValueData) []byte {
	out := make([]byte, 4, 4+len(v.Data))
	out[0] = byte(v.Seq)
	out[1] = byte(v.Seq >> 8)
	out[2] = byte(v.Seq >> 16)
	out[3] = byte(v.Seq >> 24)
	out = append(out, v.Data...)
	return out
}

func decodeValueData(b []byte) (wire.ValueData, error) {
	var v wire.ValueData
	if len(b) < 4 {
		return v, wire.ErrMalformed
	}
	v.Seq = uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
	v.Data = b[4:]
	return v, nil
}
