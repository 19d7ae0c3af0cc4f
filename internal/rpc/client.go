package rpc

import (
	"context"
	"fmt"
	"net"

	"veilnet/internal/netman"
	"veilnet/internal/routes"
	"veilnet/internal/wire"
)

// Status sends a StatusQ directly (no route hops) and returns the peer's
// answer.
func (d *Dispatcher) Status(ctx context.Context, target wire.NodeID, targetAddr string, protocol wire.Protocol) (wire.StatusA, error) {
	ans, err := d.SendQuestion(ctx, target, targetAddr, protocol, wire.StatusQ{}, routes.SafetySpec{})
	if err != nil {
		return wire.StatusA{}, err
	}
	sa, ok := ans.Detail.(wire.StatusA)
	if !ok {
		return wire.StatusA{}, fmt.Errorf("%w: unexpected answer type %T", ErrInvalidOperation, ans.Detail)
	}
	return sa, nil
}

// FindNode asks target for its closest known peers to query. Every
// returned peer is folded into the local routing table (not just the
// caller's chosen candidate), so a single FindNode round trip grows the
// table by up to resolve_node_count entries, per spec.md §4.5.
func (d *Dispatcher) FindNode(ctx context.Context, target wire.NodeID, targetAddr string, protocol wire.Protocol, query wire.NodeID, spec routes.SafetySpec) ([]wire.PeerInfo, error) {
	ans, err := d.SendQuestion(ctx, target, targetAddr, protocol, wire.FindNodeQ{Target: query}, spec)
	if err != nil {
		return nil, err
	}
	fa, ok := ans.Detail.(wire.FindNodeA)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected answer type %T", ErrInvalidOperation, ans.Detail)
	}
	peers := make([]wire.PeerInfo, 0, len(fa.Peers))
	for _, p := range fa.Peers {
		if p.NodeID == d.self {
			continue
		}
		d.table.AddOrUpdate(p)
		peers = append(peers, p)
	}
	return peers, nil
}

// GetValue issues a single GetValueQ; iterative fanout/hop-following is
// the caller's responsibility (SPEC_FULL.md's iterative-caller model).
func (d *Dispatcher) GetValue(ctx context.Context, target wire.NodeID, targetAddr string, protocol wire.Protocol, key wire.ValueKey, spec routes.SafetySpec) (wire.GetValueA, error) {
	ans, err := d.SendQuestion(ctx, target, targetAddr, protocol, wire.GetValueQ{Key: key}, spec)
	if err != nil {
		return wire.GetValueA{}, err
	}
	ga, ok := ans.Detail.(wire.GetValueA)
	if !ok {
		return wire.GetValueA{}, fmt.Errorf("%w: unexpected answer type %T", ErrInvalidOperation, ans.Detail)
	}
	return ga, nil
}

func (d *Dispatcher) SetValue(ctx context.Context, target wire.NodeID, targetAddr string, protocol wire.Protocol, key wire.ValueKey, value wire.ValueData, spec routes.SafetySpec) (wire.SetValueA, error) {
	ans, err := d.SendQuestion(ctx, target, targetAddr, protocol, wire.SetValueQ{Key: key, Value: value}, spec)
	if err != nil {
		return wire.SetValueA{}, err
	}
	sa, ok := ans.Detail.(wire.SetValueA)
	if !ok {
		return wire.SetValueA{}, fmt.Errorf("%w: unexpected answer type %T", ErrInvalidOperation, ans.Detail)
	}
	return sa, nil
}

func (d *Dispatcher) WatchValue(ctx context.Context, target wire.NodeID, targetAddr string, protocol wire.Protocol, key wire.ValueKey, expireReq int64, spec routes.SafetySpec) (int64, error) {
	ans, err := d.SendQuestion(ctx, target, targetAddr, protocol, wire.WatchValueQ{Key: key, ExpireReq: expireReq}, spec)
	if err != nil {
		return 0, err
	}
	wa, ok := ans.Detail.(wire.WatchValueA)
	if !ok {
		return 0, fmt.Errorf("%w: unexpected answer type %T", ErrInvalidOperation, ans.Detail)
	}
	return wa.Expiration, nil
}

func (d *Dispatcher) AppCall(ctx context.Context, target wire.NodeID, targetAddr string, protocol wire.Protocol, kind wire.AppKind, payload []byte, spec routes.SafetySpec) ([]byte, error) {
	ans, err := d.SendQuestion(ctx, target, targetAddr, protocol, wire.AppCallQ{AppKind: kind, Payload: payload}, spec)
	if err != nil {
		return nil, err
	}
	aa, ok := ans.Detail.(wire.AppCallA)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected answer type %T", ErrInvalidOperation, ans.Detail)
	}
	return aa.Payload, nil
}

// AppMessage fires a one-way Statement; no Answer is expected.
func (d *Dispatcher) AppMessage(ctx context.Context, target wire.NodeID, targetAddr string, protocol wire.Protocol, kind wire.AppKind, payload []byte) error {
	enc, err := wire.EncodeOperation(wire.Operation{OpID: newOpID(), Kind: wire.KindStatement, Detail: wire.AppMessage{AppKind: kind, Payload: payload}})
	if err != nil {
		return err
	}
	if err := d.sender.SendTo(target, enc, netman.NoPreference); err == nil {
		return nil
	}
	return d.sender.SendRaw(ctx, protocol, targetAddr, enc)
}

// StatusBootstrapper adapts the Dispatcher to routingtable.Bootstrapper:
// it asks a freshly resolved seed address for the closest peers to this
// node's own ID. The seed's own identity reaches the table from the
// Answer's SenderNodeInfo; the entry returned here is the first peer the
// seed listed, not the seed itself. FindNode already folds every returned
// peer into the table, so Bootstrap's own AddOrUpdate of the returned
// entry is redundant but harmless.
type StatusBootstrapper struct {
	D        *Dispatcher
	Protocol wire.Protocol
	SelfID   wire.NodeID
}

func (s StatusBootstrapper) ExchangeStatus(ctx context.Context, addr net.Addr) (wire.PeerInfo, error) {
	var zero wire.NodeID
	peers, err := s.D.FindNode(ctx, zero, addr.String(), s.Protocol, s.SelfID, routes.SafetySpec{})
	if err != nil {
		return wire.PeerInfo{}, err
	}
	if len(peers) == 0 {
		return wire.PeerInfo{}, fmt.Errorf("%w: bootstrap peer returned no results", ErrUnreachable)
	}
	return peers[0], nil
}
