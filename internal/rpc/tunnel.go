package rpc

import (
	"time"

	"github.com/google/uuid"

	"veilnet/internal/wire"
)

// tunnelPhase is spec.md §4.7's tunnel state machine: Partial → Full →
// (Expired|Cancelled).
type tunnelPhase int

const (
	tunnelPartial tunnelPhase = iota
	tunnelFull
	tunnelExpired
	tunnelCancelled
)

type tunnelState struct {
	mode     wire.TunnelMode
	phase    tunnelPhase
	endpoint wire.DialInfo
	peer     wire.DialInfo
	deadline time.Time
}

const tunnelPendingTTL = 2 * time.Minute

func newTunnelID() wire.TunnelID {
	var id wire.TunnelID
	u := uuid.New()
	copy(id[:], u[:])
	return id
}

// answerStartTunnel allocates a tunnel ID and a local endpoint, entering
// the Partial phase until CompleteTunnel arrives.
func (d *Dispatcher) answerStartTunnel(q wire.StartTunnelQ) wire.StartTunnelA {
	id := newTunnelID()
	endpoint := wire.DialInfo{Protocol: wire.ProtoTCP, Address: ""}

	d.tunnelsMu.Lock()
	d.tunnels[id] = &tunnelState{
		mode:     q.Mode,
		phase:    tunnelPartial,
		endpoint: endpoint,
		deadline: time.Now().Add(tunnelPendingTTL),
	}
	d.tunnelsMu.Unlock()

	return wire.StartTunnelA{TunnelID: id, Endpoint: endpoint}
}

// answerCompleteTunnel transitions a Partial tunnel to Full once the
// peer's own endpoint is known, rejecting unknown or expired tunnels.
func (d *Dispatcher) answerCompleteTunnel(q wire.CompleteTunnelQ) wire.CompleteTunnelA {
	d.tunnelsMu.Lock()
	defer d.tunnelsMu.Unlock()

	t, ok := d.tunnels[q.TunnelID]
	if !ok || t.phase == tunnelCancelled || t.phase == tunnelExpired {
		return wire.CompleteTunnelA{Accepted: false}
	}
	if time.Now().After(t.deadline) {
		t.phase = tunnelExpired
		return wire.CompleteTunnelA{Accepted: false}
	}
	t.peer = q.PeerEndpoint
	t.phase = tunnelFull
	return wire.CompleteTunnelA{Accepted: true}
}

func (d *Dispatcher) answerCancelTunnel(q wire.CancelTunnelQ) wire.CancelTunnelA {
	d.tunnelsMu.Lock()
	defer d.tunnelsMu.Unlock()

	t, ok := d.tunnels[q.TunnelID]
	if !ok {
		return wire.CancelTunnelA{Cancelled: false}
	}
	t.phase = tunnelCancelled
	delete(d.tunnels, q.TunnelID)
	return wire.CancelTunnelA{Cancelled: true}
}

// expireStaleTunnels expires Partial tunnels that never completed within
// their TTL; sweepLoop calls it on every tick.
func (d *Dispatcher) expireStaleTunnels() {
	d.tunnelsMu.Lock()
	defer d.tunnelsMu.Unlock()
	now := time.Now()
	for id, t := range d.tunnels {
		if t.phase == tunnelPartial && now.After(t.deadline) {
			t.phase = tunnelExpired
			delete(d.tunnels, id)
		}
	}
}
