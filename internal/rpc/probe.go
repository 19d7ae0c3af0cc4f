package rpc

import (
	"context"
	"crypto/rand"
	"time"

	"veilnet/internal/wire"
)

// OriginateProbe sends a ValidateDialInfo Statement asking peerAddr to
// dial dial back and return a receipt, registering the attempt with
// the Reachability Classifier so the eventual ReturnReceipt (or its
// absence, once ExpireTimeouts runs) can classify dial, per spec.md
// §4.4's active-probe design. A nil classifier makes this a no-op:
// a core running without reachability classification has nothing to
// register the probe against.
func (d *Dispatcher) OriginateProbe(ctx context.Context, protocol wire.Protocol, peerAddr string, dial wire.DialInfo, redirect bool) error {
	if d.classifier == nil {
		return nil
	}
	var token [16]byte
	if _, err := rand.Read(token[:]); err != nil {
		return err
	}
	d.classifier.BeginProbe(dial, token, redirect)

	op := wire.Operation{
		OpID: newOpID(),
		Kind: wire.KindStatement,
		Detail: wire.ValidateDialInfo{
			DialInfo:   dial,
			ReceiptTok: token,
			Redirect:   redirect,
		},
	}
	d.stampSender(&op)
	enc, err := wire.EncodeOperation(op)
	if err != nil {
		return err
	}
	return d.sender.SendRaw(ctx, protocol, peerAddr, enc)
}

// RunProbeLoop periodically asks the closest known peer to validate
// each of selfDials, and sweeps probes that timed out without a
// receipt, matching spec.md's reachability.validation_interval
// tunable. It is a no-op tick whenever the routing table has no peers
// yet (the common case immediately after Attach, before bootstrap
// completes).
func (d *Dispatcher) RunProbeLoop(ctx context.Context, protocol wire.Protocol, selfDials []wire.DialInfo, interval time.Duration) {
	if d.classifier == nil || len(selfDials) == 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.classifier.ExpireTimeouts()
			peerAddr, ok := d.pickProbePeer()
			if !ok {
				continue
			}
			for _, dial := range selfDials {
				if err := d.OriginateProbe(ctx, protocol, peerAddr, dial, false); err != nil {
					log.Debugf("probe origination to %s failed: %v", peerAddr, err)
				}
			}
		}
	}
}

// pickProbePeer picks the routing table's closest known entry to self
// as a validator, good enough for a liveness-independent probe partner
// since any attached peer can relay a dial-back.
func (d *Dispatcher) pickProbePeer() (string, bool) {
	entries := d.table.FindClosest(d.self, 1)
	if len(entries) == 0 {
		return "", false
	}
	addr := firstDialAddr(&entries[0].Peer)
	if addr == "" {
		return "", false
	}
	return addr, true
}
