package reachability

import (
	"testing"

	"github.com/stretchr/testify/require"

	"veilnet/internal/wire"
)

type fakeReceiptSource struct {
	target wire.DialInfo
	ok     bool
}

func (f fakeReceiptSource) OutboundTarget(wire.NodeID) (wire.DialInfo, bool) {
	return f.target, f.ok
}

func TestDirectClassification(t *testing.T) {
	c := NewClassifier(DefaultConfig(), nil)
	dial := wire.DialInfo{Protocol: wire.ProtoUDP, Address: "203.0.113.1:5150"}
	var tok [16]byte
	tok[0] = 1
	c.BeginProbe(dial, tok, false)
	c.ReceiptReturned(tok, wire.NodeID{})

	details := c.Details()
	require.Len(t, details, 1)
	require.Equal(t, wire.ClassDirect, details[0].Class)
}

func TestPortRestrictedClassification(t *testing.T) {
	c := NewClassifier(DefaultConfig(), fakeReceiptSource{ok: true})
	dial := wire.DialInfo{Protocol: wire.ProtoUDP, Address: "203.0.113.2:5150"}
	var tok [16]byte
	tok[0] = 2
	c.BeginProbe(dial, tok, true)
	c.ReceiptReturned(tok, wire.NodeID{})

	details := c.Details()
	require.Len(t, details, 1)
	require.Equal(t, wire.ClassPortRestrictedNAT, details[0].Class)
}

func TestAddressRestrictedClassification(t *testing.T) {
	c := NewClassifier(DefaultConfig(), fakeReceiptSource{ok: false})
	dial := wire.DialInfo{Protocol: wire.ProtoUDP, Address: "203.0.113.3:5150"}
	var tok [16]byte
	tok[0] = 3
	c.BeginProbe(dial, tok, true)
	c.ReceiptReturned(tok, wire.NodeID{})

	details := c.Details()
	require.Len(t, details, 1)
	require.Equal(t, wire.ClassAddressRestrictedNAT, details[0].Class)
}

func TestMonotoneWorseningInvariant(t *testing.T) {
	c := NewClassifier(DefaultConfig(), nil)
	dial := wire.DialInfo{Protocol: wire.ProtoUDP, Address: "203.0.113.4:5150"}

	c.setClass(dial, wire.ClassBlocked)
	c.setClass(dial, wire.ClassDirect) // must not improve without reprobe

	details := c.Details()
	require.Len(t, details, 1)
	require.Equal(t, wire.ClassBlocked, details[0].Class)

	c.ResetForReprobe(dial)
	c.setClass(dial, wire.ClassDirect)
	details = c.Details()
	require.Equal(t, wire.ClassDirect, details[0].Class)
}

func TestNetworkClassDerivation(t *testing.T) {
	require.Equal(t, wire.NetworkInboundCapable, NetworkClass([]wire.DialInfoDetail{
		{Class: wire.ClassMapped},
	}, false))
	require.Equal(t, wire.NetworkOutboundOnly, NetworkClass(nil, true))
	require.Equal(t, wire.NetworkWebApp, NetworkClass(nil, false))
}

func TestExpireTimeoutsMarksBlocked(t *testing.T) {
	cfg := Config{RestrictedNATRetries: 1, ValidationInterval: 0}
	c := NewClassifier(cfg, nil)
	dial := wire.DialInfo{Protocol: wire.ProtoUDP, Address: "203.0.113.5:5150"}
	var tok [16]byte
	tok[0] = 9
	c.BeginProbe(dial, tok, false)
	c.ExpireTimeouts()

	details := c.Details()
	require.Len(t, details, 1)
	require.Equal(t, wire.ClassBlocked, details[0].Class)
}
