package routes

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilnet/internal/veilcrypto"
	"veilnet/internal/wire"
)

func newTestSuite(t *testing.T) *veilcrypto.Suite {
	t.Helper()
	return veilcrypto.NewSuite(0)
}

// hopFixture generates a DH key pair for a hop and the PeerInfo that
// advertises its public half as the hop's NodeID key, mirroring how
// hopDHPublicKey reads it back out.
func hopFixture(t *testing.T, suite *veilcrypto.Suite, addr string) (RouteHop, [32]byte) {
	t.Helper()
	kp, err := suite.GenerateKeyPair()
	require.NoError(t, err)

	var id wire.NodeID
	copy(id.Kind[:], "VLD0")
	id.Key = kp.Public

	peer := &wire.PeerInfo{
		NodeID: id,
		SignedNodeInfo: wire.SignedNodeInfo{
			Info: wire.NodeInfo{
				DialInfoDetails: []wire.DialInfoDetail{
					{DialInfo: wire.DialInfo{Protocol: wire.ProtoUDP, Address: addr}},
				},
			},
		},
	}
	return RouteHop{NodeID: id, PeerInfo: peer}, kp.Private
}

func TestBuildAndPeelSingleHopTerminalDelivery(t *testing.T) {
	suite := newTestSuite(t)
	hop, hopPriv := hopFixture(t, suite, "127.0.0.1:9000")

	payload := []byte("hello terminal")
	blob, _, err := BuildSafetyRoute(suite, []RouteHop{hop}, payload, nil)
	require.NoError(t, err)

	result, err := PeelOneLayer(suite, hopPriv, blob)
	require.NoError(t, err)
	require.True(t, result.Terminal)
	require.Equal(t, payload, result.Payload)
	require.False(t, result.Forward)
	require.Nil(t, result.RevealedPrivateRoute)
}

func TestBuildAndPeelMultiHopForwardsThenTerminates(t *testing.T) {
	suite := newTestSuite(t)
	hop0, priv0 := hopFixture(t, suite, "127.0.0.1:9001")
	hop1, priv1 := hopFixture(t, suite, "127.0.0.1:9002")

	payload := []byte("multi-hop payload")
	blob, _, err := BuildSafetyRoute(suite, []RouteHop{hop0, hop1}, payload, nil)
	require.NoError(t, err)

	// hop0 peels its layer and should be told to forward to hop1's address.
	r0, err := PeelOneLayer(suite, priv0, blob)
	require.NoError(t, err)
	require.True(t, r0.Forward)
	require.Equal(t, "127.0.0.1:9002", r0.NextAddr)
	require.False(t, r0.Terminal)

	// hop1 peels the forwarded layer and is the terminal safety hop.
	r1, err := PeelOneLayer(suite, priv1, r0.Next)
	require.NoError(t, err)
	require.True(t, r1.Terminal)
	require.Equal(t, payload, r1.Payload)
}

func TestPeelRevealsEmbeddedPrivateRoute(t *testing.T) {
	suite := newTestSuite(t)
	hop, hopPriv := hopFixture(t, suite, "127.0.0.1:9010")

	var routeKey [32]byte
	routeKey[0] = 0x42
	terminal := &PrivateRoute{RoutePublicKey: routeKey, HopCount: 0}

	blob, _, err := BuildSafetyRoute(suite, []RouteHop{hop}, nil, terminal)
	require.NoError(t, err)

	result, err := PeelOneLayer(suite, hopPriv, blob)
	require.NoError(t, err)
	require.NotNil(t, result.RevealedPrivateRoute)
	require.Equal(t, routeKey, result.RevealedPrivateRoute.RoutePublicKey)
	require.Equal(t, 0, result.RevealedPrivateRoute.HopCount)
}

func TestPeelFailsClosedOnTamperedCiphertext(t *testing.T) {
	suite := newTestSuite(t)
	hop, hopPriv := hopFixture(t, suite, "127.0.0.1:9020")

	blob, _, err := BuildSafetyRoute(suite, []RouteHop{hop}, []byte("secret"), nil)
	require.NoError(t, err)

	tampered := make([]byte, len(blob))
	copy(tampered, blob)
	tampered[len(tampered)-1] ^= 0xFF

	_, err = PeelOneLayer(suite, hopPriv, tampered)
	require.Error(t, err)
}

func TestPeelFailsClosedWithWrongHopKey(t *testing.T) {
	suite := newTestSuite(t)
	hop, _ := hopFixture(t, suite, "127.0.0.1:9030")
	_, wrongPriv := hopFixture(t, suite, "127.0.0.1:9031")

	blob, _, err := BuildSafetyRoute(suite, []RouteHop{hop}, []byte("secret"), nil)
	require.NoError(t, err)

	_, err = PeelOneLayer(suite, wrongPriv, blob)
	require.Error(t, err)
}

func TestBuildSafetyRouteRejectsMixedCryptoKinds(t *testing.T) {
	suite := newTestSuite(t)
	hop0, _ := hopFixture(t, suite, "127.0.0.1:9301")
	hop1, _ := hopFixture(t, suite, "127.0.0.1:9302")
	copy(hop1.PeerInfo.NodeID.Kind[:], "XXXX")
	hop1.NodeID.Kind = hop1.PeerInfo.NodeID.Kind

	_, _, err := BuildSafetyRoute(suite, []RouteHop{hop0, hop1}, []byte("x"), nil)
	require.Error(t, err)
}

func TestBuildSafetyRouteRejectsHopCountOutOfRange(t *testing.T) {
	suite := newTestSuite(t)
	_, err := NewBuildSafetyRouteWithNoHops(suite)
	require.Error(t, err)
}

func NewBuildSafetyRouteWithNoHops(suite *veilcrypto.Suite) ([]byte, error) {
	blob, _, err := BuildSafetyRoute(suite, nil, []byte("x"), nil)
	return blob, err
}

func TestReceiptTrackerRejectsReplay(t *testing.T) {
	tracker := NewReceiptTracker(time.Minute)
	var tok [16]byte
	tok[0] = 7

	require.True(t, tracker.Claim(tok))
	require.False(t, tracker.Claim(tok))
}

func TestReceiptTrackerSweepExpiresTokens(t *testing.T) {
	tracker := NewReceiptTracker(-time.Second) // already expired
	var tok [16]byte
	tok[0] = 9

	require.True(t, tracker.Claim(tok))
	tracker.Sweep()
	require.True(t, tracker.Claim(tok)) // fresh again after sweep
}

type fakeSender struct {
	sentAddr string
	sentBuf  []byte
	calls    int
}

func (f *fakeSender) SendRaw(ctx context.Context, addr string, payload []byte) error {
	f.calls++
	f.sentAddr = addr
	f.sentBuf = payload
	return nil
}

func TestEngineForwardAccumulatesHopSignature(t *testing.T) {
	suite := newTestSuite(t)
	hop0, priv0 := hopFixture(t, suite, "127.0.0.1:9101")
	hop1, _ := hopFixture(t, suite, "127.0.0.1:9102")

	relayKP, err := suite.GenerateSigningKeyPair()
	require.NoError(t, err)
	var relayID wire.NodeID
	copy(relayID.Kind[:], "VLD0")
	relayID.Key = hop0.NodeID.Key

	engine := NewEngine(suite, relayID, relayKP.Private, time.Minute)

	payload := []byte("forward me")
	blob, _, err := BuildSafetyRoute(suite, []RouteHop{hop0, hop1}, payload, nil)
	require.NoError(t, err)

	sender := &fakeSender{}
	op := wire.RouteOperation{Inner: blob}
	delivered, forwarded, err := engine.Forward(context.Background(), priv0, op, sender)
	require.NoError(t, err)
	require.True(t, forwarded)
	require.Nil(t, delivered)
	require.Equal(t, 1, sender.calls)
	require.Equal(t, "127.0.0.1:9102", sender.sentAddr)
}

func TestEngineVerifyChainDetectsTamperedSignature(t *testing.T) {
	suite := newTestSuite(t)
	signKP, err := suite.GenerateSigningKeyPair()
	require.NoError(t, err)

	var signer wire.NodeID
	signer.Key[0] = 1

	msg := []byte("op bytes")
	sig := suite.Sign(signKP.Private, msg)
	var sig64 [64]byte
	copy(sig64[:], sig)

	op := wire.RouteOperation{
		Inner:      msg,
		Signatures: [][64]byte{sig64},
		SignerIDs:  []wire.NodeID{signer},
	}

	engine := NewEngine(suite, signer, signKP.Private, time.Minute)
	lookup := func(id wire.NodeID) (ed25519.PublicKey, bool) {
		if id == signer {
			return signKP.Public, true
		}
		return nil, false
	}

	require.NoError(t, engine.VerifyChain(op, lookup))

	// Tamper with the message; verification must fail closed.
	op.Inner = []byte("different bytes")
	require.Error(t, engine.VerifyChain(op, lookup))
}

func TestEngineRunIdleSweepReleasesStaleRoutes(t *testing.T) {
	suite := newTestSuite(t)
	hop, _ := hopFixture(t, suite, "127.0.0.1:9200")

	var self wire.NodeID
	self.Key[0] = 0xAA
	signKP, err := suite.GenerateSigningKeyPair()
	require.NoError(t, err)

	engine := NewEngine(suite, self, signKP.Private, 10*time.Millisecond)
	_, routePub, err := engine.BuildAndRegister([]RouteHop{hop}, []byte("x"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	engine.RunIdleSweep(ctx, 15*time.Millisecond)

	engine.mu.Lock()
	_, stillPending := engine.pending[routePub]
	engine.mu.Unlock()
	require.False(t, stillPending)
}
