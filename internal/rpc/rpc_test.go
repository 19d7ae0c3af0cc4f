package rpc

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"veilnet/internal/coremetrics"
	"veilnet/internal/netman"
	"veilnet/internal/routes"
	"veilnet/internal/routingtable"
	"veilnet/internal/storage"
	"veilnet/internal/veilcrypto"
	"veilnet/internal/wire"
)

type loopbackAddr string

func (a loopbackAddr) Network() string { return "test" }
func (a loopbackAddr) String() string  { return string(a) }

// pairedSender wires two dispatchers' frame handlers together directly,
// bypassing real sockets, so tests can exercise full Question/Answer
// round trips deterministically.
type pairedSender struct {
	mu   sync.Mutex
	peer *Dispatcher
	addr net.Addr
}

func (s *pairedSender) SendTo(nodeID wire.NodeID, payload []byte, hint netman.SequencingHint) error {
	return netman.ErrNoConnection
}

func (s *pairedSender) SendRaw(ctx context.Context, protocol wire.Protocol, addr string, payload []byte) error {
	go s.peer.HandleFrame(s.addr, protocol, payload)
	return nil
}

func (s *pairedSender) AssociatePeer(addr net.Addr, nodeID wire.NodeID) {}

func newTestDispatcher(t *testing.T, cfg Config) (*Dispatcher, *veilcrypto.Suite) {
	t.Helper()
	suite := veilcrypto.NewSuite(0)
	dhKP, err := suite.GenerateKeyPair()
	require.NoError(t, err)
	var self wire.NodeID
	self.Key = dhKP.Public
	signKP, err := suite.GenerateSigningKeyPair()
	require.NoError(t, err)
	var routePriv [32]byte

	table := routingtable.NewTable(self, routingtable.DefaultLimits())
	store := storage.NewMemoryStore()
	engine := routes.NewEngine(suite, self, signKP.Private, time.Minute)

	d := New(cfg, self, signKP.Private, routePriv, suite, nil, table, store, engine, coremetrics.New())
	return d, suite
}

func TestSendQuestionCorrelatesAnswerByOpID(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutMs = 2000
	client, _ := newTestDispatcher(t, cfg)
	server, _ := newTestDispatcher(t, cfg)

	clientSender := &pairedSender{peer: server, addr: loopbackAddr("192.0.2.1:5150")}
	serverSender := &pairedSender{peer: client, addr: loopbackAddr("server")}
	client.sender = clientSender
	server.sender = serverSender

	status, err := client.Status(context.Background(), wire.NodeID{}, "server-addr", wire.ProtoTCP)
	require.NoError(t, err)
	require.NotNil(t, status.SenderInfo)
}

func TestUnknownOpIDAnswerIncrementsMetricAndDoesNotPanic(t *testing.T) {
	cfg := DefaultConfig()
	d, _ := newTestDispatcher(t, cfg)
	d.sender = &pairedSender{peer: d, addr: loopbackAddr("nobody")}

	enc, err := wire.EncodeOperation(wire.Operation{OpID: 99999, Kind: wire.KindAnswer, Detail: wire.StatusA{}})
	require.NoError(t, err)

	d.HandleFrame(loopbackAddr("x"), wire.ProtoTCP, enc)
	require.Equal(t, float64(1), testutil.ToFloat64(d.metrics.UnknownAnswerCount))
}

func TestStaleTimestampOperationIsDropped(t *testing.T) {
	cfg := DefaultConfig()
	d, _ := newTestDispatcher(t, cfg)

	var called bool
	d.sender = &capturingSender{onSend: func() { called = true }}

	staleInfo := &wire.SignedNodeInfo{Timestamp: wire.NowMicros() - int64(time.Hour/time.Microsecond)}
	enc, err := wire.EncodeOperation(wire.Operation{OpID: 1, SenderNodeInfo: staleInfo, Kind: wire.KindQuestion, Detail: wire.StatusQ{}})
	require.NoError(t, err)

	d.HandleFrame(loopbackAddr("x"), wire.ProtoTCP, enc)
	require.False(t, called)
}

type capturingSender struct {
	onSend func()
}

func (c *capturingSender) SendTo(nodeID wire.NodeID, payload []byte, hint netman.SequencingHint) error {
	if c.onSend != nil {
		c.onSend()
	}
	return nil
}

func (c *capturingSender) SendRaw(ctx context.Context, protocol wire.Protocol, addr string, payload []byte) error {
	if c.onSend != nil {
		c.onSend()
	}
	return nil
}

func (c *capturingSender) AssociatePeer(addr net.Addr, nodeID wire.NodeID) {}

func TestSetValueStrictSeqOrdering(t *testing.T) {
	cfg := DefaultConfig()
	d, _ := newTestDispatcher(t, cfg)
	d.sender = &capturingSender{}

	var key wire.ValueKey
	key.Location[0] = 7

	a := d.answerSetValue(wire.SetValueQ{Key: key, Value: wire.ValueData{Data: []byte("A"), Seq: 1}})
	require.Equal(t, []byte("A"), a.Value.Data)

	b := d.answerSetValue(wire.SetValueQ{Key: key, Value: wire.ValueData{Data: []byte("B"), Seq: 0}})
	require.Equal(t, []byte("A"), b.Value.Data)
	require.Equal(t, uint32(1), b.Value.Seq)
}

func TestConcurrencyCapRefusesBeyondQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Concurrency = 1
	cfg.QueueSize = 0
	cfg.TimeoutMs = 50
	d, _ := newTestDispatcher(t, cfg)
	d.sender = &blockingSender{}

	longCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		_, _ = d.SendQuestion(longCtx, wire.NodeID{}, "a", wire.ProtoTCP, wire.StatusQ{}, routes.SafetySpec{})
	}()
	time.Sleep(20 * time.Millisecond)

	_, err := d.SendQuestion(context.Background(), wire.NodeID{}, "b", wire.ProtoTCP, wire.StatusQ{}, routes.SafetySpec{})
	require.ErrorIs(t, err, ErrTryAgain)
}

type blockingSender struct{}

func (b *blockingSender) SendTo(nodeID wire.NodeID, payload []byte, hint netman.SequencingHint) error {
	return netman.ErrNoConnection
}

func (b *blockingSender) SendRaw(ctx context.Context, protocol wire.Protocol, addr string, payload []byte) error {
	time.Sleep(200 * time.Millisecond)
	return nil
}

func (b *blockingSender) AssociatePeer(addr net.Addr, nodeID wire.NodeID) {}

// TestFindNodeGrowsRoutingTableFromAllReturnedPeers exercises live
// traffic (not bootstrap) growing the routing table: querying server
// for closest peers to some target pulls in every entry server already
// knows about, plus server's own identity learned off the Answer
// envelope.
func TestFindNodeGrowsRoutingTableFromAllReturnedPeers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TimeoutMs = 2000
	client, _ := newTestDispatcher(t, cfg)
	server, _ := newTestDispatcher(t, cfg)

	clientSender := &pairedSender{peer: server, addr: loopbackAddr("client")}
	serverSender := &pairedSender{peer: client, addr: loopbackAddr("server")}
	client.sender = clientSender
	server.sender = serverSender

	var thirdParty wire.NodeID
	thirdParty.Key[0] = 9
	server.table.AddOrUpdate(wire.PeerInfo{NodeID: thirdParty, SignedNodeInfo: wire.SignedNodeInfo{Timestamp: wire.NowMicros()}})

	require.Equal(t, 0, client.table.Len())

	var query wire.NodeID
	query.Key[0] = 1
	peers, err := client.FindNode(context.Background(), wire.NodeID{}, "server-addr", wire.ProtoTCP, query, routes.SafetySpec{})
	require.NoError(t, err)
	require.Len(t, peers, 1)

	// Both the answer's carried peer list (thirdParty) and server's own
	// identity (learned from the Answer's SenderNodeInfo) land in the
	// client's table from this one round trip.
	require.Equal(t, 2, client.table.Len())
	_, ok := client.table.Get(thirdParty)
	require.True(t, ok)
}

func TestAnswerToUnknownOpIDGeneratesNoFrame(t *testing.T) {
	cfg := DefaultConfig()
	d, _ := newTestDispatcher(t, cfg)
	var sent bool
	d.sender = &capturingSender{onSend: func() { sent = true }}

	enc, err := wire.EncodeOperation(wire.Operation{OpID: 42, Kind: wire.KindAnswer, Detail: wire.StatusA{}})
	require.NoError(t, err)
	d.HandleFrame(loopbackAddr("x"), wire.ProtoTCP, enc)
	require.False(t, sent)
}
