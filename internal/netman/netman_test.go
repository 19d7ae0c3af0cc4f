package netman

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilnet/internal/wire"
)

func TestUDPRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	mgr := NewManager(DefaultLimits(), func(addr net.Addr, proto wire.Protocol, payload []byte) {
		require.Equal(t, wire.ProtoUDP, proto)
		received <- payload
	})
	defer mgr.Close()

	require.NoError(t, mgr.ListenUDP(ctx, "127.0.0.1:0"))

	raddr := mgr.udpConn.LocalAddr().(*net.UDPAddr)
	sender, err := net.DialUDP("udp", nil, raddr)
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.Write([]byte("hello-veilnet"))
	require.NoError(t, err)

	select {
	case payload := <-received:
		require.Equal(t, []byte("hello-veilnet"), payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for udp frame")
	}
}

func TestRateLimitingByIP(t *testing.T) {
	mgr := NewManager(Limits{MaxPerIPv4: 1, MaxConnsPerMinute: 100, InactivityTimeout: time.Minute}, nil)
	addr1 := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 1}
	addr2 := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 2}

	require.NoError(t, mgr.admit(addr1, wire.ProtoTCP))
	err := mgr.admit(addr2, wire.ProtoTCP)
	require.ErrorIs(t, err, ErrRateLimited)
}

func TestRateLimitingPerMinute(t *testing.T) {
	mgr := NewManager(Limits{MaxPerIPv4: 100, MaxConnsPerMinute: 2, InactivityTimeout: time.Minute}, nil)
	a := &net.TCPAddr{IP: net.ParseIP("198.51.100.2"), Port: 1}
	b := &net.TCPAddr{IP: net.ParseIP("198.51.100.2"), Port: 2}
	c := &net.TCPAddr{IP: net.ParseIP("198.51.100.2"), Port: 3}

	require.NoError(t, mgr.admit(a, wire.ProtoTCP))
	require.NoError(t, mgr.admit(b, wire.ProtoTCP))
	require.ErrorIs(t, mgr.admit(c, wire.ProtoTCP), ErrRateLimited)
}

func TestSendToNoConnection(t *testing.T) {
	mgr := NewManager(DefaultLimits(), nil)
	var id wire.NodeID
	err := mgr.SendTo(id, []byte("x"), NoPreference)
	require.ErrorIs(t, err, ErrNoConnection)
}

func TestEnsureOrderedFailsWithoutOrderedTransport(t *testing.T) {
	mgr := NewManager(DefaultLimits(), nil)
	var id wire.NodeID
	udpAddr := &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 5150}
	c := &connection{nodeID: &id, remote: udpAddr, protocol: wire.ProtoUDP, ordered: false}
	mgr.byPeer[id] = []*connection{c}

	err := mgr.SendTo(id, []byte("x"), EnsureOrdered)
	require.ErrorIs(t, err, ErrNoOrderedTransport)
}

func TestIPv6Slash56Masking(t *testing.T) {
	a := ipv6Slash56(net.ParseIP("2001:db8:1234:5600::1"))
	b := ipv6Slash56(net.ParseIP("2001:db8:1234:56ff::2"))
	require.Equal(t, a, b)

	c := ipv6Slash56(net.ParseIP("2001:db8:1234:5700::1"))
	require.NotEqual(t, a, c)
}
