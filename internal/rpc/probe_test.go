package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilnet/internal/reachability"
	"veilnet/internal/wire"
)

type stubReceiptSource struct{}

func (stubReceiptSource) OutboundTarget(wire.NodeID) (wire.DialInfo, bool) {
	return wire.DialInfo{}, false
}

// TestOriginateProbeRoundTripClassifiesDirect exercises the probe cycle
// end to end: OriginateProbe sends a ValidateDialInfo Statement, the
// peer's handleValidateDialInfo dials back with a ReturnReceipt, and
// handleReturnReceipt attributes it to the originating probe, landing
// a ClassDirect dial-info detail.
func TestOriginateProbeRoundTripClassifiesDirect(t *testing.T) {
	cfg := DefaultConfig()
	client, _ := newTestDispatcher(t, cfg)
	server, _ := newTestDispatcher(t, cfg)

	clientClassifier := reachability.NewClassifier(reachability.DefaultConfig(), stubReceiptSource{})
	client.SetClassifier(clientClassifier)

	clientSender := &pairedSender{peer: server, addr: loopbackAddr("client")}
	serverSender := &pairedSender{peer: client, addr: loopbackAddr("server")}
	client.sender = clientSender
	server.sender = serverSender

	dial := wire.DialInfo{Protocol: wire.ProtoTCP, Address: "203.0.113.9:4000"}
	err := client.OriginateProbe(context.Background(), wire.ProtoTCP, "server-addr", dial, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, d := range clientClassifier.Details() {
			if d.DialInfo.Address == dial.Address && d.Class == wire.ClassDirect {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestPickProbePeerEmptyTableReturnsFalse(t *testing.T) {
	cfg := DefaultConfig()
	d, _ := newTestDispatcher(t, cfg)
	_, ok := d.pickProbePeer()
	require.False(t, ok)
}
