package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDialInfoMultiaddrRoundTripsTCP(t *testing.T) {
	di := DialInfo{Protocol: ProtoTCP, Address: "203.0.113.5:5150"}
	ma, err := di.Multiaddr()
	require.NoError(t, err)
	require.Equal(t, "/ip4/203.0.113.5/tcp/5150", ma.String())

	back, err := DialInfoFromMultiaddr(ma.String())
	require.NoError(t, err)
	require.Equal(t, di, back)
}

func TestDialInfoMultiaddrRoundTripsUDP(t *testing.T) {
	di := DialInfo{Protocol: ProtoUDP, Address: "203.0.113.5:5150"}
	ma, err := di.Multiaddr()
	require.NoError(t, err)

	back, err := DialInfoFromMultiaddr(ma.String())
	require.NoError(t, err)
	require.Equal(t, di, back)
}

func TestDialInfoMultiaddrRejectsMalformedAddress(t *testing.T) {
	di := DialInfo{Protocol: ProtoTCP, Address: "not-an-address"}
	_, err := di.Multiaddr()
	require.Error(t, err)
}
