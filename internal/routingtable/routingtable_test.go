package routingtable

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilnet/internal/wire"
)

func peerWith(key byte, ts int64) wire.PeerInfo {
	var id wire.NodeID
	copy(id.Kind[:], "VLD0")
	id.Key[0] = key
	return wire.PeerInfo{NodeID: id, SignedNodeInfo: wire.SignedNodeInfo{Timestamp: ts}}
}

func TestAddOrUpdateRejectsStaleTimestamp(t *testing.T) {
	var self wire.NodeID
	table := NewTable(self, DefaultLimits())

	p := peerWith(1, 100)
	require.True(t, table.AddOrUpdate(p))

	stale := peerWith(1, 50)
	require.False(t, table.AddOrUpdate(stale))

	fresher := peerWith(1, 150)
	require.True(t, table.AddOrUpdate(fresher))
}

func TestFindClosestOrdersByXORDistance(t *testing.T) {
	var self wire.NodeID
	table := NewTable(self, DefaultLimits())
	for _, k := range []byte{0x0F, 0x01, 0xFF} {
		table.AddOrUpdate(peerWith(k, 1))
	}
	var target wire.NodeID
	target.Key[0] = 0x00

	closest := table.FindClosest(target, 2)
	require.Len(t, closest, 2)
	require.Equal(t, byte(0x01), closest[0].Peer.NodeID.Key[0])
	require.Equal(t, byte(0x0F), closest[1].Peer.NodeID.Key[0])
}

func TestTouchDemotesOnConsecutiveTimeouts(t *testing.T) {
	var self wire.NodeID
	limits := DefaultLimits()
	limits.ConsecutiveTimeoutDemote = 2
	table := NewTable(self, limits)
	p := peerWith(5, 1)
	table.AddOrUpdate(p)
	table.Touch(p.NodeID, 0, true)
	table.Touch(p.NodeID, 0, true)

	entries := table.FindClosest(p.NodeID, 1)
	require.Len(t, entries, 1)
	require.Equal(t, TierFullyAttached, entries[0].Tier) // already at floor, can't demote further
}

func TestTouchPromotesOnLowLatency(t *testing.T) {
	var self wire.NodeID
	table := NewTable(self, DefaultLimits())
	p := peerWith(6, 1)
	table.AddOrUpdate(p)
	table.Touch(p.NodeID, 10*time.Millisecond, false)

	entries := table.FindClosest(p.NodeID, 1)
	require.Equal(t, TierAttachedWeak, entries[0].Tier)
}

func TestEvictionDropsWorstSuccessRatioWhenOverCapacity(t *testing.T) {
	var self wire.NodeID
	limits := DefaultLimits()
	limits.MaxFullyAttached = 2
	table := NewTable(self, limits)

	table.AddOrUpdate(peerWith(1, 1))
	table.AddOrUpdate(peerWith(2, 2))
	table.AddOrUpdate(peerWith(3, 3))

	require.LessOrEqual(t, table.Len(), 2)
}
