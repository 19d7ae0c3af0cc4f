// Package routingtable implements the core's Kademlia-style XOR-distance
// bucket structure with liveness tiers, per spec.md §4.5. It is a
// generalization of the teacher's simpleDHT/xorDistance pair (dht.go)
// from a flat provider map to tiered, capacity-bounded entries.
package routingtable

import (
	"bytes"
	"context"
	"math/big"
	"net"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"veilnet/internal/veilcrypto"
	"veilnet/internal/wire"
)

var log = logging.Logger("routingtable")

// Tier is one of spec.md §4.5's four liveness tiers, ordered worst to
// best so Tier comparisons ("is this entry due for promotion") read
// naturally as numeric comparisons.
type Tier int

const (
	TierFullyAttached Tier = iota
	TierAttachedWeak
	TierAttachedGood
	TierAttachedStrong
)

// Limits bounds each tier's entry count, from config.
type Limits struct {
	MaxFullyAttached  int
	MaxAttachedWeak   int
	MaxAttachedGood   int
	MaxAttachedStrong int
	RefreshInterval   time.Duration
	ConsecutiveTimeoutDemote int
}

func DefaultLimits() Limits {
	return Limits{
		MaxFullyAttached:         256,
		MaxAttachedWeak:          64,
		MaxAttachedGood:          32,
		MaxAttachedStrong:        16,
		RefreshInterval:          2 * time.Second,
		ConsecutiveTimeoutDemote: 3,
	}
}

// Entry is one routing-table row: PeerInfo plus the liveness/latency
// bookkeeping spec.md §4.5 names.
type Entry struct {
	Peer               wire.PeerInfo
	Tier               Tier
	LastSeen           time.Time
	LatencyEWMA        time.Duration
	ConsecutiveTimeouts int
	Successes          uint64
	Failures           uint64
}

func (e *Entry) successRatio() float64 {
	total := e.Successes + e.Failures
	if total == 0 {
		return 1 // untested entries are not penalized ahead of any peer data
	}
	return float64(e.Successes) / float64(total)
}

// Table is the Routing Table component.
type Table struct {
	mu      sync.RWMutex
	self    wire.NodeID
	limits  Limits
	entries map[wire.NodeID]*Entry
}

func NewTable(self wire.NodeID, limits Limits) *Table {
	return &Table{self: self, limits: limits, entries: make(map[wire.NodeID]*Entry)}
}

// AddOrUpdate applies spec.md §4.5's add_or_update rule: the incoming
// timestamp must strictly exceed the cached one, or the entry is
// dropped as stale.
func (t *Table) AddOrUpdate(p wire.PeerInfo) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[p.NodeID]
	if ok && p.SignedNodeInfo.Timestamp <= existing.Peer.SignedNodeInfo.Timestamp {
		return false
	}
	if !ok {
		existing = &Entry{Tier: TierFullyAttached}
		t.entries[p.NodeID] = existing
	}
	existing.Peer = p
	existing.LastSeen = time.Now()
	if !ok {
		t.evictOverCapacity(TierFullyAttached)
	}
	return true
}

// Get returns the cached entry for id, if any.
func (t *Table) Get(id wire.NodeID) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// FindClosest returns up to k entries sorted by XOR distance to
// target, ties broken by latency then NodeID bytes ascending.
func (t *Table) FindClosest(target wire.NodeID, k int) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	all := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		all = append(all, *e)
	}
	sort.Slice(all, func(i, j int) bool {
		di := distanceInt(all[i].Peer.NodeID.Key[:], target.Key[:])
		dj := distanceInt(all[j].Peer.NodeID.Key[:], target.Key[:])
		if cmp := di.Cmp(dj); cmp != 0 {
			return cmp < 0
		}
		if all[i].LatencyEWMA != all[j].LatencyEWMA {
			return all[i].LatencyEWMA < all[j].LatencyEWMA
		}
		return bytes.Compare(all[i].Peer.NodeID.Key[:], all[j].Peer.NodeID.Key[:]) < 0
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func distanceInt(a, b []byte) *big.Int {
	return new(big.Int).SetBytes(veilcrypto.Distance(a, b))
}

// Touch updates an entry's latency EWMA (α=0.1) after a successful RPC
// round trip, demoting it on ConsecutiveTimeoutDemote consecutive
// timeouts, and promotes it back toward Strong as it accumulates
// successes.
func (t *Table) Touch(id wire.NodeID, rtt time.Duration, timedOut bool) {
	const alpha = 0.1
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return
	}
	e.LastSeen = time.Now()

	if timedOut {
		e.Failures++
		e.ConsecutiveTimeouts++
		if e.ConsecutiveTimeouts >= t.limits.ConsecutiveTimeoutDemote {
			e.Tier = demote(e.Tier)
			e.ConsecutiveTimeouts = 0
		}
		return
	}

	e.Successes++
	e.ConsecutiveTimeouts = 0
	if e.LatencyEWMA == 0 {
		e.LatencyEWMA = rtt
	} else {
		e.LatencyEWMA = time.Duration(alpha*float64(rtt) + (1-alpha)*float64(e.LatencyEWMA))
	}
	e.Tier = tierForLatency(e.LatencyEWMA, e.Tier)
	t.evictOverCapacity(e.Tier)
}

func demote(tier Tier) Tier {
	if tier == TierFullyAttached {
		return tier
	}
	return tier - 1
}

// tierForLatency promotes an entry at most one tier per successful
// touch, so a single good RTT can't vault a brand-new peer straight to
// Attached-Strong.
func tierForLatency(ewma time.Duration, current Tier) Tier {
	promoted := current
	switch {
	case ewma < 50*time.Millisecond:
		promoted = current + 1
	case ewma < 200*time.Millisecond:
		promoted = current
	default:
		return current
	}
	if promoted > TierAttachedStrong {
		promoted = TierAttachedStrong
	}
	return promoted
}

func (t *Table) capacityFor(tier Tier) int {
	switch tier {
	case TierFullyAttached:
		return t.limits.MaxFullyAttached
	case TierAttachedWeak:
		return t.limits.MaxAttachedWeak
	case TierAttachedGood:
		return t.limits.MaxAttachedGood
	case TierAttachedStrong:
		return t.limits.MaxAttachedStrong
	default:
		return 0
	}
}

// evictOverCapacity drops the oldest, worst-success-ratio entry in tier
// when it exceeds its configured capacity, per spec.md §4.5.
func (t *Table) evictOverCapacity(tier Tier) {
	cap := t.capacityFor(tier)
	if cap <= 0 {
		return
	}
	var inTier []wire.NodeID
	for id, e := range t.entries {
		if e.Tier == tier {
			inTier = append(inTier, id)
		}
	}
	if len(inTier) <= cap {
		return
	}
	sort.Slice(inTier, func(i, j int) bool {
		ei, ej := t.entries[inTier[i]], t.entries[inTier[j]]
		if ei.successRatio() != ej.successRatio() {
			return ei.successRatio() < ej.successRatio()
		}
		return ei.LastSeen.Before(ej.LastSeen)
	})
	toEvict := len(inTier) - cap
	for i := 0; i < toEvict; i++ {
		delete(t.entries, inTier[i])
	}
}

// Bootstrapper resolves a seed hostname and exchanges Status with the
// returned addresses, handed in by the RPC Dispatcher (which owns
// actually sending/receiving the Status operation).
type Bootstrapper interface {
	ExchangeStatus(ctx context.Context, addr net.Addr) (wire.PeerInfo, error)
}

// Bootstrap resolves each seed hostname and seeds the table with any
// peer that answers Status, per spec.md §4.5's bootstrap operation.
func (t *Table) Bootstrap(ctx context.Context, seedHostnames []string, resolver *net.Resolver, b Bootstrapper) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	for _, host := range seedHostnames {
		ips, err := resolver.LookupIPAddr(ctx, host)
		if err != nil {
			log.Warnf("bootstrap: resolve %s: %v", host, err)
			continue
		}
		for _, ip := range ips {
			addr := &net.TCPAddr{IP: ip.IP}
			peer, err := b.ExchangeStatus(ctx, addr)
			if err != nil {
				log.Debugf("bootstrap: status exchange with %s failed: %v", addr, err)
				continue
			}
			t.AddOrUpdate(peer)
		}
	}
}

// RunRefreshLoop re-runs Bootstrap over seeds on every RefreshInterval
// tick while the table holds fewer than MaxAttachedGood entries,
// matching spec.md's min_peer_refresh_time_ms default.
func (t *Table) RunRefreshLoop(ctx context.Context, seeds []string, b Bootstrapper) {
	ticker := time.NewTicker(t.limits.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if t.Len() < t.limits.MaxAttachedGood {
				t.Bootstrap(ctx, seeds, nil, b)
			}
		}
	}
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
