// Package veilnet is the node runtime's public lifecycle facade: it
// wires the Crypto Suite, Wire Codec, Network Manager, Reachability
// Classifier, Routing Table, Private-Route Engine and RPC Dispatcher
// into one attachable node, per the init → attach → detach* → shutdown
// lifecycle. It generalizes the teacher's main.go wiring order (env →
// identity → interface pick → discovery → DHT → HTTP servers) from a
// "start and block forever" program into an explicit state machine with
// a re-entrancy guard: only one node may be attached per process.
package veilnet

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/libp2p/zeroconf/v2"

	"veilnet/internal/coremetrics"
	"veilnet/internal/netman"
	"veilnet/internal/reachability"
	"veilnet/internal/routes"
	"veilnet/internal/routingtable"
	"veilnet/internal/rpc"
	"veilnet/internal/storage"
	"veilnet/internal/veilcrypto"
	"veilnet/internal/wire"
)

var log = logging.Logger("veilnet")

// AttachState is the node's position in its init → attach → detach*
// lifecycle, per DESIGN NOTES §9 "Global state".
type AttachState int

const (
	Detached AttachState = iota
	Attaching
	Attached
	Detaching
)

func (s AttachState) String() string {
	switch s {
	case Detached:
		return "Detached"
	case Attaching:
		return "Attaching"
	case Attached:
		return "Attached"
	case Detaching:
		return "Detaching"
	default:
		return "Unknown"
	}
}

var (
	// ErrAlreadyAttached guards the single-global-instance rule: a
	// second Init before Shutdown is a programming error, not a retry
	// case.
	ErrAlreadyAttached = errors.New("veilnet: a node is already attached in this process")
	ErrNotAttached      = errors.New("veilnet: node is not attached")
	ErrWrongState       = errors.New("veilnet: operation invalid in current lifecycle state")
)

// Config collects every tunable named across spec.md's components into
// one attach-time configuration surface.
type Config struct {
	ListenUDP string
	ListenTCP string

	BootstrapSeeds []string

	NetworkLimits   netman.Limits
	Reachability    reachability.Config
	RoutingTable    routingtable.Limits
	RPC             rpc.Config
	RouteIdleTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenUDP:        "0.0.0.0:0",
		ListenTCP:        "0.0.0.0:0",
		NetworkLimits:    netman.DefaultLimits(),
		Reachability:     reachability.DefaultConfig(),
		RoutingTable:     routingtable.DefaultLimits(),
		RPC:              rpc.DefaultConfig(),
		RouteIdleTimeout: routes.DefaultIdleTimeout,
	}
}

// Node is one attached instance of the core. Construct with Init,
// bring the network up with Attach, and tear it down with Detach/
// Shutdown.
type Node struct {
	cfg     Config
	self    wire.NodeID
	signKey ed25519.PrivateKey
	dhPriv  [32]byte

	suite      *veilcrypto.Suite
	store      storage.TableStore
	metrics    *coremetrics.Metrics
	table      *routingtable.Table
	classifier *reachability.Classifier
	routeEng   *routes.Engine
	dispatcher *rpc.Dispatcher
	manager    *netman.Manager
	mdnsServer *zeroconf.Server

	mu    sync.Mutex
	state AttachState

	cancel context.CancelFunc
}

var (
	globalMu sync.Mutex
	global   *Node
)

// Init constructs a Node from its persisted Secrets and a TableStore
// (typically a storage.ProtectedStore opened by the caller). Only one
// Node may be Init'd per process until Shutdown releases the slot —
// spec.md §9's single global instance.
func Init(cfg Config, secrets storage.Secrets, store storage.TableStore) (*Node, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil, ErrAlreadyAttached
	}

	suite := veilcrypto.NewSuite(0)

	signKey := ed25519.NewKeyFromSeed(secrets.SigningSeed[:])

	var self wire.NodeID
	kind := suite.Kind()
	copy(self.Kind[:], kind[:])
	dhPub, err := suite.ComputeDH(secrets.DHPrivate, basepoint())
	if err != nil {
		return nil, fmt.Errorf("veilnet: derive node DH public key: %w", err)
	}
	self.Key = dhPub

	metrics := coremetrics.New()
	table := routingtable.NewTable(self, cfg.RoutingTable)
	routeEng := routes.NewEngine(suite, self, signKey, cfg.RouteIdleTimeout)

	n := &Node{
		cfg:      cfg,
		self:     self,
		signKey:  signKey,
		dhPriv:   secrets.DHPrivate,
		suite:    suite,
		store:    store,
		metrics:  metrics,
		table:    table,
		routeEng: routeEng,
		state:    Detached,
	}

	global = n
	return n, nil
}

// basepoint is curve25519's base point; ComputeDH(priv, basepoint) gives
// the public key matching a private scalar, avoiding a second code path
// for "public key from private key" beyond the Suite's DH primitive.
func basepoint() [32]byte {
	var bp [32]byte
	bp[0] = 9
	return bp
}

// SelfID returns the node's NodeID (valid after Init).
func (n *Node) SelfID() wire.NodeID { return n.self }

// Attach brings the node's network stack up: listeners, the RPC
// Dispatcher, the Reachability Classifier, and the routing-table
// refresh/bootstrap loop, per spec.md's attach operation.
func (n *Node) Attach(ctx context.Context) error {
	n.mu.Lock()
	if n.state != Detached {
		n.mu.Unlock()
		return fmt.Errorf("%w: Attach from %s", ErrWrongState, n.state)
	}
	n.state = Attaching
	n.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	var dispatcher *rpc.Dispatcher
	manager := netman.NewManager(n.cfg.NetworkLimits, func(peerAddr net.Addr, protocol wire.Protocol, payload []byte) {
		if dispatcher != nil {
			dispatcher.HandleFrame(peerAddr, protocol, payload)
		}
	})
	n.manager = manager

	n.classifier = reachability.NewClassifier(n.cfg.Reachability, noReceiptSource{})

	dispatcher = rpc.New(n.cfg.RPC, n.self, n.signKey, n.dhPriv, n.suite, manager, n.table, n.store, n.routeEng, n.metrics)
	dispatcher.SetClassifier(n.classifier)
	n.dispatcher = dispatcher

	if err := manager.ListenUDP(ctx, n.cfg.ListenUDP); err != nil {
		cancel()
		n.setState(Detached)
		return fmt.Errorf("veilnet: listen udp: %w", err)
	}
	if err := manager.ListenTCP(ctx, n.cfg.ListenTCP); err != nil {
		cancel()
		n.setState(Detached)
		return fmt.Errorf("veilnet: listen tcp: %w", err)
	}

	dispatcher.Run(ctx)
	go manager.RunEvictionLoop(ctx)
	go n.routeEng.RunIdleSweep(ctx, n.cfg.RouteIdleTimeout/2)

	bootstrapper := rpc.StatusBootstrapper{D: dispatcher, Protocol: wire.ProtoTCP, SelfID: n.self}
	if len(n.cfg.BootstrapSeeds) > 0 {
		n.table.Bootstrap(ctx, n.cfg.BootstrapSeeds, nil, bootstrapper)
	}
	go n.table.RunRefreshLoop(ctx, n.cfg.BootstrapSeeds, bootstrapper)

	if tcpAddr := manager.TCPAddr(); tcpAddr != nil {
		selfDials := []wire.DialInfo{{Protocol: wire.ProtoTCP, Address: tcpAddr.String()}}
		go dispatcher.RunProbeLoop(ctx, wire.ProtoTCP, selfDials, n.cfg.Reachability.ValidationInterval)

		if tcp, ok := tcpAddr.(*net.TCPAddr); ok {
			server, err := reachability.AdvertiseLocal(n.self, tcp.Port)
			if err != nil {
				log.Warnf("mdns advertise failed, LAN discovery disabled: %v", err)
			} else {
				n.mdnsServer = server
				go n.runLocalDiscovery(ctx, bootstrapper)
			}
		}
	}

	n.setState(Attached)
	log.Infof("attached node=%x udp=%s tcp=%s", n.self.Key[:8], n.cfg.ListenUDP, n.cfg.ListenTCP)
	if ma, err := (wire.DialInfo{Protocol: wire.ProtoTCP, Address: n.cfg.ListenTCP}).Multiaddr(); err == nil {
		log.Infof("tcp dial address %s", ma)
	}
	return nil
}

// runLocalDiscovery periodically browses mDNS for other veilnet nodes
// on the LAN and folds each one into the routing table via the same
// Status exchange bootstrap seeds use, since a discovered service name
// only carries an 8-byte NodeID prefix — not enough to build a
// wire.PeerInfo without asking the peer itself for its signed identity.
func (n *Node) runLocalDiscovery(ctx context.Context, bootstrapper rpc.StatusBootstrapper) {
	ticker := time.NewTicker(n.cfg.Reachability.ValidationInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			browseCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			entries, err := reachability.DiscoverLocal(browseCtx)
			cancel()
			if err != nil {
				log.Debugf("mdns browse failed: %v", err)
				continue
			}
			for _, e := range entries {
				if len(e.AddrIPv4) == 0 {
					continue
				}
				addr := &net.TCPAddr{IP: e.AddrIPv4[0], Port: e.Port}
				if _, err := bootstrapper.ExchangeStatus(ctx, addr); err != nil {
					log.Debugf("mdns peer %s status exchange failed: %v", addr, err)
				}
			}
		}
	}
}

func (n *Node) setState(s AttachState) {
	n.mu.Lock()
	n.state = s
	n.mu.Unlock()
}

// State returns the node's current lifecycle state.
func (n *Node) State() AttachState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Detach tears down the network stack (listeners, background loops,
// in-flight RPCs) but keeps the Node usable for a subsequent Attach,
// per spec.md's detach operation.
func (n *Node) Detach() error {
	n.mu.Lock()
	if n.state != Attached {
		n.mu.Unlock()
		return fmt.Errorf("%w: Detach from %s", ErrWrongState, n.state)
	}
	n.state = Detaching
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	if n.mdnsServer != nil {
		n.mdnsServer.Shutdown()
		n.mdnsServer = nil
	}
	if n.manager != nil {
		_ = n.manager.Close()
	}

	n.setState(Detached)
	log.Infof("detached node=%x", n.self.Key[:8])
	return nil
}

// Shutdown detaches if still attached and releases the process-global
// instance slot so a later Init can succeed.
func (n *Node) Shutdown() error {
	n.mu.Lock()
	attached := n.state == Attached
	n.mu.Unlock()
	if attached {
		if err := n.Detach(); err != nil {
			return err
		}
	}

	globalMu.Lock()
	if global == n {
		global = nil
	}
	globalMu.Unlock()
	return nil
}

// Dispatcher exposes the RPC Dispatcher for the §4.7 operations
// (Status, FindNode, GetValue, SetValue, WatchValue, AppCall,
// AppMessage, app-handler registration) once Attached.
func (n *Node) Dispatcher() (*rpc.Dispatcher, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Attached {
		return nil, ErrNotAttached
	}
	return n.dispatcher, nil
}

// RoutingTable exposes the Routing Table for read-only inspection
// (peer counts, closest-peer queries) by callers embedding this core.
func (n *Node) RoutingTable() *routingtable.Table { return n.table }

// Metrics exposes the Prometheus registry for callers that want to
// serve /metrics themselves.
func (n *Node) Metrics() *coremetrics.Metrics { return n.metrics }

// noReceiptSource is the minimal reachability.ReceiptSource: this core
// does not yet track a per-peer "last outbound dial target" table (the
// Network Manager's connection table is keyed by address, not by which
// DialInfo a validation probe most recently targeted), so restricted-NAT
// classification conservatively falls back to AddressRestrictedNAT
// rather than the finer PortRestrictedNAT distinction. Left as a direct
// extension point rather than a half-built tracking table.
type noReceiptSource struct{}

func (noReceiptSource) OutboundTarget(wire.NodeID) (wire.DialInfo, bool) {
	return wire.DialInfo{}, false
}
