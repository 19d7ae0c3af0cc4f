// Package netman owns the core's listeners, dialers and connection
// table. It is the only package permitted to hold live sockets (spec.md
// §3's ownership rule: "the Network Manager exclusively owns
// Connections").
package netman

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"veilnet/internal/wire"
)

var log = logging.Logger("netman")

// SequencingHint steers how send_to picks among multiple live
// connections to the same peer, per spec.md §4.3.
type SequencingHint uint8

const (
	NoPreference SequencingHint = iota
	PreferOrdered
	EnsureOrdered
)

// ErrRateLimited is returned when a connection-table cap is hit.
var ErrRateLimited = errors.New("netman: rate limited")

// ErrNoOrderedTransport is EnsureOrdered's failure when only UDP is live.
var ErrNoOrderedTransport = errors.New("netman: no ordered transport available to peer")

// ErrNoConnection means send_to found nothing usable for the peer at all.
var ErrNoConnection = errors.New("netman: no connection to peer")

// Limits configures the connection table's fairness caps, all named in
// spec.md §4.3.
type Limits struct {
	MaxPerIPv4        int
	MaxPerIPv6Slash56 int
	MaxConnsPerMinute int
	InactivityTimeout time.Duration
}

func DefaultLimits() Limits {
	return Limits{
		MaxPerIPv4:        8,
		MaxPerIPv6Slash56: 8,
		MaxConnsPerMinute: 60,
		InactivityTimeout: 5 * time.Minute,
	}
}

// FrameHandler is invoked once per decoded inbound frame (raw bytes;
// the caller runs the Wire Codec and routing on top).
type FrameHandler func(peerAddr net.Addr, protocol wire.Protocol, payload []byte)

// connection is one live socket to a remote endpoint. UDP connections
// are logical (keyed by remote address over a shared listen socket);
// TCP/WS/WSS connections own a dedicated net.Conn.
type connection struct {
	nodeID     *wire.NodeID // nil until the first Status exchange identifies the peer
	remote     net.Addr
	protocol   wire.Protocol
	conn       net.Conn // nil for UDP (shared socket)
	ordered    bool
	lastActive time.Time
}

// Manager is the Network Manager: listeners, dialers, and the
// connection table.
type Manager struct {
	limits  Limits
	handler FrameHandler

	mu         sync.Mutex
	byPeer     map[wire.NodeID][]*connection
	byAddr     map[string]*connection // keyed by remote.String(), covers pre-identification
	perIPv4    map[string]int
	perIPv6    map[string]int
	rateWindow map[string][]time.Time

	udpConn *net.UDPConn
	tcpLn   net.Listener

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewManager(limits Limits, handler FrameHandler) *Manager {
	return &Manager{
		limits:     limits,
		handler:    handler,
		byPeer:     make(map[wire.NodeID][]*connection),
		byAddr:     make(map[string]*connection),
		perIPv4:    make(map[string]int),
		perIPv6:    make(map[string]int),
		rateWindow: make(map[string][]time.Time),
	}
}

// ListenUDP binds the UDP datagram listener used for self-framed
// messages (routing traffic, Status exchanges).
func (m *Manager) ListenUDP(ctx context.Context, addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	if err := conn.SetReadBuffer(1 << 20); err != nil {
		log.Warnf("udp read buffer: %v", err)
	}
	m.udpConn = conn
	log.Infof("udp listening on %s", conn.LocalAddr())

	m.wg.Add(1)
	go m.udpReadLoop(ctx, conn)
	return nil
}

func (m *Manager) udpReadLoop(ctx context.Context, conn *net.UDPConn) {
	defer m.wg.Done()
	buf := make([]byte, wire.MaxOperationSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			log.Warnf("udp read error: %v", err)
			continue
		}
		if err := m.admit(src, wire.ProtoUDP); err != nil {
			continue
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		if m.handler != nil {
			m.handler(src, wire.ProtoUDP, payload)
		}
	}
}

// ListenTCP binds the TCP stream listener. Each accepted connection
// gets its own frame-reader goroutine using a length-prefixed framer
// matching the wire codec's own bytesLP convention.
func (m *Manager) ListenTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	m.tcpLn = ln
	log.Infof("tcp listening on %s", ln.Addr())

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warnf("tcp accept: %v", err)
				continue
			}
			if err := m.admit(conn.RemoteAddr(), wire.ProtoTCP); err != nil {
				conn.Close()
				continue
			}
			m.wg.Add(1)
			go m.tcpReadLoop(ctx, conn)
		}
	}()
	return nil
}

// TCPAddr returns the bound TCP listener address, or nil if ListenTCP
// hasn't been called yet — used to discover the actual port when the
// configured listen address used ":0".
func (m *Manager) TCPAddr() net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tcpLn == nil {
		return nil
	}
	return m.tcpLn.Addr()
}

func (m *Manager) tcpReadLoop(ctx context.Context, conn net.Conn) {
	defer m.wg.Done()
	defer conn.Close()
	defer m.removeByAddr(conn.RemoteAddr())

	fr := newFramer(conn)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		payload, err := fr.readFrame()
		if err != nil {
			return
		}
		m.touchActivity(conn.RemoteAddr())
		if m.handler != nil {
			m.handler(conn.RemoteAddr(), wire.ProtoTCP, payload)
		}
	}
}

// Dial opens an outbound TCP connection and registers it in the
// connection table, used by reachability probing and route building.
func (m *Manager) Dial(ctx context.Context, protocol wire.Protocol, addr string) (net.Conn, error) {
	var d net.Dialer
	network := "tcp"
	if protocol == wire.ProtoUDP {
		network = "udp"
	}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	m.registerConn(conn.RemoteAddr(), protocol, conn, protocol != wire.ProtoUDP)
	return conn, nil
}

// SendTo writes payload to a peer's best connection per hint, per
// spec.md §4.3's send_to policy.
func (m *Manager) SendTo(nodeID wire.NodeID, payload []byte, hint SequencingHint) error {
	m.mu.Lock()
	conns := m.byPeer[nodeID]
	m.mu.Unlock()
	if len(conns) == 0 {
		return ErrNoConnection
	}

	var chosen *connection
	switch hint {
	case PreferOrdered:
		for _, c := range conns {
			if c.ordered {
				chosen = c
				break
			}
		}
		if chosen == nil {
			chosen = conns[0]
		}
	case EnsureOrdered:
		for _, c := range conns {
			if c.ordered {
				chosen = c
				break
			}
		}
		if chosen == nil {
			return ErrNoOrderedTransport
		}
	default:
		chosen = conns[0]
	}

	if err := m.writeToConn(chosen, payload); err != nil {
		m.markDead(chosen)
		return err
	}
	return nil
}

func (m *Manager) writeToConn(c *connection, payload []byte) error {
	if c.protocol == wire.ProtoUDP {
		if m.udpConn == nil {
			return ErrNoConnection
		}
		udpAddr, ok := c.remote.(*net.UDPAddr)
		if !ok {
			return ErrNoConnection
		}
		_, err := m.udpConn.WriteToUDP(payload, udpAddr)
		return err
	}
	if c.conn == nil {
		return ErrNoConnection
	}
	if c.protocol == wire.ProtoWS || c.protocol == wire.ProtoWSS {
		// One Operation per binary message; no length prefix.
		_, err := c.conn.Write(payload)
		return err
	}
	return writeFrame(c.conn, payload)
}

// SendRaw writes payload to addr without requiring a prior NodeID
// association, used for Status/bootstrap exchanges and for safety-route
// hop forwarding where the next hop is addressed by dial-info rather
// than NodeID.
func (m *Manager) SendRaw(ctx context.Context, protocol wire.Protocol, addr string, payload []byte) error {
	m.mu.Lock()
	c, ok := m.byAddr[addr]
	m.mu.Unlock()
	if ok {
		if err := m.writeToConn(c, payload); err != nil {
			m.markDead(c)
		} else {
			return nil
		}
	}

	if protocol == wire.ProtoUDP {
		if m.udpConn == nil {
			return ErrNoConnection
		}
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return err
		}
		_, err = m.udpConn.WriteToUDP(payload, udpAddr)
		return err
	}

	conn, err := m.Dial(ctx, protocol, addr)
	if err != nil {
		return err
	}
	return writeFrame(conn, payload)
}

// AssociatePeer binds a previously address-only connection (one that
// hasn't yet exchanged Status) to a NodeID, called by the RPC
// dispatcher once it identifies the sender.
func (m *Manager) AssociatePeer(addr net.Addr, nodeID wire.NodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byAddr[addr.String()]
	if !ok {
		return
	}
	c.nodeID = &nodeID
	m.byPeer[nodeID] = appendUnique(m.byPeer[nodeID], c)
}

func appendUnique(list []*connection, c *connection) []*connection {
	for _, e := range list {
		if e == c {
			return list
		}
	}
	return append(list, c)
}

func (m *Manager) registerConn(addr net.Addr, protocol wire.Protocol, raw net.Conn, ordered bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := &connection{remote: addr, protocol: protocol, conn: raw, ordered: ordered, lastActive: time.Now()}
	m.byAddr[addr.String()] = c
}

func (m *Manager) touchActivity(addr net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.byAddr[addr.String()]; ok {
		c.lastActive = time.Now()
	}
}

func (m *Manager) markDead(c *connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
	}
	delete(m.byAddr, c.remote.String())
	if c.nodeID != nil {
		m.removePeerConn(*c.nodeID, c)
	}
}

func (m *Manager) removePeerConn(id wire.NodeID, dead *connection) {
	list := m.byPeer[id]
	out := list[:0]
	for _, c := range list {
		if c != dead {
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		delete(m.byPeer, id)
	} else {
		m.byPeer[id] = out
	}
}

func (m *Manager) removeByAddr(addr net.Addr) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byAddr[addr.String()]
	if !ok {
		return
	}
	delete(m.byAddr, addr.String())
	if c.nodeID != nil {
		m.removePeerConn(*c.nodeID, c)
	}
}

// admit enforces the per-IP/per-/56/per-minute connection caps from
// spec.md §4.3, returning ErrRateLimited when exceeded.
func (m *Manager) admit(addr net.Addr, protocol wire.Protocol) error {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return fmt.Errorf("%w: unparseable address %s", ErrRateLimited, addr)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	window := m.rateWindow[host]
	cutoff := now.Add(-time.Minute)
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= m.limits.MaxConnsPerMinute {
		m.rateWindow[host] = kept
		return ErrRateLimited
	}
	m.rateWindow[host] = append(kept, now)

	if v4 := ip.To4(); v4 != nil {
		if m.perIPv4[host]+1 > m.limits.MaxPerIPv4 {
			return ErrRateLimited
		}
		m.perIPv4[host]++
	} else {
		slash56 := ipv6Slash56(ip)
		if m.perIPv6[slash56]+1 > m.limits.MaxPerIPv6Slash56 {
			return ErrRateLimited
		}
		m.perIPv6[slash56]++
	}

	m.byAddr[addr.String()] = &connection{remote: addr, protocol: protocol, lastActive: now, ordered: protocol != wire.ProtoUDP}
	return nil
}

func ipv6Slash56(ip net.IP) string {
	v6 := ip.To16()
	if v6 == nil {
		return ip.String()
	}
	masked := make(net.IP, net.IPv6len)
	copy(masked, v6)
	for i := 7; i < net.IPv6len; i++ {
		masked[i] = 0
	}
	return masked.String()
}

// RunEvictionLoop periodically closes connections idle past the
// configured inactivity timeout, spec.md §4.3.
func (m *Manager) RunEvictionLoop(ctx context.Context) {
	ticker := time.NewTicker(m.limits.InactivityTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-m.limits.InactivityTimeout)
	for addr, c := range m.byAddr {
		if c.lastActive.Before(cutoff) {
			if c.conn != nil {
				c.conn.Close()
			}
			delete(m.byAddr, addr)
			if c.nodeID != nil {
				m.removePeerConn(*c.nodeID, c)
			}
		}
	}
}

// Close tears down both listeners.
func (m *Manager) Close() error {
	var firstErr error
	if m.udpConn != nil {
		if err := m.udpConn.Close(); err != nil {
			firstErr = err
		}
	}
	if m.tcpLn != nil {
		if err := m.tcpLn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.wg.Wait()
	return firstErr
}
