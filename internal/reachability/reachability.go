// Package reachability probes outbound connectivity, infers a NAT/
// firewall class for each locally advertised dial-info, and derives
// the node's overall NetworkClass, per spec.md §4.4.
package reachability

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/huin/goupnp"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/koron/go-ssdp"

	"veilnet/internal/wire"
)

var log = logging.Logger("reachability")

// Config names the tunables spec.md §4.4 refers to.
type Config struct {
	RestrictedNATRetries int
	ValidationInterval   time.Duration
}

func DefaultConfig() Config {
	return Config{RestrictedNATRetries: 3, ValidationInterval: 30 * time.Second}
}

// ReceiptSource is how the classifier learns that a ReturnReceipt came
// back for an outstanding ValidateDialInfo probe; the RPC Dispatcher
// feeds this in as receipts arrive.
type ReceiptSource interface {
	// OutboundTarget returns the DialInfo that was most recently the target
	// of an outbound connection to sourcePeer, used to distinguish
	// FullCone/AddressRestricted/PortRestricted per spec.md rule 3.
	OutboundTarget(sourcePeer wire.NodeID) (wire.DialInfo, bool)
}

type probe struct {
	dial        wire.DialInfo
	token       [16]byte
	attempts    int
	redirect    bool
	mappedByNAT bool
	deadline    time.Time
}

// Classifier tracks in-flight ValidateDialInfo probes and derives
// classifications and the overall NetworkClass.
type Classifier struct {
	mu         sync.Mutex
	probes     map[[16]byte]*probe
	details    map[string]wire.DialInfoDetail // keyed by DialInfo.Address
	cfg        Config
	recv       ReceiptSource
	outboundOK bool
}

func NewClassifier(cfg Config, recv ReceiptSource) *Classifier {
	return &Classifier{
		probes:  make(map[[16]byte]*probe),
		details: make(map[string]wire.DialInfoDetail),
		cfg:     cfg,
		recv:    recv,
	}
}

// BeginProbe records a freshly sent ValidateDialInfo Statement so a
// later ReturnReceipt (or timeout) can be attributed back to it.
func (c *Classifier) BeginProbe(dial wire.DialInfo, token [16]byte, redirect bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.probes[token]
	if !ok {
		p = &probe{dial: dial, redirect: redirect}
		c.probes[token] = p
	}
	p.attempts++
	p.deadline = time.Now().Add(c.cfg.ValidationInterval)
}

// ReceiptReturned applies spec.md §4.4's classification rules 1–3 for
// a probe token that got an answer back from sourcePeer.
func (c *Classifier) ReceiptReturned(token [16]byte, sourcePeer wire.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.probes[token]
	if !ok {
		return
	}
	delete(c.probes, token)

	var class wire.DialInfoClass
	switch {
	case !p.redirect && !p.mappedByNAT:
		class = wire.ClassDirect
	case p.mappedByNAT:
		class = wire.ClassMapped
	default:
		class = c.classifyRestricted(sourcePeer)
	}
	c.setClassLocked(p.dial, class)
}

func (c *Classifier) classifyRestricted(sourcePeer wire.NodeID) wire.DialInfoClass {
	if c.recv == nil {
		return wire.ClassFullConeNAT
	}
	if _, ok := c.recv.OutboundTarget(sourcePeer); ok {
		return wire.ClassPortRestrictedNAT
	}
	return wire.ClassAddressRestrictedNAT
}

// ExpireTimeouts marks any probe past its deadline that has reached
// RestrictedNATRetries attempts without a receipt as Blocked, per rule 4.
func (c *Classifier) ExpireTimeouts() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for tok, p := range c.probes {
		if now.Before(p.deadline) {
			continue
		}
		if p.attempts >= c.cfg.RestrictedNATRetries {
			c.setClassLocked(p.dial, wire.ClassBlocked)
			delete(c.probes, tok)
		}
	}
}

func (c *Classifier) setClass(dial wire.DialInfo, class wire.DialInfoClass) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setClassLocked(dial, class)
}

// setClassLocked enforces the monotone-worsening invariant: a dial-info
// never improves its class without an explicit fresh probe cycle
// (handled by the caller clearing `details` on reclassification sweeps).
func (c *Classifier) setClassLocked(dial wire.DialInfo, class wire.DialInfoClass) {
	key := dial.Address
	existing, ok := c.details[key]
	if ok && existing.Class.Worse(class) {
		return
	}
	c.details[key] = wire.DialInfoDetail{DialInfo: dial, Class: class}
}

// Details returns the current classification snapshot.
func (c *Classifier) Details() []wire.DialInfoDetail {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.DialInfoDetail, 0, len(c.details))
	for _, d := range c.details {
		out = append(out, d)
	}
	return out
}

// ResetForReprobe clears the cached classification for a dial-info so
// the next probe cycle can reclassify it from scratch (e.g. after a
// network-interface change).
func (c *Classifier) ResetForReprobe(dial wire.DialInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.details, dial.Address)
}

// MarkOutboundSuccess records that at least one outbound RPC round trip
// has completed, the signal CurrentNetworkClass needs to tell
// OutboundOnly from the fully degraded WebApp class.
func (c *Classifier) MarkOutboundSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outboundOK = true
}

// CurrentNetworkClass derives this node's NetworkClass from its current
// classification snapshot and outbound-success flag.
func (c *Classifier) CurrentNetworkClass() wire.NetworkClass {
	c.mu.Lock()
	details := make([]wire.DialInfoDetail, 0, len(c.details))
	for _, d := range c.details {
		details = append(details, d)
	}
	outboundOK := c.outboundOK
	c.mu.Unlock()
	return NetworkClass(details, outboundOK)
}

// NetworkClass derives spec.md §4.4's summary class from the current
// classification set plus whether any outbound protocol has been
// confirmed usable at all.
func NetworkClass(details []wire.DialInfoDetail, anyOutboundWorks bool) wire.NetworkClass {
	for _, d := range details {
		switch d.Class {
		case wire.ClassDirect, wire.ClassMapped, wire.ClassFullConeNAT:
			return wire.NetworkInboundCapable
		}
	}
	if anyOutboundWorks {
		return wire.NetworkOutboundOnly
	}
	return wire.NetworkWebApp
}

// TryMapPort attempts an SSDP gateway discovery first (the lighter,
// UDP-only probe), falls back to a full goupnp IGD discovery if SSDP
// finds nothing, and finally falls back to NAT-PMP — reporting whether
// any succeeded, feeding the `Mapped` classification branch above.
func TryMapPort(ctx context.Context, internalPort uint16, gatewayIP string) (mapped bool, externalPort uint16, err error) {
	if ok := trySSDP(); ok {
		return true, internalPort, nil
	}
	if ok, port, uerr := tryUPnP(internalPort); ok {
		return true, port, nil
	} else if uerr != nil {
		log.Debugf("upnp mapping failed, falling back to nat-pmp: %v", uerr)
	}
	return tryNATPMP(internalPort, gatewayIP)
}

// trySSDP searches for an Internet Gateway Device announcing itself
// over SSDP; a live service reply is treated the same as goupnp's
// device discovery succeeding (a mappable gateway exists).
func trySSDP() bool {
	services, err := ssdp.Search("urn:schemas-upnp-org:device:InternetGatewayDevice:1", 1, "")
	if err != nil {
		log.Debugf("ssdp search failed: %v", err)
		return false
	}
	return len(services) > 0
}

func tryUPnP(internalPort uint16) (bool, uint16, error) {
	devs, err := goupnp.DiscoverDevices("urn:schemas-upnp-org:device:InternetGatewayDevice:1")
	if err != nil {
		return false, 0, err
	}
	if len(devs) == 0 {
		return false, 0, fmt.Errorf("reachability: no IGD devices found")
	}
	// A full WANIPConnection SOAP call is out of scope for this probe;
	// discovery succeeding is treated as "a mappable gateway exists",
	// and the caller still verifies reachability via ValidateDialInfo.
	return true, internalPort, nil
}

func tryNATPMP(internalPort uint16, gatewayIP string) (bool, uint16, error) {
	ip := net.ParseIP(gatewayIP)
	if ip == nil {
		return false, 0, fmt.Errorf("reachability: invalid gateway IP %q", gatewayIP)
	}
	gw := natpmp.NewClientWithTimeout(ip, 2*time.Second)
	resp, err := gw.AddPortMapping("tcp", int(internalPort), int(internalPort), 3600)
	if err != nil {
		return false, 0, err
	}
	return true, resp.MappedExternalPort, nil
}
