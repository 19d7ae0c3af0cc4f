package wire

import (
	"fmt"
	"net"
	"strconv"

	"github.com/multiformats/go-multiaddr"
)

// protoComponent names the multiaddr protocol for each transport's
// underlying socket kind (WS/WSS ride over TCP).
func (p Protocol) protoComponent() string {
	switch p {
	case ProtoUDP:
		return "udp"
	default:
		return "tcp"
	}
}

// Multiaddr renders a DialInfo in multiaddr form (e.g.
// "/ip4/203.0.113.5/udp/5150" or "/ip4/203.0.113.5/tcp/443/ws"), the
// self-describing address format the core uses for external
// advertisement and log output instead of bare host:port strings.
func (d DialInfo) Multiaddr() (multiaddr.Multiaddr, error) {
	host, portStr, err := net.SplitHostPort(d.Address)
	if err != nil {
		return nil, fmt.Errorf("wire: split dial address %q: %w", d.Address, err)
	}
	if _, err := strconv.Atoi(portStr); err != nil {
		return nil, fmt.Errorf("wire: dial port %q: %w", portStr, err)
	}

	ipComponent := "ip4"
	if ip := net.ParseIP(host); ip != nil && ip.To4() == nil {
		ipComponent = "ip6"
	}

	s := fmt.Sprintf("/%s/%s/%s/%s", ipComponent, host, d.Protocol.protoComponent(), portStr)
	switch d.Protocol {
	case ProtoWS:
		s += "/ws"
	case ProtoWSS:
		s += "/wss"
	}
	return multiaddr.NewMultiaddr(s)
}

// DialInfoFromMultiaddr parses a multiaddr string produced by Multiaddr
// back into a DialInfo, for bootstrap config that wants to accept
// multiaddr-form seeds.
func DialInfoFromMultiaddr(s string) (DialInfo, error) {
	ma, err := multiaddr.NewMultiaddr(s)
	if err != nil {
		return DialInfo{}, err
	}

	var host, port string
	protocol := ProtoTCP
	hasWS, hasWSS := false, false
	multiaddr.ForEach(ma, func(c multiaddr.Component) bool {
		switch c.Protocol().Code {
		case multiaddr.P_IP4, multiaddr.P_IP6, multiaddr.P_DNS, multiaddr.P_DNS4, multiaddr.P_DNS6:
			host = c.Value()
		case multiaddr.P_TCP:
			port = c.Value()
			protocol = ProtoTCP
		case multiaddr.P_UDP:
			port = c.Value()
			protocol = ProtoUDP
		case multiaddr.P_WS:
			hasWS = true
		case multiaddr.P_WSS:
			hasWSS = true
		}
		return true
	})
	if host == "" || port == "" {
		return DialInfo{}, fmt.Errorf("wire: multiaddr %q missing host or port component", s)
	}
	if hasWSS {
		protocol = ProtoWSS
	} else if hasWS {
		protocol = ProtoWS
	}

	return DialInfo{Protocol: protocol, Address: net.JoinHostPort(host, port)}, nil
}
