package reachability

import (
	"context"
	"fmt"

	"github.com/libp2p/zeroconf/v2"

	"veilnet/internal/wire"
)

const serviceName = "_veilnet._udp"

// AdvertiseLocal registers an mDNS service record for this node so
// LAN peers can discover it without a bootstrap hop, the same way the
// teacher's mDNS notifee triggers an immediate Connect.
func AdvertiseLocal(nodeID wire.NodeID, port int) (*zeroconf.Server, error) {
	server, err := zeroconf.Register(
		fmt.Sprintf("veilnet-%x", nodeID.Key[:8]),
		serviceName,
		"local.",
		port,
		[]string{"vld0"},
		nil,
	)
	if err != nil {
		return nil, err
	}
	return server, nil
}

// DiscoverLocal browses for other veilnet nodes on the LAN for
// duration governed by ctx, returning their advertised address/port
// pairs. The entries carry no RoutingDomain; peers learned from them keep
// the Domain of their own SignedNodeInfo.
func DiscoverLocal(ctx context.Context) ([]*zeroconf.ServiceEntry, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	entries := make(chan *zeroconf.ServiceEntry)
	var found []*zeroconf.ServiceEntry
	done := make(chan struct{})
	go func() {
		for e := range entries {
			found = append(found, e)
		}
		close(done)
	}()
	if err := resolver.Browse(ctx, serviceName, "local.", entries); err != nil {
		return nil, err
	}
	<-ctx.Done()
	<-done
	return found, nil
}
