package routes

import (
	"encoding/binary"
	"fmt"

	"veilnet/internal/veilcrypto"
	"veilnet/internal/wire"
)

// hopEnvelope is the on-wire shape of one onion layer: an ephemeral DH
// public key plus the AEAD ciphertext of the inner innerLayer,
// matching spec.md §4.6's "RouteHopData is AEAD(nonce,
// DH(SK_prev,PK_next), encoded_next_layer)".
type hopEnvelope struct {
	EphemeralPub [32]byte
	Ciphertext   []byte
}

func encodeHopEnvelope(e hopEnvelope) []byte {
	out := make([]byte, 0, 32+4+len(e.Ciphertext))
	out = append(out, e.EphemeralPub[:]...)
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(e.Ciphertext)))
	out = append(out, lbuf[:]...)
	out = append(out, e.Ciphertext...)
	return out
}

func decodeHopEnvelope(b []byte) (hopEnvelope, error) {
	var e hopEnvelope
	if len(b) < 36 {
		return e, fmt.Errorf("routes: truncated hop envelope")
	}
	copy(e.EphemeralPub[:], b[:32])
	n := binary.LittleEndian.Uint32(b[32:36])
	if int(n) != len(b)-36 {
		return e, fmt.Errorf("routes: hop envelope length mismatch")
	}
	e.Ciphertext = b[36:]
	return e, nil
}

func encodeInnerLayer(l innerLayer) []byte {
	out := make([]byte, 0, 1+4+len(l.NextAddr)+4+len(l.Next))
	out = append(out, l.Tag)
	addrB := []byte(l.NextAddr)
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(addrB)))
	out = append(out, lbuf[:]...)
	out = append(out, addrB...)
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(l.Next)))
	out = append(out, lbuf[:]...)
	out = append(out, l.Next...)
	return out
}

func decodeInnerLayer(b []byte) (innerLayer, error) {
	var l innerLayer
	if len(b) < 1+4 {
		return l, fmt.Errorf("routes: truncated inner layer")
	}
	l.Tag = b[0]
	pos := 1
	addrLen := binary.LittleEndian.Uint32(b[pos : pos+4])
	pos += 4
	if pos+int(addrLen)+4 > len(b) {
		return l, fmt.Errorf("routes: inner layer address length overflow")
	}
	l.NextAddr = string(b[pos : pos+int(addrLen)])
	pos += int(addrLen)
	nextLen := binary.LittleEndian.Uint32(b[pos : pos+4])
	pos += 4
	if pos+int(nextLen) != len(b) {
		return l, fmt.Errorf("routes: inner layer payload length mismatch")
	}
	l.Next = b[pos : pos+int(nextLen)]
	return l, nil
}

// hopKey derives the per-hop AEAD key from a raw X25519 shared secret,
// expanding it with HKDF so the AEAD key is never the bare DH output.
func hopKey(suite *veilcrypto.Suite, shared [32]byte) ([32]byte, error) {
	var key [32]byte
	expanded, err := suite.DeriveSharedSecret(shared[:], nil, "veilnet-route-hop", 32)
	if err != nil {
		return key, err
	}
	copy(key[:], expanded)
	return key, nil
}

// BuildSafetyRoute onion-wraps finalPayload inside-out across hops, per
// spec.md §4.6's construction rule: a fresh ephemeral key pair per
// route, per-hop DH secrets, and encrypt-then-wrap from the innermost
// layer outward. The returned bytes are sent to hops[0]'s dial-info as
// a Route Operation.
//
// If terminal is non-nil, the innermost layer embeds it (tag
// tagPrivateRoute) instead of carrying finalPayload directly — this is
// how a safety route hands off into a receiver's published private
// route.
func BuildSafetyRoute(suite *veilcrypto.Suite, hops []RouteHop, finalPayload []byte, terminal *PrivateRoute) ([]byte, [32]byte, error) {
	if len(hops) == 0 || len(hops) > wire.MaxRouteHopCount {
		return nil, [32]byte{}, fmt.Errorf("routes: hop count %d out of range", len(hops))
	}
	for i, h := range hops {
		if h.PeerInfo == nil {
			return nil, [32]byte{}, fmt.Errorf("routes: construction requires full PeerInfo per hop")
		}
		if i > 0 && h.PeerInfo.NodeID.Kind != hops[0].PeerInfo.NodeID.Kind {
			return nil, [32]byte{}, fmt.Errorf("routes: mixed crypto kinds across hops not supported")
		}
	}

	routeKP, err := suite.GenerateKeyPair()
	if err != nil {
		return nil, [32]byte{}, err
	}

	var inner []byte
	if terminal != nil {
		inner = encodePrivateRoute(*terminal)
	} else {
		inner = finalPayload
	}

	for i := len(hops) - 1; i >= 0; i-- {
		h := hops[i]
		layer := innerLayer{Next: inner}
		if i == len(hops)-1 {
			if terminal != nil {
				layer.Tag = tagPrivateRoute
			} else {
				layer.Tag = tagMoreHops
				layer.NextAddr = "" // terminal safety hop: process locally
			}
		} else {
			layer.Tag = tagMoreHops
			layer.NextAddr = firstDialAddr(hops[i+1].PeerInfo)
		}
		plain := encodeInnerLayer(layer)

		ephPriv := routeKP.Private
		if i != 0 {
			// Each layer uses a fresh ephemeral key so a compromised hop
			// can't correlate keys across layers; only the outermost
			// uses the route's own key pair directly.
			fresh, err := suite.GenerateKeyPair()
			if err != nil {
				return nil, [32]byte{}, err
			}
			ephPriv = fresh.Private
		}
		peerPub := hopDHPublicKey(h.PeerInfo)

		shared, err := suite.ComputeDH(ephPriv, peerPub)
		if err != nil {
			return nil, [32]byte{}, err
		}
		key, err := hopKey(suite, shared)
		if err != nil {
			return nil, [32]byte{}, err
		}
		ct, err := suite.AEADEncrypt(key, plain, nil)
		if err != nil {
			return nil, [32]byte{}, err
		}

		var ephPub [32]byte
		pub, err := suite.ComputeDH(ephPriv, basepoint())
		if err != nil {
			return nil, [32]byte{}, err
		}
		ephPub = pub

		inner = encodeHopEnvelope(hopEnvelope{EphemeralPub: ephPub, Ciphertext: ct})
	}

	return inner, routeKP.Public, nil
}

// hopDHPublicKey extracts the X25519 public key a PeerInfo advertises
// for route-hop encryption. This core uses one crypto kind (VLD0),
// whose NodeID key doubles as the hop's DH public key once clamped —
// the same key material the teacher's hopInfo.PubKey field carries.
func hopDHPublicKey(p *wire.PeerInfo) [32]byte {
	var pub [32]byte
	copy(pub[:], p.NodeID.Key[:])
	return pub
}

func firstDialAddr(p *wire.PeerInfo) string {
	if len(p.SignedNodeInfo.Info.DialInfoDetails) == 0 {
		return ""
	}
	return p.SignedNodeInfo.Info.DialInfoDetails[0].DialInfo.Address
}

func encodePrivateRoute(pr PrivateRoute) []byte {
	out := make([]byte, 0, 32+1)
	out = append(out, pr.RoutePublicKey[:]...)
	out = append(out, byte(pr.HopCount))
	if pr.FirstHop != nil {
		out = append(out, pr.FirstHop.NodeID.Bytes()...)
	}
	return out
}

func decodePrivateRoute(b []byte) (PrivateRoute, error) {
	var pr PrivateRoute
	if len(b) < 33 {
		return pr, fmt.Errorf("routes: truncated private route")
	}
	copy(pr.RoutePublicKey[:], b[:32])
	pr.HopCount = int(b[32])
	if pr.HopCount > 0 && len(b) >= 33+32 {
		var id wire.NodeID
		copy(id.Key[:], b[33:65])
		pr.FirstHop = &RouteHop{NodeID: id}
	}
	return pr, nil
}

// basepoint is curve25519's well-known base point, re-exported here so
// build.go doesn't need a direct curve25519 import solely for deriving
// a public key from an ephemeral private key (veilcrypto.Suite already
// depends on curve25519 directly).
func basepoint() [32]byte {
	var bp [32]byte
	bp[0] = 9
	return bp
}
