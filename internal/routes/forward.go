package routes

import (
	"fmt"

	"veilnet/internal/veilcrypto"
)

// PeelResult is what an intermediate (or terminal) node learns after
// decrypting one onion layer.
type PeelResult struct {
	// Forward is true when another hop must receive Next at NextAddr.
	Forward  bool
	NextAddr string
	Next     []byte

	// Terminal is true when this node is the final recipient: Payload
	// is the fully-unwrapped inner operation bytes.
	Terminal bool
	Payload  []byte

	// RevealedPrivateRoute is set when the peeled layer's tag was
	// tagPrivateRoute: forwarding continues into the private route
	// rather than the safety route.
	RevealedPrivateRoute *PrivateRoute
}

// PeelOneLayer decrypts one safety/private-route layer using this
// node's own DH private key, per spec.md §4.6's forwarding rule:
// decrypt with DH(SK_self, PK_ephemeral), inspect the tag, and either
// forward, reveal a PrivateRoute, or deliver locally.
func PeelOneLayer(suite *veilcrypto.Suite, selfPriv [32]byte, blob []byte) (PeelResult, error) {
	env, err := decodeHopEnvelope(blob)
	if err != nil {
		return PeelResult{}, err
	}
	shared, err := suite.ComputeDH(selfPriv, env.EphemeralPub)
	if err != nil {
		return PeelResult{}, fmt.Errorf("%w", veilcrypto.ErrCryptoInvalid)
	}
	key, err := hopKey(suite, shared)
	if err != nil {
		return PeelResult{}, err
	}
	plain, err := suite.AEADDecrypt(key, env.Ciphertext, nil)
	if err != nil {
		return PeelResult{}, err // veilcrypto.ErrCryptoInvalid, fails closed
	}
	layer, err := decodeInnerLayer(plain)
	if err != nil {
		return PeelResult{}, err
	}

	switch layer.Tag {
	case tagPrivateRoute:
		pr, err := decodePrivateRoute(layer.Next)
		if err != nil {
			return PeelResult{}, err
		}
		return PeelResult{RevealedPrivateRoute: &pr}, nil
	case tagMoreHops:
		if layer.NextAddr == "" {
			return PeelResult{Terminal: true, Payload: layer.Next}, nil
		}
		return PeelResult{Forward: true, NextAddr: layer.NextAddr, Next: layer.Next}, nil
	default:
		return PeelResult{}, fmt.Errorf("routes: unknown layer tag %d", layer.Tag)
	}
}
