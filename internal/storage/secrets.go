package storage

import "encoding/json"

// Secrets is the node's long-lived key material: the ed25519 seed
// backing its signing identity, the X25519 private half backing its
// NodeID key (Node.Attach also hands it to the RPC Dispatcher for
// peeling route hops), and RoutePriv, which is stored but not read by
// package veilnet. Bundled as one
// value so veilnet.Init has a single thing to load or generate, even
// though ProtectedStore itself only knows about opaque table entries.
type Secrets struct {
	SigningSeed [32]byte
	DHPrivate   [32]byte
	RoutePriv   [32]byte
}

const secretsTable = "node_secrets"

var secretsKey = []byte("identity")

// SaveSecrets writes s into ps's node_secrets table. Callers still need
// to call ps.Save() to persist it to disk.
func SaveSecrets(ps *ProtectedStore, s Secrets) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return ps.Set(secretsTable, secretsKey, b)
}

// LoadSecrets reads a previously saved Secrets bundle from ps.
func LoadSecrets(ps *ProtectedStore) (Secrets, bool) {
	var s Secrets
	b, ok := ps.Get(secretsTable, secretsKey)
	if !ok {
		return s, false
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return Secrets{}, false
	}
	return s, true
}
