package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"veilnet/internal/veilcrypto"
)

// protectedMagic tags a sealed protected-store file so openProtected can
// reject foreign or stale formats outright instead of failing deep into
// AEAD decryption.
var protectedMagic = []byte("VLDP1")

const saltSize = 16

// ErrWrongPassphrase is returned by OpenProtectedStore when the AEAD
// fails to open, the overwhelmingly likely cause being a bad passphrase
// rather than corruption (spec.md's protected-store unlock operation).
var ErrWrongPassphrase = errors.New("storage: wrong passphrase or corrupted protected store")

// ProtectedStore holds secrets (node keypairs, remote private-route
// blobs, signed watch leases) that must survive a restart but are never
// written to disk in the clear. It seals its entire table set as one
// Argon2id-derived-key XChaCha20-Poly1305 blob, the same envelope shape
// the teacher uses for env.enc: magic | salt | length | nonce+ciphertext.
type ProtectedStore struct {
	mu     sync.RWMutex
	suite  *veilcrypto.Suite
	path   string
	pass   []byte
	tables map[string]map[string][]byte
	dirty  bool
}

type protectedPayload struct {
	Tables map[string]map[string][]byte `json:"tables"`
}

// NewProtectedStore creates an empty, unsealed protected store bound to
// path. Call Save to seal it to disk for the first time.
func NewProtectedStore(suite *veilcrypto.Suite, path string, passphrase []byte) *ProtectedStore {
	return &ProtectedStore{
		suite:  suite,
		path:   path,
		pass:   append([]byte(nil), passphrase...),
		tables: make(map[string]map[string][]byte),
	}
}

// OpenProtectedStore decrypts an existing sealed file. A missing file is
// not an error: the caller gets a fresh, empty store, matching the
// teacher's "file missing on first run is normal" behavior.
func OpenProtectedStore(suite *veilcrypto.Suite, path string, passphrase []byte) (*ProtectedStore, error) {
	ps := NewProtectedStore(suite, path, passphrase)
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ps, nil
	}
	if err != nil {
		return nil, err
	}
	payload, err := openSealed(suite, raw, passphrase)
	if err != nil {
		return nil, err
	}
	var p protectedPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("storage: protected store payload: %w", err)
	}
	if p.Tables != nil {
		ps.tables = p.Tables
	}
	return ps, nil
}

func sealPayload(suite *veilcrypto.Suite, passphrase, plain []byte) ([]byte, error) {
	salt, err := suite.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], suite.HashPassword(passphrase, salt))
	ct, err := suite.AEADEncrypt(key, plain, nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(protectedMagic)+saltSize+4+len(ct))
	out = append(out, protectedMagic...)
	out = append(out, salt...)
	var lbuf [4]byte
	binary.BigEndian.PutUint32(lbuf[:], uint32(len(plain)))
	out = append(out, lbuf[:]...)
	out = append(out, ct...)
	return out, nil
}

func openSealed(suite *veilcrypto.Suite, raw, passphrase []byte) ([]byte, error) {
	min := len(protectedMagic) + saltSize + 4
	if len(raw) < min {
		return nil, fmt.Errorf("storage: protected store file too short")
	}
	if string(raw[:len(protectedMagic)]) != string(protectedMagic) {
		return nil, fmt.Errorf("storage: bad protected store magic")
	}
	off := len(protectedMagic)
	salt := raw[off : off+saltSize]
	off += saltSize
	off += 4 // plaintext length hint, informational only
	ct := raw[off:]

	var key [32]byte
	copy(key[:], suite.HashPassword(passphrase, salt))
	plain, err := suite.AEADDecrypt(key, ct, nil)
	if err != nil {
		return nil, ErrWrongPassphrase
	}
	return plain, nil
}

func (ps *ProtectedStore) Get(table string, key []byte) ([]byte, bool) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	t, ok := ps.tables[table]
	if !ok {
		return nil, false
	}
	v, ok := t[string(key)]
	return v, ok
}

func (ps *ProtectedStore) Set(table string, key, value []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	t, ok := ps.tables[table]
	if !ok {
		t = make(map[string][]byte)
		ps.tables[table] = t
	}
	t[string(key)] = append([]byte(nil), value...)
	ps.dirty = true
	return nil
}

func (ps *ProtectedStore) Delete(table string, key []byte) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if t, ok := ps.tables[table]; ok {
		delete(t, string(key))
		ps.dirty = true
	}
	return nil
}

func (ps *ProtectedStore) Keys(table string) [][]byte {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	t, ok := ps.tables[table]
	if !ok {
		return nil
	}
	out := make([][]byte, 0, len(t))
	for k := range t {
		out = append(out, []byte(k))
	}
	return out
}

// Save seals the current table set and writes it to disk, a no-op if
// nothing has changed since the last Save.
func (ps *ProtectedStore) Save() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if !ps.dirty {
		return nil
	}
	plain, err := json.Marshal(protectedPayload{Tables: ps.tables})
	if err != nil {
		return err
	}
	sealed, err := sealPayload(ps.suite, ps.pass, plain)
	if err != nil {
		return err
	}
	if err := os.WriteFile(ps.path, sealed, 0o600); err != nil {
		return err
	}
	ps.dirty = false
	return nil
}

// RunAutosave periodically seals the store to disk until ctx is
// cancelled, mirroring the teacher's fixed-interval peers.enc autosave
// loop but driven off the dirty flag so an idle store doesn't rewrite
// the file every tick.
func RunAutosave(ctx context.Context, ps *ProtectedStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = ps.Save()
			return
		case <-ticker.C:
			_ = ps.Save()
		}
	}
}
