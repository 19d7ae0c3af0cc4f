// Package veilcrypto implements the core's versioned cryptographic suite:
// key exchange, signatures, AEAD, hashing and password KDF, all tagged by
// a 4-byte crypto-kind so the wire format stays interoperable end to end.
package veilcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// Kind tags an interoperable primitive suite. Four ASCII bytes, matching
// spec.md §4.1/§6 ("VLD0" for the baseline suite).
type Kind [4]byte

// KindBaseline is the only suite this core implements: X25519 + Ed25519 +
// XChaCha20-Poly1305 + BLAKE3.
var KindBaseline = Kind{'V', 'L', 'D', '0'}

func (k Kind) String() string { return string(k[:]) }

// ErrCryptoInvalid is returned (never surfaced to a remote peer — see
// spec.md §7) whenever a signature or AEAD check fails closed.
var ErrCryptoInvalid = errors.New("veilcrypto: invalid")

const (
	PublicKeySize  = 32
	PrivateKeySize = 32
	SignatureSize  = ed25519.SignatureSize
	HashSize       = 32
	NonceSize      = chacha20poly1305.NonceSizeX
)

// KeyPair is a DH-capable X25519 key pair; its public half is the
// NodeID key. Node identity signing uses a separate Ed25519 pair with
// its own, independent seed.
type KeyPair struct {
	Public  [PublicKeySize]byte
	Private [PrivateKeySize]byte
}

// SigningKeyPair is the Ed25519 pair used for signatures.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// Suite is the capability set for one crypto kind, matching DESIGN NOTES
// §9's "tagged variant": a closed set of {sign, verify, dh, hash, aead,
// kdf, random} operations addressed by Kind.
type Suite struct {
	kind  Kind
	dhMu  sync.Mutex
	dhLRU *lru.Cache[dhCacheKey, [32]byte]
}

// NewSuite constructs the baseline suite with a bounded cached-DH LRU.
func NewSuite(cacheSize int) *Suite {
	if cacheSize <= 0 {
		cacheSize = 1024
	}
	c, err := lru.New[dhCacheKey, [32]byte](cacheSize)
	if err != nil {
		panic(err) // only fails on cacheSize <= 0, guarded above
	}
	return &Suite{kind: KindBaseline, dhLRU: c}
}

func (s *Suite) Kind() Kind { return s.kind }

// GenerateKeyPair produces a fresh X25519 DH key pair.
func (s *Suite) GenerateKeyPair() (KeyPair, error) {
	var kp KeyPair
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return kp, err
	}
	clamp(&kp.Private)
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return kp, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// GenerateSigningKeyPair produces a fresh Ed25519 signing pair.
func (s *Suite) GenerateSigningKeyPair() (SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeyPair{}, err
	}
	return SigningKeyPair{Public: pub, Private: priv}, nil
}

func clamp(priv *[32]byte) {
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
}

// Sign produces an Ed25519 signature over msg.
func (s *Suite) Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify fails closed: any malformed input is treated as invalid, never
// as an error to propagate.
func (s *Suite) Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// ComputeDH performs X25519(priv, peerPub) uncached.
func (s *Suite) ComputeDH(priv [32]byte, peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(priv[:], peerPub[:])
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrCryptoInvalid, err)
	}
	copy(out[:], shared)
	return out, nil
}

type dhCacheKey struct {
	priv [32]byte
	pub  [32]byte
}

// CachedDH memoizes ComputeDH results in a bounded LRU, keyed by the
// (local private, remote public) pair, per spec.md §4.1.
func (s *Suite) CachedDH(priv [32]byte, peerPub [32]byte) ([32]byte, error) {
	key := dhCacheKey{priv: priv, pub: peerPub}
	s.dhMu.Lock()
	if v, ok := s.dhLRU.Get(key); ok {
		s.dhMu.Unlock()
		return v, nil
	}
	s.dhMu.Unlock()

	shared, err := s.ComputeDH(priv, peerPub)
	if err != nil {
		return shared, err
	}
	s.dhMu.Lock()
	s.dhLRU.Add(key, shared)
	s.dhMu.Unlock()
	return shared, nil
}

// Hash returns the BLAKE3-256 digest of data, used both for content
// addressing (blocks) and canonical-encoding integrity checks.
func (s *Suite) Hash(data []byte) [HashSize]byte {
	return blake3.Sum256(data)
}

// RandomBytes fills n CSPRNG bytes.
func (s *Suite) RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// RandomNonce returns a fresh XChaCha20-Poly1305 nonce. Per spec.md §4.1,
// nonces must never repeat within a (key, direction) pair; the 192-bit
// XChaCha nonce space makes random generation safe without a counter.
func (s *Suite) RandomNonce() ([NonceSize]byte, error) {
	var n [NonceSize]byte
	_, err := rand.Read(n[:])
	return n, err
}

// AEADEncrypt seals plaintext under key with a fresh random nonce,
// prepending the nonce to the ciphertext.
func (s *Suite) AEADEncrypt(key [32]byte, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	nonce, err := s.RandomNonce()
	if err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce[:], plaintext, aad)
	return append(nonce[:], ct...), nil
}

// AEADDecrypt opens a nonce||ciphertext blob produced by AEADEncrypt.
// Any failure — truncated input, wrong key, tampered tag — is reported
// uniformly as ErrCryptoInvalid so callers fail closed without leaking
// which part of the input was wrong.
func (s *Suite) AEADDecrypt(key [32]byte, nonceAndCT, aad []byte) ([]byte, error) {
	if len(nonceAndCT) < NonceSize {
		return nil, ErrCryptoInvalid
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, ErrCryptoInvalid
	}
	nonce := nonceAndCT[:NonceSize]
	ct := nonceAndCT[NonceSize:]
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrCryptoInvalid
	}
	return pt, nil
}

// CryptNoAuth XORs data with an XChaCha20 keystream (no Poly1305 tag).
// Used for re-encrypting route-hop payloads where each hop only needs
// confidentiality for its own layer, not end-to-end authentication (the
// per-hop signature list in RoutedOperation covers integrity instead).
// nonce must be unique per (key, direction) within the route's lifetime.
func (s *Suite) CryptNoAuth(key [32]byte, nonce [NonceSize]byte, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	// Seal/Open with an empty destination buffer sized for the stream
	// only: drop the Poly1305 tag Seal appends, since this primitive is
	// explicitly unauthenticated (the tag would be meaningless without a
	// matching Open call). We derive a keystream by sealing zero bytes
	// and XOR'ing, equivalent to a stream cipher under this AEAD's core.
	zero := make([]byte, len(data))
	full := aead.Seal(nil, nonce[:], zero, nil)
	stream := full[:len(data)]
	out := make([]byte, len(data))
	for i := range data {
		out[i] = data[i] ^ stream[i]
	}
	return out, nil
}

// DeriveSharedSecret expands a raw DH secret and salt into n bytes of
// symmetric key material via HKDF-SHA256, used for route-hop key
// derivation. Despite the name it never sees a password — HashPassword
// is the Argon2id path for passphrase-derived keys.
func (s *Suite) DeriveSharedSecret(secret, salt []byte, info string, n int) ([]byte, error) {
	h := hkdf.New(sha256.New, secret, salt, []byte(info))
	out := make([]byte, n)
	if _, err := io.ReadFull(h, out); err != nil {
		return nil, err
	}
	return out, nil
}

// HashPassword derives a 32-byte key from a passphrase using Argon2id
// (memory-hard KDF named by spec.md §4.1), matching the teacher's own
// env.enc sealing parameters (m=64MiB, t=2, p=1).
func (s *Suite) HashPassword(pass, salt []byte) []byte {
	return argon2.IDKey(pass, salt, 2, 64*1024, 1, 32)
}

// VerifyPassword re-derives the password hash and compares it with want
// in constant time; this helper exists so callers don't hand-roll the
// comparison.
func (s *Suite) VerifyPassword(pass, salt, want []byte) bool {
	got := s.HashPassword(pass, salt)
	if len(got) != len(want) {
		return false
	}
	var diff byte
	for i := range got {
		diff |= got[i] ^ want[i]
	}
	return diff == 0
}

// Distance returns the XOR distance between two equal-length keys as a
// big-endian unsigned integer, used to order routing-table entries and
// private-route hop selection by closeness/farness.
func Distance(a, b []byte) []byte {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	ap := leftPad(a, n)
	bp := leftPad(b, n)
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = ap[i] ^ bp[i]
	}
	return out
}

func leftPad(b []byte, n int) []byte {
	if len(b) >= n {
		return b
	}
	p := make([]byte, n-len(b))
	return append(p, b...)
}
