package veilcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDHAgreement(t *testing.T) {
	s := NewSuite(16)
	a, err := s.GenerateKeyPair()
	require.NoError(t, err)
	b, err := s.GenerateKeyPair()
	require.NoError(t, err)

	sharedA, err := s.ComputeDH(a.Private, b.Public)
	require.NoError(t, err)
	sharedB, err := s.ComputeDH(b.Private, a.Public)
	require.NoError(t, err)
	require.Equal(t, sharedA, sharedB)
}

func TestCachedDHMatchesUncached(t *testing.T) {
	s := NewSuite(4)
	a, err := s.GenerateKeyPair()
	require.NoError(t, err)
	b, err := s.GenerateKeyPair()
	require.NoError(t, err)

	want, err := s.ComputeDH(a.Private, b.Public)
	require.NoError(t, err)

	got1, err := s.CachedDH(a.Private, b.Public)
	require.NoError(t, err)
	require.Equal(t, want, got1)

	got2, err := s.CachedDH(a.Private, b.Public)
	require.NoError(t, err)
	require.Equal(t, want, got2)
}

func TestSignVerify(t *testing.T) {
	s := NewSuite(4)
	kp, err := s.GenerateSigningKeyPair()
	require.NoError(t, err)

	msg := []byte("find-node question body")
	sig := s.Sign(kp.Private, msg)
	require.True(t, s.Verify(kp.Public, msg, sig))

	tampered := append([]byte{}, msg...)
	tampered[0] ^= 0xFF
	require.False(t, s.Verify(kp.Public, tampered, sig))
}

func TestAEADRoundTrip(t *testing.T) {
	s := NewSuite(4)
	var key [32]byte
	copy(key[:], mustRandom(s, 32))

	plaintext := []byte("route hop payload")
	ct, err := s.AEADEncrypt(key, plaintext, []byte("aad"))
	require.NoError(t, err)

	pt, err := s.AEADDecrypt(key, ct, []byte("aad"))
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)

	// Tampering must fail closed, never panic or leak the cause.
	ct[len(ct)-1] ^= 0x01
	_, err = s.AEADDecrypt(key, ct, []byte("aad"))
	require.ErrorIs(t, err, ErrCryptoInvalid)
}

func TestAEADNoncesAreFresh(t *testing.T) {
	s := NewSuite(4)
	var key [32]byte
	seen := map[string]bool{}
	for i := 0; i < 64; i++ {
		ct, err := s.AEADEncrypt(key, []byte("x"), nil)
		require.NoError(t, err)
		nonce := string(ct[:NonceSize])
		require.False(t, seen[nonce], "nonce reused within session")
		seen[nonce] = true
	}
}

func TestDistanceOrdering(t *testing.T) {
	target := []byte{0x05}
	near := []byte{0x04}
	far := []byte{0xFF}
	dNear := Distance(target, near)
	dFar := Distance(target, far)
	require.Less(t, dNear[0], dFar[0])
}

func TestPasswordHashRoundTrip(t *testing.T) {
	s := NewSuite(4)
	salt, err := s.RandomBytes(16)
	require.NoError(t, err)
	h := s.HashPassword([]byte("correct horse"), salt)
	require.True(t, s.VerifyPassword([]byte("correct horse"), salt, h))
	require.False(t, s.VerifyPassword([]byte("wrong"), salt, h))
}

func mustRandom(s *Suite, n int) []byte {
	b, err := s.RandomBytes(n)
	if err != nil {
		panic(err)
	}
	return b
}
