package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilnet/internal/veilcrypto"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	m := NewMemoryStore()
	_, ok := m.Get("routing_table", []byte("k"))
	require.False(t, ok)

	require.NoError(t, m.Set("routing_table", []byte("k"), []byte("v1")))
	v, ok := m.Get("routing_table", []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, m.Delete("routing_table", []byte("k")))
	_, ok = m.Get("routing_table", []byte("k"))
	require.False(t, ok)
}

func TestMemoryStoreKeysIsolatedPerTable(t *testing.T) {
	m := NewMemoryStore()
	require.NoError(t, m.Set("a", []byte("x"), []byte("1")))
	require.NoError(t, m.Set("b", []byte("y"), []byte("2")))
	require.Len(t, m.Keys("a"), 1)
	require.Len(t, m.Keys("b"), 1)
	require.Empty(t, m.Keys("nonexistent"))
}

func TestProtectedStoreSealOpenRoundTrip(t *testing.T) {
	suite := veilcrypto.NewSuite(0)
	dir := t.TempDir()
	path := filepath.Join(dir, "protected.enc")
	pass := []byte("correct horse battery staple")

	ps := NewProtectedStore(suite, path, pass)
	require.NoError(t, ps.Set("node_identity", []byte("signing_key"), []byte("secretbytes")))
	require.NoError(t, ps.Save())

	reopened, err := OpenProtectedStore(suite, path, pass)
	require.NoError(t, err)
	v, ok := reopened.Get("node_identity", []byte("signing_key"))
	require.True(t, ok)
	require.Equal(t, []byte("secretbytes"), v)
}

func TestProtectedStoreWrongPassphraseFails(t *testing.T) {
	suite := veilcrypto.NewSuite(0)
	dir := t.TempDir()
	path := filepath.Join(dir, "protected.enc")

	ps := NewProtectedStore(suite, path, []byte("right-pass"))
	require.NoError(t, ps.Set("t", []byte("k"), []byte("v")))
	require.NoError(t, ps.Save())

	_, err := OpenProtectedStore(suite, path, []byte("wrong-pass"))
	require.ErrorIs(t, err, ErrWrongPassphrase)
}

func TestOpenProtectedStoreMissingFileIsNotError(t *testing.T) {
	suite := veilcrypto.NewSuite(0)
	dir := t.TempDir()
	path := filepath.Join(dir, "does-not-exist.enc")

	ps, err := OpenProtectedStore(suite, path, []byte("anything"))
	require.NoError(t, err)
	require.Empty(t, ps.Keys("anything"))
}

func TestRunAutosaveSavesOnCancel(t *testing.T) {
	suite := veilcrypto.NewSuite(0)
	dir := t.TempDir()
	path := filepath.Join(dir, "auto.enc")
	pass := []byte("pw")

	ps := NewProtectedStore(suite, path, pass)
	require.NoError(t, ps.Set("t", []byte("k"), []byte("v")))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunAutosave(ctx, ps, time.Hour)
		close(done)
	}()
	cancel()
	<-done

	reopened, err := OpenProtectedStore(suite, path, pass)
	require.NoError(t, err)
	v, ok := reopened.Get("t", []byte("k"))
	require.True(t, ok)
	require.Equal(t, []byte("v"), v)
}
