package veilnet

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"veilnet/internal/storage"
)

func testSecrets(seed byte) storage.Secrets {
	var s storage.Secrets
	for i := range s.SigningSeed {
		s.SigningSeed[i] = seed
	}
	for i := range s.DHPrivate {
		s.DHPrivate[i] = seed + 1
	}
	for i := range s.RoutePriv {
		s.RoutePriv[i] = seed + 2
	}
	return s
}

func TestInitRejectsSecondInstance(t *testing.T) {
	n1, err := Init(DefaultConfig(), testSecrets(1), storage.NewMemoryStore())
	require.NoError(t, err)
	defer n1.Shutdown()

	_, err = Init(DefaultConfig(), testSecrets(2), storage.NewMemoryStore())
	require.ErrorIs(t, err, ErrAlreadyAttached)
}

func TestShutdownReleasesGlobalSlot(t *testing.T) {
	n1, err := Init(DefaultConfig(), testSecrets(3), storage.NewMemoryStore())
	require.NoError(t, err)
	require.NoError(t, n1.Shutdown())

	n2, err := Init(DefaultConfig(), testSecrets(4), storage.NewMemoryStore())
	require.NoError(t, err)
	defer n2.Shutdown()
	require.Equal(t, Detached, n2.State())
}

func TestAttachDetachLifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ListenUDP = "127.0.0.1:0"
	cfg.ListenTCP = "127.0.0.1:0"

	n, err := Init(cfg, testSecrets(5), storage.NewMemoryStore())
	require.NoError(t, err)
	defer n.Shutdown()

	require.Equal(t, Detached, n.State())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, n.Attach(ctx))
	require.Equal(t, Attached, n.State())

	d, err := n.Dispatcher()
	require.NoError(t, err)
	require.NotNil(t, d)

	require.NoError(t, n.Detach())
	require.Equal(t, Detached, n.State())

	_, err = n.Dispatcher()
	require.ErrorIs(t, err, ErrNotAttached)
}

func TestDetachFromDetachedIsRejected(t *testing.T) {
	n, err := Init(DefaultConfig(), testSecrets(6), storage.NewMemoryStore())
	require.NoError(t, err)
	defer n.Shutdown()

	err = n.Detach()
	require.ErrorIs(t, err, ErrWrongState)
}

func TestSelfIDDerivesFromDHPrivate(t *testing.T) {
	secrets := testSecrets(7)
	n, err := Init(DefaultConfig(), secrets, storage.NewMemoryStore())
	require.NoError(t, err)
	defer n.Shutdown()

	id := n.SelfID()
	require.NotEqual(t, [32]byte{}, id.Key)
}
