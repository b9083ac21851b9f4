package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryNonceStoreSingleUse(t *testing.T) {
	store := NewMemoryNonceStore(10 * time.Minute)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CheckAndStore(ctx, "n1", now))
	require.ErrorIs(t, store.CheckAndStore(ctx, "n1", now.Add(9*time.Minute)), ErrNonceReplayed)
	require.NoError(t, store.CheckAndStore(ctx, "n2", now))
}

func TestMemoryNonceStorePurgesOnWrite(t *testing.T) {
	store := NewMemoryNonceStore(time.Minute)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, store.CheckAndStore(ctx, "old", now))
	require.NoError(t, store.CheckAndStore(ctx, "fresh", now.Add(2*time.Minute)))
	require.Equal(t, 1, store.Len())

	// purged nonces are forgotten; reuse is no longer detected
	require.NoError(t, store.CheckAndStore(ctx, "old", now.Add(2*time.Minute)))
}

func TestGenerateSecretAndNonce(t *testing.T) {
	secret, err := GenerateSecret()
	require.NoError(t, err)
	require.Len(t, secret, 64)

	a, err := GenerateNonce()
	require.NoError(t, err)
	b, err := GenerateNonce()
	require.NoError(t, err)
	require.Len(t, a, 32)
	require.NotEqual(t, a, b)

	require.True(t, SecureCompare(secret, secret))
	require.False(t, SecureCompare(secret, a))
}

func TestTokenHasherIsDeterministicPerSalt(t *testing.T) {
	h1 := NewTokenHasher([]byte("salt-a"))
	h2 := NewTokenHasher([]byte("salt-b"))
	require.Equal(t, h1.HashString("key"), h1.HashString("key"))
	require.NotEqual(t, h1.HashString("key"), h2.HashString("key"))
}
