package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"github.com/edgepulse/edgepulse/pkg/config"
	"github.com/edgepulse/edgepulse/pkg/store"
	"github.com/stretchr/testify/require"
)

func TestOpenDurableNonceStoreReportsCause(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	_, err := openDurableNonceStore(filepath.Join(blocker, "nonces.db"), auth.DefaultNonceRetention)
	require.ErrorContains(t, err, "create nonce directory")
}

func TestOpenNonceStoreFallsBackToMemory(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	cfg := config.DefaultConfig()
	cfg.Storage.Database = filepath.Join(blocker, "nonces.db")
	require.IsType(t, &auth.MemoryNonceStore{}, openNonceStore(cfg))
}

func TestOpenNonceStoreIsDurable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Storage.Database = filepath.Join(t.TempDir(), "state", "nonces.db")

	nonces := openNonceStore(cfg)
	require.IsType(t, &store.NonceStore{}, nonces)

	now := time.Now()
	require.NoError(t, nonces.CheckAndStore(context.Background(), "n-1", now))
	require.ErrorIs(t, nonces.CheckAndStore(context.Background(), "n-1", now), auth.ErrNonceReplayed)
}
