package store

import (
	"context"
	"fmt"
	"path/filepath"
	"os"
	"testing"
	"time"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"github.com/stretchr/testify/require"
)

func TestNonceStoreRejectsReplay(t *testing.T) {
	db, err := Open(MemoryDSN(fmt.Sprintf("nonce-%d", time.Now().UnixNano())))
	require.NoError(t, err)
	store, err := NewNonceStore(db, 10*time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, store.CheckAndStore(ctx, "abc", now))
	require.ErrorIs(t, store.CheckAndStore(ctx, "abc", now.Add(time.Minute)), auth.ErrNonceReplayed)

	// after the retention window the record is purged
	require.NoError(t, store.CheckAndStore(ctx, "abc", now.Add(11*time.Minute)))

	var count int64
	require.NoError(t, db.Model(&UsedNonce{}).Count(&count).Error)
	require.EqualValues(t, 1, count)
}

func TestOpenRestrictsPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "edgepulse.db")
	db, err := Open(path)
	require.NoError(t, err)
	_, err = NewNonceStore(db, time.Minute)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
