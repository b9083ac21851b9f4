package fleet

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgepulse/edgepulse/pkg/store"
	"github.com/stretchr/testify/require"
)

var dbSeq atomic.Int64

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()
	db, err := store.Open(store.MemoryDSN(fmt.Sprintf("fleet-%d", dbSeq.Add(1))))
	require.NoError(t, err)
	reg, err := NewRegistry(db)
	require.NoError(t, err)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	return reg, &now
}

func TestHeartbeatRequiresClientID(t *testing.T) {
	reg, _ := newTestRegistry(t)
	_, err := reg.RecordHeartbeat(context.Background(), map[string]any{"hostname": "h"})
	require.ErrorIs(t, err, ErrMissingClientID)
}

func TestHeartbeatAdvancesAndReportsPresence(t *testing.T) {
	reg, now := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RecordHeartbeat(ctx, map[string]any{"client_id": "old", "hostname": "old-host"})
	require.NoError(t, err)

	*now = now.Add(100 * time.Second)
	first, err := reg.RecordHeartbeat(ctx, map[string]any{"client_id": "new", "hostname": "new-host"})
	require.NoError(t, err)

	*now = now.Add(50 * time.Second)
	second, err := reg.RecordHeartbeat(ctx, map[string]any{"client_id": "new", "hostname": "new-host", "uptime": 42})
	require.NoError(t, err)
	require.True(t, second.LastHeartbeat.After(first.LastHeartbeat))

	report, err := reg.Presence(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 2, report.Total)
	require.Equal(t, 1, report.Online)
	require.Equal(t, 1, report.Offline)
	require.Equal(t, "new", report.Clients[0].ClientID)
	require.Equal(t, "online", report.Clients[0].Status)
	require.Equal(t, "offline", report.Clients[1].Status)
	require.Contains(t, report.Clients[0].Info, "uptime")

	report, err = reg.Presence(ctx, time.Hour)
	require.NoError(t, err)
	require.Equal(t, 2, report.Online)
}

func TestLogsKeepArrivalOrder(t *testing.T) {
	reg, now := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		*now = now.Add(time.Second)
		rec, err := reg.AppendLog(ctx, map[string]any{"seq": i, "timestamp": fmt.Sprintf("t%d", i)})
		require.NoError(t, err)
		require.Contains(t, rec, ReceivedAtField)
	}

	logs, total, err := reg.RecentLogs(ctx, 2)
	require.NoError(t, err)
	require.EqualValues(t, 5, total)
	require.Len(t, logs, 2)
	require.Equal(t, "3", fmt.Sprint(logs[0]["seq"]))
	require.Equal(t, "4", fmt.Sprint(logs[1]["seq"]))

	stats, err := reg.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 5, stats.TotalRecords)
	require.Equal(t, "t4", stats.LatestTimestamp)

	_, err = reg.AppendLog(ctx, nil)
	require.Error(t, err)
}
