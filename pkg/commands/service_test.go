package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"github.com/edgepulse/edgepulse/pkg/credentials"
	"github.com/edgepulse/edgepulse/pkg/store"
	"github.com/edgepulse/edgepulse/pkg/whitelist"
	"github.com/stretchr/testify/require"
)

var dbSeq atomic.Int64

const testWhitelist = `
commands:
  system_info:
    cmd: "uname -a"
    category: system
  ping_host:
    cmd: "ping -c {count} {host}"
    params: [host, count]
    param_validators:
      host: {type: ip}
      count: {type: integer, min: 1, max: 10}
    timeout: 30
  unbound:
    cmd: "echo {other}"
    params: [value]
  uptime:
    cmd: "uptime"
  df:
    cmd: "df -h"
`

type fixture struct {
	svc    *Service
	creds  *credentials.Store
	secret string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := store.Open(store.MemoryDSN(fmt.Sprintf("commands-%d", dbSeq.Add(1))))
	require.NoError(t, err)

	creds, err := credentials.New(db)
	require.NoError(t, err)
	secret, err := creds.RegisterClient(context.Background(), "edge-01")
	require.NoError(t, err)
	_, err = creds.RegisterClient(context.Background(), "edge-02")
	require.NoError(t, err)

	wl, err := whitelist.Parse([]byte(testWhitelist))
	require.NoError(t, err)

	svc, err := NewService(db, wl, auth.NewSigner(creds))
	require.NoError(t, err)
	return fixture{svc: svc, creds: creds, secret: secret}
}

// issue queues commandID for clientID and returns its command_uuid.
func (f fixture) issue(t *testing.T, clientID, commandID string) string {
	t.Helper()
	cmd, err := f.svc.Queue(context.Background(), clientID, commandID, nil, "root")
	require.NoError(t, err)
	return cmd.CommandUUID
}

func TestQueueProducesVerifiableCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cmd, err := f.svc.Queue(ctx, "edge-01", "ping_host", map[string]any{"host": "10.0.0.1", "count": "2"}, "root")
	require.NoError(t, err)
	require.Equal(t, "ping -c 2 10.0.0.1", cmd.CommandString)
	require.Equal(t, "root", cmd.QueuedBy)
	require.Equal(t, StatusPending, cmd.Status)
	require.Equal(t, 30, cmd.Timeout)

	popped, err := f.svc.Pop(ctx, "edge-01")
	require.NoError(t, err)
	require.NotNil(t, popped)

	raw, err := json.Marshal(popped)
	require.NoError(t, err)
	payload, err := auth.DecodePayload(raw)
	require.NoError(t, err)

	verifier := auth.NewVerifier(auth.NewMemoryNonceStore(0), 0)
	require.NoError(t, verifier.VerifyCommandSignature(ctx, payload, f.secret))
	require.ErrorIs(t, verifier.VerifyCommandSignature(ctx, payload, f.secret), auth.ErrNonceReplayed)
}

func TestQueueFailuresLeaveNoState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		clientID string
		command  string
		params   map[string]any
		check    func(t *testing.T, err error)
	}{
		{"unknown command", "edge-01", "rm_everything", nil, func(t *testing.T, err error) {
			require.ErrorIs(t, err, ErrCommandNotWhitelisted)
		}},
		{"bad param", "edge-01", "ping_host", map[string]any{"host": "1.2.3", "count": "1"}, func(t *testing.T, err error) {
			var vErr *whitelist.ValidationError
			require.True(t, errors.As(err, &vErr))
		}},
		{"injection", "edge-01", "ping_host", map[string]any{"host": "10.0.0.1", "count": "1;reboot"}, func(t *testing.T, err error) {
			require.Error(t, err)
		}},
		{"unbound placeholder", "edge-01", "unbound", map[string]any{"value": "x"}, func(t *testing.T, err error) {
			require.ErrorContains(t, err, "unbound placeholder")
		}},
		{"unknown client", "ghost", "system_info", nil, func(t *testing.T, err error) {
			require.ErrorIs(t, err, ErrClientNotRegistered)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Queue(ctx, tt.clientID, tt.command, tt.params, "root")
			tt.check(t, err)
		})
	}

	pending, err := f.svc.Pending(ctx, "edge-01")
	require.NoError(t, err)
	require.Empty(t, pending)
	audit, err := f.svc.Audit(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, audit)
}

func TestQueueIsFIFO(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var uuids []string
	for i := 1; i <= 3; i++ {
		cmd, err := f.svc.Queue(ctx, "edge-01", "ping_host", map[string]any{"host": "10.0.0.1", "count": fmt.Sprint(i)}, "root")
		require.NoError(t, err)
		uuids = append(uuids, cmd.CommandUUID)
	}

	pending, err := f.svc.Pending(ctx, "edge-01")
	require.NoError(t, err)
	require.Len(t, pending, 3)

	for _, want := range uuids {
		got, err := f.svc.Pop(ctx, "edge-01")
		require.NoError(t, err)
		require.NotNil(t, got)
		require.Equal(t, want, got.CommandUUID)
	}
	empty, err := f.svc.Pop(ctx, "edge-01")
	require.NoError(t, err)
	require.Nil(t, empty)
}

func TestConcurrentPopDeliversOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, err := f.svc.Queue(ctx, "edge-01", "system_info", nil, "root")
		require.NoError(t, err)
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cmd, err := f.svc.Pop(ctx, "edge-01")
			if err != nil || cmd == nil {
				return
			}
			mu.Lock()
			seen[cmd.CommandUUID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, seen, 10)
	for uuid, n := range seen {
		require.Equal(t, 1, n, uuid)
	}
}

func TestClearPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := f.svc.Queue(ctx, "edge-01", "system_info", nil, "root")
		require.NoError(t, err)
	}
	n, err := f.svc.Clear(ctx, "edge-01")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = f.svc.Clear(ctx, "edge-01")
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestStoreResultTruncatesAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.issue(t, "edge-01", "system_info")

	stored, err := f.svc.StoreResult(ctx, Result{
		CommandUUID: id,
		CommandID:   "reported-by-device",
		ClientID:    "edge-01",
		Stdout:      strings.Repeat("a", 100000),
		Stderr:      "short",
	})
	require.NoError(t, err)
	require.True(t, stored.Truncated)
	require.Equal(t, MaxOutputSize+len(TruncatedMarker), len(stored.Stdout))
	require.True(t, strings.HasSuffix(stored.Stdout, TruncatedMarker))
	require.Equal(t, "short", stored.Stderr)
	require.Equal(t, StatusSuccess, stored.Status)
	require.Equal(t, "system_info", stored.CommandID)
	require.False(t, stored.ResultReceivedAt.IsZero())

	got, ok, err := f.svc.ResultByUUID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Truncated)

	_, err = f.svc.StoreResult(ctx, Result{CommandUUID: id, ClientID: "edge-01"})
	require.ErrorIs(t, err, ErrDuplicateResult)

	_, err = f.svc.StoreResult(ctx, Result{ClientID: "edge-01"})
	require.ErrorIs(t, err, ErrMissingCommandUUID)

	_, ok, err = f.svc.ResultByUUID(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	audit, err := f.svc.Audit(ctx, 10)
	require.NoError(t, err)
	require.Len(t, audit, 2)
	require.Equal(t, EventCompleted, audit[0].EventType)
	require.Equal(t, "edge-01", audit[0].User)
	require.NotNil(t, audit[0].ExitCode)
	require.Equal(t, EventQueued, audit[1].EventType)
}

func TestStoreResultRequiresIssuedCommand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.issue(t, "edge-01", "uptime")

	_, err := f.svc.StoreResult(ctx, Result{CommandUUID: id, ClientID: "edge-02", Stdout: "forged"})
	require.ErrorIs(t, err, ErrCommandNotIssued)

	_, err = f.svc.StoreResult(ctx, Result{CommandUUID: "never-queued", ClientID: "edge-01"})
	require.ErrorIs(t, err, ErrCommandNotIssued)

	stored, err := f.svc.StoreResult(ctx, Result{CommandUUID: id, ClientID: "edge-01", Stdout: "up 3 days"})
	require.NoError(t, err)
	require.Equal(t, "edge-01", stored.ClientID)

	got, ok, err := f.svc.ResultByUUID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "up 3 days", got.Stdout)
}

func TestResultsMostRecentFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i, client := range []string{"edge-01", "edge-02", "edge-01"} {
		id := f.issue(t, client, "uptime")
		ids = append(ids, id)
		_, err := f.svc.StoreResult(ctx, Result{
			CommandUUID: id,
			ClientID:    client,
			ExitCode:    i,
		})
		require.NoError(t, err)
	}

	all, err := f.svc.Results(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, ids[2], all[0].CommandUUID)
	require.Equal(t, StatusFailed, all[0].Status)

	mine, err := f.svc.Results(ctx, "edge-01", 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, ids[2], mine[0].CommandUUID)
}

func TestDiagnosticSnapshotUsesLatestResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	for _, out := range []string{"old", "new"} {
		_, err := f.svc.StoreResult(ctx, Result{
			CommandUUID: f.issue(t, "edge-01", "uptime"),
			ClientID:    "edge-01",
			Stdout:      out,
			ExecutedAt:  "2026-01-01T00:00:00",
		})
		require.NoError(t, err)
	}
	_, err := f.svc.StoreResult(ctx, Result{CommandUUID: f.issue(t, "edge-01", "df"), ClientID: "edge-01", Stdout: "disk"})
	require.NoError(t, err)

	snap, err := f.svc.DiagnosticSnapshot(ctx, "edge-01", []string{"uptime"})
	require.NoError(t, err)
	require.Len(t, snap, 1)
	require.Equal(t, "new", snap["uptime"].Stdout)

	snap, err = f.svc.DiagnosticSnapshot(ctx, "edge-01", nil)
	require.NoError(t, err)
	require.Len(t, snap, 2)
}
