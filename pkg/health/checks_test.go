package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDriftFromDate(t *testing.T) {
	sent := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	received := sent.Add(200 * time.Millisecond)

	drift, ok := DriftFromDate(sent.Add(-400*time.Second).Format(http.TimeFormat), sent, received)
	require.True(t, ok)
	require.Equal(t, 400, drift)

	drift, ok = DriftFromDate(sent.Format(http.TimeFormat), sent, received)
	require.True(t, ok)
	require.Zero(t, drift)

	_, ok = DriftFromDate("", sent, received)
	require.False(t, ok)
	_, ok = DriftFromDate("garbage", sent, received)
	require.False(t, ok)
}

func TestCheckReportsDrift(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Date", time.Now().Add(-10*time.Minute).UTC().Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	status := Check(context.Background(), srv.Client(), srv.URL, 60)
	require.True(t, status.ServerReachable)
	require.False(t, status.Healthy)
	require.GreaterOrEqual(t, status.TimeDrift, 590)
	require.NotEmpty(t, status.Issues)
}

func TestCheckUnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	status := Check(context.Background(), &http.Client{Timeout: time.Second}, url, 60)
	require.False(t, status.ServerReachable)
	require.False(t, status.Healthy)
}
