package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordedRequest struct {
	Method string
	Path   string
	Query  string
	APIKey string
	Body   map[string]any
}

// fakeAPI answers admin API calls from a route table and records them.
func fakeAPI(t *testing.T, routes map[string]func(w http.ResponseWriter)) (string, func() []recordedRequest) {
	t.Helper()
	var mu sync.Mutex
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, APIKey: r.Header.Get("X-API-Key")}
		_ = json.NewDecoder(r.Body).Decode(&rec.Body)
		mu.Lock()
		requests = append(requests, rec)
		mu.Unlock()

		handler, ok := routes[r.Method+" "+r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "no route"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		handler(w)
	}))
	t.Cleanup(srv.Close)
	return srv.URL, func() []recordedRequest {
		mu.Lock()
		defer mu.Unlock()
		return append([]recordedRequest(nil), requests...)
	}
}

func respond(status int, body any) func(http.ResponseWriter) {
	return func(w http.ResponseWriter) {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func runCLI(t *testing.T, serverURL string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--server", serverURL, "--api-key", "admin-key"}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestAdminInitPrintsKey(t *testing.T) {
	url, requests := fakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/admin/init": respond(http.StatusCreated, map[string]string{
			"api_key": "k-123", "name": "ops", "message": "Save this API key; it is not shown again",
		}),
	})

	out, err := runCLI(t, url, "admin", "init", "--name", "ops")
	require.NoError(t, err)
	require.Contains(t, out, "API key: k-123")
	require.Equal(t, "ops", requests()[0].Body["name"])
}

func TestClientsRegisterAndRevoke(t *testing.T) {
	url, requests := fakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/clients":           respond(http.StatusCreated, map[string]string{"client_id": "edge-01", "secret_key": "s3cret"}),
		"DELETE /api/clients/edge-01": respond(http.StatusOK, map[string]any{"client_id": "edge-01", "revoked": true}),
	})

	out, err := runCLI(t, url, "clients", "register", "edge-01")
	require.NoError(t, err)
	require.Contains(t, out, "Secret key: s3cret")

	out, err = runCLI(t, url, "clients", "revoke", "edge-01")
	require.NoError(t, err)
	require.Contains(t, out, "Client edge-01 revoked")

	require.Len(t, requests(), 2)
	require.Equal(t, "edge-01", requests()[0].Body["client_id"])
	require.Equal(t, "admin-key", requests()[1].APIKey)
}

func TestClientsStatus(t *testing.T) {
	url, requests := fakeAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/clients/status": respond(http.StatusOK, map[string]any{
			"clients": []map[string]any{
				{"client_id": "edge-01", "hostname": "pi-1", "status": "online", "last_heartbeat": time.Now().UTC()},
			},
			"total": 1, "online": 1, "offline": 0,
		}),
	})

	out, err := runCLI(t, url, "clients", "status", "--timeout", "90")
	require.NoError(t, err)
	require.Contains(t, out, "Total: 1  Online: 1  Offline: 0")
	require.Contains(t, out, "edge-01")
	require.Equal(t, "timeout=90", requests()[0].Query)
}

func TestCommandsSendWithParams(t *testing.T) {
	url, requests := fakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/commands/send": respond(http.StatusCreated, map[string]any{
			"status": "queued",
			"command": map[string]any{
				"command_uuid": "uuid-1", "command_id": "ping_host",
				"params": map[string]string{"host": "8.8.8.8", "count": "3"},
			},
		}),
	})

	out, err := runCLI(t, url, "commands", "send", "edge-01", "ping_host", "-p", "host=8.8.8.8", "-p", "count=3")
	require.NoError(t, err)
	require.Contains(t, out, "Command UUID: uuid-1")
	require.Contains(t, out, "  count=3\n  host=8.8.8.8\n")

	body := requests()[0].Body
	require.Equal(t, "edge-01", body["client_id"])
	require.Equal(t, "ping_host", body["command_id"])
	require.Equal(t, map[string]any{"host": "8.8.8.8", "count": "3"}, body["params"])
}

func TestCommandsSendRejectsMalformedParam(t *testing.T) {
	url, requests := fakeAPI(t, nil)

	_, err := runCLI(t, url, "commands", "send", "edge-01", "ping_host", "-p", "nohost")
	require.ErrorContains(t, err, "expected key=value")
	require.Empty(t, requests())
}

func TestServerErrorsSurface(t *testing.T) {
	url, _ := fakeAPI(t, map[string]func(http.ResponseWriter){
		"POST /api/commands/send": respond(http.StatusBadRequest, map[string]string{"error": "Command 'rm' not in whitelist"}),
	})

	_, err := runCLI(t, url, "commands", "send", "edge-01", "rm")
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.Status)
	require.Equal(t, "Command 'rm' not in whitelist", apiErr.Message)
}

func TestResultsAndResult(t *testing.T) {
	url, requests := fakeAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/commands/results": respond(http.StatusOK, map[string]any{
			"results": []map[string]any{{"command_uuid": "uuid-1", "client_id": "edge-01", "command_id": "uptime", "status": "success"}},
			"count":   1,
		}),
		"GET /api/commands/results/uuid-1": respond(http.StatusOK, map[string]any{
			"command_uuid": "uuid-1", "command_id": "uptime", "client_id": "edge-01",
			"status": "success", "stdout": "up 3 days\n", "truncated": true,
		}),
	})

	out, err := runCLI(t, url, "results", "--client", "edge-01", "--limit", "5")
	require.NoError(t, err)
	require.Contains(t, out, "uuid-1")
	require.Equal(t, "client_id=edge-01&limit=5", requests()[0].Query)

	out, err = runCLI(t, url, "result", "uuid-1")
	require.NoError(t, err)
	require.Contains(t, out, "--- stdout ---\nup 3 days\n")
	require.Contains(t, out, "Output was truncated")
}

func TestAuditShowsMissingExitCode(t *testing.T) {
	url, _ := fakeAPI(t, map[string]func(http.ResponseWriter){
		"GET /api/commands/audit": respond(http.StatusOK, map[string]any{
			"entries": []map[string]any{
				{"event_type": "result_received", "client_id": "edge-01", "command_id": "uptime", "status": "success", "exit_code": 0},
				{"event_type": "command_queued", "user": "ops", "client_id": "edge-01", "command_id": "uptime", "status": "pending"},
			},
		}),
	})

	out, err := runCLI(t, url, "audit", "-n", "2")
	require.NoError(t, err)
	require.Contains(t, out, "command_queued")
	require.Contains(t, out, "result_received")
}

func TestParseParams(t *testing.T) {
	got, err := parseParams([]string{"host=a=b", " count =3"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"host": "a=b", "count": "3"}, got)

	_, err = parseParams([]string{"=x"})
	require.Error(t, err)
}
