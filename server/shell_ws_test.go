package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgepulse/edgepulse/pkg/shell"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type shellTestEnv struct {
	serverTestEnv
	url    string
	secret string
}

func newShellTestEnv(t *testing.T) shellTestEnv {
	t.Helper()
	env := newServerTestEnv(t)
	secret := env.registerClient(t, "edge-01")
	ts := httptest.NewServer(env.gin)
	t.Cleanup(ts.Close)
	return shellTestEnv{serverTestEnv: env, url: "ws" + strings.TrimPrefix(ts.URL, "http"), secret: secret}
}

func (e shellTestEnv) dialDevice(t *testing.T) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(clientIDHeader, "edge-01")
	header.Set(clientKeyHeader, e.secret)
	conn, _, err := websocket.DefaultDialer.Dial(e.url+"/ws/shell/device", header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return e.server.relay.DeviceConnected("edge-01") }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func (e shellTestEnv) dialController(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(e.url+"/ws/shell/controller?api_key="+e.adminKey, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeEvent(t *testing.T, conn *websocket.Conn, ev shell.Event) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(ev))
}

func readEvent(t *testing.T, conn *websocket.Conn) shell.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var ev shell.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// openSession starts a session from controller and acknowledges it from device.
func openSession(t *testing.T, controller, device *websocket.Conn) string {
	t.Helper()
	writeEvent(t, controller, shell.Event{Type: shell.EventStart, ClientID: "edge-01", Rows: 40, Cols: 120})

	started := readEvent(t, controller)
	require.Equal(t, shell.EventStarted, started.Type)
	start := readEvent(t, device)
	require.Equal(t, shell.EventStart, start.Type)
	require.Equal(t, started.SessionID, start.SessionID)
	require.EqualValues(t, 40, start.Rows)
	require.EqualValues(t, 120, start.Cols)

	writeEvent(t, device, shell.Event{Type: shell.EventReady, SessionID: start.SessionID})
	require.Equal(t, shell.EventReady, readEvent(t, controller).Type)
	return start.SessionID
}

func TestShellRelayOverWebSocket(t *testing.T) {
	env := newShellTestEnv(t)
	device := env.dialDevice(t)
	controller := env.dialController(t)

	id := openSession(t, controller, device)

	writeEvent(t, controller, shell.Event{Type: shell.EventInput, SessionID: id, Data: []byte("ls\n")})
	in := readEvent(t, device)
	require.Equal(t, shell.EventInput, in.Type)
	require.Equal(t, []byte("ls\n"), in.Data)

	writeEvent(t, device, shell.Event{Type: shell.EventOutput, SessionID: id, Data: []byte("README\r\n")})
	out := readEvent(t, controller)
	require.Equal(t, shell.EventOutput, out.Type)
	require.Equal(t, []byte("README\r\n"), out.Data)

	writeEvent(t, controller, shell.Event{Type: shell.EventResize, SessionID: id, Rows: 50, Cols: 200})
	resize := readEvent(t, device)
	require.Equal(t, shell.EventResize, resize.Type)
	require.EqualValues(t, 200, resize.Cols)

	code := 0
	writeEvent(t, device, shell.Event{Type: shell.EventExit, SessionID: id, ExitCode: &code})
	exit := readEvent(t, controller)
	require.Equal(t, shell.EventExit, exit.Type)
	require.NotNil(t, exit.ExitCode)
	require.Equal(t, 0, *exit.ExitCode)
	require.Empty(t, env.server.relay.Sessions())
}

func TestShellStartWithoutDeviceReportsError(t *testing.T) {
	env := newShellTestEnv(t)
	controller := env.dialController(t)

	writeEvent(t, controller, shell.Event{Type: shell.EventStart, ClientID: "edge-01"})
	ev := readEvent(t, controller)
	require.Equal(t, shell.EventError, ev.Type)
	require.Equal(t, shell.ErrDeviceNotConnected.Error(), ev.Error)
}

func TestShellDeviceDisconnectClosesSession(t *testing.T) {
	env := newShellTestEnv(t)
	device := env.dialDevice(t)
	controller := env.dialController(t)
	id := openSession(t, controller, device)

	require.NoError(t, device.Close())
	ev := readEvent(t, controller)
	require.Equal(t, shell.EventClosed, ev.Type)
	require.Equal(t, id, ev.SessionID)
	require.Equal(t, shell.ReasonDeviceDisconnected, ev.Reason)
	require.Eventually(t, func() bool { return !env.server.relay.DeviceConnected("edge-01") }, 2*time.Second, 10*time.Millisecond)
}

func TestShellControllerRequiresAdminKey(t *testing.T) {
	env := newShellTestEnv(t)
	_, resp, err := websocket.DefaultDialer.Dial(env.url+"/ws/shell/controller?api_key=wrong", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp2 := env.admin(t, http.MethodGet, "/api/shell/devices", nil)
	require.Equal(t, http.StatusOK, resp2.Code)
}

func TestEndpointHangsUpWhenSendBufferFills(t *testing.T) {
	ep := newWSEndpoint(nil, "controller", 1, zerolog.Nop())

	require.NoError(t, ep.Send(shell.Event{Type: shell.EventOutput, Data: []byte("a")}))
	require.ErrorIs(t, ep.Send(shell.Event{Type: shell.EventOutput, Data: []byte("b")}), errSendBufferFull)
	require.ErrorIs(t, ep.Send(shell.Event{Type: shell.EventOutput, Data: []byte("c")}), errEndpointClosed)

	select {
	case <-ep.done:
	default:
		t.Fatal("endpoint still open after overflow")
	}
	require.Len(t, ep.send, 1)
}
