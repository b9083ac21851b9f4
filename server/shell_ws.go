package main

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/edgepulse/edgepulse/pkg/shell"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = 54 * time.Second
	wsMaxMessageSize = 1 << 20
)

var (
	errEndpointClosed = errors.New("shell endpoint closed")
	errSendBufferFull = errors.New("shell endpoint send buffer full")
)

func (s *Server) registerShellRoutes(r *gin.Engine) {
	r.GET("/api/shell/devices", s.requireAdmin, s.handleShellDevices)
	r.GET("/ws/shell/device", s.requireClient, s.handleDeviceSocket)
	r.GET("/ws/shell/controller", s.requireAdminOrQuery, s.handleControllerSocket)
}

func (s *Server) handleShellDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"devices":  s.relay.Devices(),
		"sessions": s.relay.Sessions(),
	})
}

// wsEndpoint adapts a WebSocket connection to shell.Endpoint. Send only
// enqueues; a single writer goroutine owns the connection's write side.
type wsEndpoint struct {
	id     string
	conn   *websocket.Conn
	send   chan shell.Event
	done   chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

func newWSEndpoint(conn *websocket.Conn, role string, buffer int, logger zerolog.Logger) *wsEndpoint {
	id := role + "-" + xid.New().String()
	return &wsEndpoint{
		id:     id,
		conn:   conn,
		send:   make(chan shell.Event, buffer),
		done:   make(chan struct{}),
		logger: logger.With().Str("endpoint", id).Logger(),
	}
}

func (e *wsEndpoint) ID() string { return e.id }

func (e *wsEndpoint) Send(ev shell.Event) error {
	select {
	case <-e.done:
		return errEndpointClosed
	default:
	}
	select {
	case e.send <- ev:
		return nil
	default:
		// The peer is not draining; hang up after flushing what is queued.
		e.logger.Warn().Str("event", ev.Type).Msg("shell send buffer full, closing connection")
		e.close()
		return errSendBufferFull
	}
}

func (e *wsEndpoint) close() {
	e.once.Do(func() { close(e.done) })
}

func (e *wsEndpoint) writeLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		e.conn.Close()
	}()

	for {
		select {
		case ev := <-e.send:
			if err := e.write(ev); err != nil {
				e.logger.Debug().Err(err).Msg("shell write failed")
				e.close()
				return
			}
		case <-ticker.C:
			if err := e.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				e.close()
				return
			}
		case <-e.done:
			e.flush()
			_ = e.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return
		}
	}
}

// flush writes whatever is still queued so close notifications reach the peer.
func (e *wsEndpoint) flush() {
	for {
		select {
		case ev := <-e.send:
			if err := e.write(ev); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (e *wsEndpoint) write(ev shell.Event) error {
	_ = e.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return e.conn.WriteJSON(ev)
}

// readLoop decodes events until the connection fails and hands each one to
// dispatch. Dispatch errors are reported back as shell_error.
func (e *wsEndpoint) readLoop(dispatch func(shell.Event) error) {
	e.conn.SetReadLimit(wsMaxMessageSize)
	_ = e.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	e.conn.SetPongHandler(func(string) error {
		return e.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var ev shell.Event
		if err := e.conn.ReadJSON(&ev); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				e.logger.Debug().Err(err).Msg("shell connection dropped")
			}
			return
		}
		_ = e.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if err := dispatch(ev); err != nil {
			e.logger.Debug().Err(err).Str("event", ev.Type).Str("session_id", ev.SessionID).Msg("shell event rejected")
			_ = e.Send(shell.Event{Type: shell.EventError, SessionID: ev.SessionID, ClientID: ev.ClientID, Error: err.Error()})
		}
	}
}

func (s *Server) upgrade(c *gin.Context, role string) (*wsEndpoint, bool) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		logger := requestLogger(c, s.logger)
		logger.Warn().Err(err).Msg("websocket upgrade failed")
		return nil, false
	}
	return newWSEndpoint(conn, role, s.cfg.Shell.SendBuffer, requestLogger(c, s.logger)), true
}

func (s *Server) handleDeviceSocket(c *gin.Context) {
	clientID := authenticatedClient(c)
	ep, ok := s.upgrade(c, "device")
	if !ok {
		return
	}
	go ep.writeLoop()

	s.relay.RegisterDevice(clientID, ep)
	s.metrics.shellDevices.Set(float64(len(s.relay.Devices())))
	defer func() {
		s.relay.UnregisterDevice(clientID, ep)
		s.metrics.shellDevices.Set(float64(len(s.relay.Devices())))
		ep.close()
	}()

	ep.readLoop(func(ev shell.Event) error {
		return s.dispatchDeviceEvent(ep, ev)
	})
}

func (s *Server) dispatchDeviceEvent(ep *wsEndpoint, ev shell.Event) error {
	switch ev.Type {
	case shell.EventReady:
		return s.relay.Ready(ev.SessionID, ep)
	case shell.EventOutput:
		return s.relay.Output(ev.SessionID, ep, ev.Data)
	case shell.EventExit:
		code := 0
		if ev.ExitCode != nil {
			code = *ev.ExitCode
		}
		s.relay.DeviceExit(ev.SessionID, ep, code)
		return nil
	case shell.EventClose:
		s.relay.Close(ev.SessionID, ep)
		return nil
	case shell.EventError:
		// The device failed to start a terminal; end the session.
		s.relay.Close(ev.SessionID, ep)
		return nil
	default:
		return fmt.Errorf("unsupported device event %q", ev.Type)
	}
}

func (s *Server) handleControllerSocket(c *gin.Context) {
	ep, ok := s.upgrade(c, "controller")
	if !ok {
		return
	}
	go ep.writeLoop()
	defer func() {
		s.relay.DropController(ep)
		ep.close()
	}()

	ep.readLoop(func(ev shell.Event) error {
		return s.dispatchControllerEvent(ep, ev)
	})
}

func (s *Server) dispatchControllerEvent(ep *wsEndpoint, ev shell.Event) error {
	switch ev.Type {
	case shell.EventStart:
		if ev.ClientID == "" {
			return errors.New("client_id is required")
		}
		info, err := s.relay.CreateSession(ev.ClientID, ep, ev.Rows, ev.Cols)
		if err != nil {
			return err
		}
		ep.logger.Info().Str("client_id", info.ClientID).Str("session_id", info.SessionID).Msg("shell session requested")
		return nil
	case shell.EventInput:
		return s.relay.Input(ev.SessionID, ep, ev.Data)
	case shell.EventResize:
		return s.relay.Resize(ev.SessionID, ep, ev.Rows, ev.Cols)
	case shell.EventClose:
		s.relay.Close(ev.SessionID, ep)
		return nil
	default:
		return fmt.Errorf("unsupported controller event %q", ev.Type)
	}
}
