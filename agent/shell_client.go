package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/edgepulse/edgepulse/pkg/shell"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	shellReadChunk   = 4096
	shellSendBuffer  = 256
	shellWriteWait   = 10 * time.Second
	defaultShellRows = 24
	defaultShellCols = 80
)

// terminal is an interactive process attached to a pseudo terminal.
type terminal interface {
	io.ReadWriteCloser
	Resize(rows, cols uint16) error
	// Wait blocks until the process exits and returns its exit code.
	Wait() int
}

type terminalFactory func(rows, cols uint16) (terminal, error)

type ptyTerminal struct {
	cmd  *exec.Cmd
	file *os.File
}

func ptyTerminalFactory(program string) terminalFactory {
	return func(rows, cols uint16) (terminal, error) {
		cmd := exec.Command(program)
		cmd.Env = append(os.Environ(), "TERM=xterm-256color")
		f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
		if err != nil {
			return nil, err
		}
		return &ptyTerminal{cmd: cmd, file: f}, nil
	}
}

func (t *ptyTerminal) Read(p []byte) (int, error)  { return t.file.Read(p) }
func (t *ptyTerminal) Write(p []byte) (int, error) { return t.file.Write(p) }

func (t *ptyTerminal) Resize(rows, cols uint16) error {
	return pty.Setsize(t.file, &pty.Winsize{Rows: rows, Cols: cols})
}

func (t *ptyTerminal) Wait() int {
	err := t.cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0
	case errors.As(err, &exitErr):
		return exitErr.ExitCode()
	default:
		return -1
	}
}

func (t *ptyTerminal) Close() error {
	if t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
	return t.file.Close()
}

// shellClient keeps a websocket open to the relay and serves shell sessions
// on this device.
type shellClient struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	newTerminal terminalFactory
	reconnect   time.Duration
}

func newShellClient(serverURL, clientID, secret string, newTerminal terminalFactory, reconnect time.Duration) (*shellClient, error) {
	wsURL, err := shellSocketURL(serverURL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set(clientIDHeader, clientID)
	header.Set(clientKeyHeader, secret)
	if reconnect <= 0 {
		reconnect = 5 * time.Second
	}
	return &shellClient{
		url:         wsURL,
		header:      header,
		dialer:      &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		newTerminal: newTerminal,
		reconnect:   reconnect,
	}, nil
}

func shellSocketURL(serverURL string) (string, error) {
	u, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server scheme %q", u.Scheme)
	}
	u.Path += "/ws/shell/device"
	return u.String(), nil
}

// run reconnects until ctx ends.
func (c *shellClient) run(ctx context.Context) error {
	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		log.Warn().Err(err).Dur("retry_in", c.reconnect).Msg("Shell relay connection lost")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.reconnect):
		}
	}
}

func (c *shellClient) connect(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial shell relay: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial shell relay: %w", err)
	}
	log.Info().Str("url", c.url).Msg("Connected to shell relay")
	sess := newDeviceSessions(conn, c.newTerminal)
	return sess.serve(ctx)
}

// deviceSessions serves every shell session carried by one relay connection.
type deviceSessions struct {
	conn        *websocket.Conn
	newTerminal terminalFactory
	out         chan shell.Event
	done        chan struct{}
	closeOnce   sync.Once

	mu        sync.Mutex
	terminals map[string]terminal
}

func newDeviceSessions(conn *websocket.Conn, newTerminal terminalFactory) *deviceSessions {
	return &deviceSessions{
		conn:        conn,
		newTerminal: newTerminal,
		out:         make(chan shell.Event, shellSendBuffer),
		done:        make(chan struct{}),
		terminals:   make(map[string]terminal),
	}
}

func (d *deviceSessions) serve(ctx context.Context) error {
	go d.writeLoop()
	stop := context.AfterFunc(ctx, d.shutdown)
	defer stop()
	defer d.shutdown()

	for {
		var ev shell.Event
		if err := d.conn.ReadJSON(&ev); err != nil {
			return err
		}
		d.handle(ev)
	}
}

func (d *deviceSessions) shutdown() {
	d.closeOnce.Do(func() {
		close(d.done)
		_ = d.conn.Close()
		d.mu.Lock()
		terminals := d.terminals
		d.terminals = make(map[string]terminal)
		d.mu.Unlock()
		for _, term := range terminals {
			_ = term.Close()
		}
	})
}

func (d *deviceSessions) writeLoop() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.out:
			_ = d.conn.SetWriteDeadline(time.Now().Add(shellWriteWait))
			if err := d.conn.WriteJSON(ev); err != nil {
				log.Debug().Err(err).Msg("Shell relay write failed")
				d.shutdown()
				return
			}
		}
	}
}

func (d *deviceSessions) send(ev shell.Event) {
	select {
	case d.out <- ev:
	case <-d.done:
	}
}

func (d *deviceSessions) handle(ev shell.Event) {
	switch ev.Type {
	case shell.EventStart:
		d.start(ev)
	case shell.EventInput:
		if term := d.lookup(ev.SessionID); term != nil {
			if _, err := term.Write(ev.Data); err != nil {
				log.Debug().Err(err).Str("session_id", ev.SessionID).Msg("Terminal write failed")
			}
		}
	case shell.EventResize:
		if term := d.lookup(ev.SessionID); term != nil && ev.Rows > 0 && ev.Cols > 0 {
			_ = term.Resize(ev.Rows, ev.Cols)
		}
	case shell.EventClose, shell.EventClosed, shell.EventExpired:
		if term := d.remove(ev.SessionID); term != nil {
			_ = term.Close()
			log.Info().Str("session_id", ev.SessionID).Str("reason", ev.Reason).Msg("Shell session closed")
		}
	case shell.EventError:
		log.Warn().Str("session_id", ev.SessionID).Str("error", ev.Error).Msg("Shell relay reported an error")
	default:
		log.Debug().Str("type", ev.Type).Msg("Ignoring shell event")
	}
}

func (d *deviceSessions) start(ev shell.Event) {
	rows, cols := ev.Rows, ev.Cols
	if rows == 0 || cols == 0 {
		rows, cols = defaultShellRows, defaultShellCols
	}
	term, err := d.newTerminal(rows, cols)
	if err != nil {
		log.Error().Err(err).Str("session_id", ev.SessionID).Msg("Failed to start terminal")
		d.send(shell.Event{Type: shell.EventError, SessionID: ev.SessionID, Error: err.Error()})
		return
	}

	d.mu.Lock()
	if old, ok := d.terminals[ev.SessionID]; ok {
		_ = old.Close()
	}
	d.terminals[ev.SessionID] = term
	d.mu.Unlock()

	log.Info().Str("session_id", ev.SessionID).Uint16("rows", rows).Uint16("cols", cols).Msg("Shell session started")
	d.send(shell.Event{Type: shell.EventReady, SessionID: ev.SessionID})
	go d.pump(ev.SessionID, term)
}

// pump forwards terminal output until the process ends, then reports the
// exit code unless the session was already closed from the other side.
func (d *deviceSessions) pump(sessionID string, term terminal) {
	buf := make([]byte, shellReadChunk)
	for {
		n, err := term.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			d.send(shell.Event{Type: shell.EventOutput, SessionID: sessionID, Data: data})
		}
		if err != nil {
			break
		}
	}
	code := term.Wait()

	d.mu.Lock()
	current, ok := d.terminals[sessionID]
	if ok && current == term {
		delete(d.terminals, sessionID)
	}
	d.mu.Unlock()
	if !ok || current != term {
		return
	}
	_ = term.Close()
	d.send(shell.Event{Type: shell.EventExit, SessionID: sessionID, ExitCode: &code})
}

func (d *deviceSessions) lookup(sessionID string) terminal {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.terminals[sessionID]
}

func (d *deviceSessions) remove(sessionID string) terminal {
	d.mu.Lock()
	defer d.mu.Unlock()
	term := d.terminals[sessionID]
	delete(d.terminals, sessionID)
	return term
}
