package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/edgepulse/edgepulse/pkg/shell"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

type termSize struct {
	rows uint16
	cols uint16
}

func shellCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shell [client_id]",
		Short: "Open an interactive shell on a connected device",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd.Context(), opts, args[0], cmd.ErrOrStderr())
		},
	}

	devicesCmd := &cobra.Command{
		Use:   "devices",
		Short: "List devices connected to the shell relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Devices []struct {
					ClientID       string    `json:"client_id"`
					ConnectedAt    time.Time `json:"connected_at"`
					ActiveSessions int       `json:"active_sessions"`
				} `json:"devices"`
				Sessions []struct {
					SessionID string `json:"session_id"`
					ClientID  string `json:"client_id"`
					Status    string `json:"status"`
				} `json:"sessions"`
			}
			if err := opts.client().get(cmd.Context(), "/api/shell/devices", nil, &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tCONNECTED\tSESSIONS")
			for _, d := range resp.Devices {
				fmt.Fprintf(w, "%s\t%s\t%d\n", d.ClientID, ago(d.ConnectedAt), d.ActiveSessions)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(devicesCmd)
	return cmd
}

func controllerURL(serverURL string) (string, error) {
	u, err := url.Parse(serverURL)
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
	u.Path = "/ws/shell/controller"
	return u.String(), nil
}

func runShell(ctx context.Context, opts *options, clientID string, stderr io.Writer) error {
	target, err := controllerURL(opts.serverURL)
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("X-API-Key", opts.apiKey)

	dialer := websocket.Dialer{HandshakeTimeout: opts.timeout}
	conn, resp, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			return &apiError{Status: resp.StatusCode, Message: "shell relay refused the connection"}
		}
		return fmt.Errorf("failed to connect to shell relay: %w", err)
	}
	defer conn.Close()

	size := termSize{rows: 24, cols: 80}
	fd := int(os.Stdin.Fd())
	resizes := make(chan termSize, 1)
	if term.IsTerminal(fd) {
		if cols, rows, err := term.GetSize(fd); err == nil {
			size = termSize{rows: uint16(rows), cols: uint16(cols)}
		}
		oldState, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("failed to enter raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, oldState) }()

		winch := make(chan os.Signal, 1)
		signal.Notify(winch, syscall.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				if cols, rows, err := term.GetSize(fd); err == nil {
					select {
					case resizes <- termSize{rows: uint16(rows), cols: uint16(cols)}:
					default:
					}
				}
			}
		}()
	}

	session := newControllerSession(conn, os.Stdout)
	code, err := session.run(ctx, clientID, size, os.Stdin, resizes)
	if err != nil {
		return err
	}
	fmt.Fprintf(stderr, "\r\nSession ended (exit %d)\r\n", code)
	if code != 0 {
		return fmt.Errorf("remote shell exited with code %d", code)
	}
	return nil
}

// controllerSession drives one shell session over a controller connection.
type controllerSession struct {
	conn *websocket.Conn
	out  io.Writer

	writeMu   sync.Mutex
	sessionID string
	hungUp    atomic.Bool
}

func newControllerSession(conn *websocket.Conn, out io.Writer) *controllerSession {
	return &controllerSession{conn: conn, out: out}
}

func (s *controllerSession) send(ev shell.Event) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(ev)
}

// run starts a session on clientID and relays until the remote shell exits,
// the session is closed or input reaches EOF.
func (s *controllerSession) run(ctx context.Context, clientID string, size termSize, in io.Reader, resizes <-chan termSize) (int, error) {
	if err := s.send(shell.Event{Type: shell.EventStart, ClientID: clientID, Rows: size.rows, Cols: size.cols}); err != nil {
		return -1, err
	}
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()

	done := make(chan struct{})
	defer close(done)

	var ready bool
	for {
		var ev shell.Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			if s.hungUp.Load() {
				return 0, nil
			}
			if ctx.Err() != nil {
				return -1, ctx.Err()
			}
			return -1, fmt.Errorf("shell connection lost: %w", err)
		}

		switch ev.Type {
		case shell.EventStarted:
			s.sessionID = ev.SessionID
		case shell.EventReady:
			if !ready {
				ready = true
				go s.pumpInput(in)
				go s.pumpResizes(resizes, done)
			}
		case shell.EventOutput:
			if _, err := s.out.Write(ev.Data); err != nil {
				return -1, err
			}
		case shell.EventExit:
			if ev.ExitCode == nil {
				return 0, nil
			}
			return *ev.ExitCode, nil
		case shell.EventClosed, shell.EventExpired:
			return -1, fmt.Errorf("session closed: %s", ev.Reason)
		case shell.EventError:
			return -1, errors.New(ev.Error)
		}
	}
}

// pumpInput forwards local input. EOF closes the session and hangs up.
func (s *controllerSession) pumpInput(in io.Reader) {
	buf := make([]byte, 1024)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if s.send(shell.Event{Type: shell.EventInput, SessionID: s.sessionID, Data: data}) != nil {
				return
			}
		}
		if err != nil {
			break
		}
	}
	s.hungUp.Store(true)
	_ = s.send(shell.Event{Type: shell.EventClose, SessionID: s.sessionID})
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	_ = s.conn.Close()
}

func (s *controllerSession) pumpResizes(resizes <-chan termSize, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case size, ok := <-resizes:
			if !ok {
				return
			}
			_ = s.send(shell.Event{Type: shell.EventResize, SessionID: s.sessionID, Rows: size.rows, Cols: size.cols})
		}
	}
}
