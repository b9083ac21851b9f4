// Package shell relays interactive terminal sessions between an operator's
// controller connection and a device connection.
package shell

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxSessionsPerDevice = 3
	DefaultIdleTimeout          = 30 * time.Minute
	DefaultReapInterval         = 60 * time.Second

	defaultRows = 24
	defaultCols = 80
)

var (
	ErrSessionLimit        = errors.New("maximum shell sessions reached for device")
	ErrDeviceNotConnected  = errors.New("device not connected for shell")
	ErrSessionNotFound     = errors.New("shell session not found")
	ErrSessionNotConnected = errors.New("shell session not connected")
	ErrUnauthorized        = errors.New("endpoint not authorized for session")
	ErrSlowConsumer        = errors.New("shell session closed: peer not keeping up")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusConnected Status = "connected"
	StatusClosed    Status = "closed"
)

// Endpoint is one side of a relayed session. Send is called with the relay
// lock held and must not block.
type Endpoint interface {
	ID() string
	Send(Event) error
}

// Hooks observe session lifecycle changes. Each hook is optional.
type Hooks struct {
	Opened func(clientID string)
	Closed func(clientID, reason string)
}

// Config bounds sessions. Zero values select the defaults.
type Config struct {
	MaxSessionsPerDevice int
	IdleTimeout          time.Duration
	ReapInterval         time.Duration
	Hooks                Hooks
}

type session struct {
	id           string
	clientID     string
	controller   Endpoint
	device       Endpoint
	createdAt    time.Time
	lastActivity time.Time
	status       Status
	rows, cols   uint16
}

// SessionInfo is a snapshot of a session.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	ClientID     string    `json:"client_id"`
	ControllerID string    `json:"controller_id"`
	DeviceID     string    `json:"device_endpoint_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Status       Status    `json:"status"`
	Rows         uint16    `json:"rows"`
	Cols         uint16    `json:"cols"`
}

func (s *session) info() SessionInfo {
	info := SessionInfo{
		SessionID:    s.id,
		ClientID:     s.clientID,
		ControllerID: s.controller.ID(),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
		Status:       s.status,
		Rows:         s.rows,
		Cols:         s.cols,
	}
	if s.device != nil {
		info.DeviceID = s.device.ID()
	}
	return info
}

// DeviceInfo describes a device connected for shell.
type DeviceInfo struct {
	ClientID       string    `json:"client_id"`
	ConnectedAt    time.Time `json:"connected_at"`
	ActiveSessions int       `json:"active_sessions"`
}

type device struct {
	endpoint    Endpoint
	connectedAt time.Time
	sessions    map[string]struct{}
}

// Relay owns the session table. Every mutation, including the idle reaper,
// happens under mu.
type Relay struct {
	mu           sync.Mutex
	sessions     map[string]*session
	devices      map[string]*device
	byController map[string]map[string]struct{}

	maxPerDevice int
	idleTimeout  time.Duration
	reapInterval time.Duration
	hooks        Hooks
	logger       zerolog.Logger
	now          func() time.Time
}

func NewRelay(cfg Config, logger zerolog.Logger) *Relay {
	if cfg.MaxSessionsPerDevice <= 0 {
		cfg.MaxSessionsPerDevice = DefaultMaxSessionsPerDevice
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	return &Relay{
		sessions:     make(map[string]*session),
		devices:      make(map[string]*device),
		byController: make(map[string]map[string]struct{}),
		maxPerDevice: cfg.MaxSessionsPerDevice,
		idleTimeout:  cfg.IdleTimeout,
		reapInterval: cfg.ReapInterval,
		hooks:        cfg.Hooks,
		logger:       logger.With().Str("component", "shell_relay").Logger(),
		now:          time.Now,
	}
}

// RegisterDevice marks clientID reachable for shell through ep. A previous
// connection for the same device is replaced and its sessions closed.
func (r *Relay) RegisterDevice(clientID string, ep Endpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.devices[clientID]; ok && prev.endpoint.ID() != ep.ID() {
		r.closeDeviceSessionsLocked(prev, ReasonDeviceDisconnected)
	}
	r.devices[clientID] = &device{endpoint: ep, connectedAt: r.now(), sessions: make(map[string]struct{})}
	r.logger.Info().Str("client_id", clientID).Str("endpoint", ep.ID()).Msg("device connected for shell")
}

// UnregisterDevice drops clientID if ep is still its registered connection
// and force-closes its sessions. It returns the number of sessions closed.
func (r *Relay) UnregisterDevice(clientID string, ep Endpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[clientID]
	if !ok || dev.endpoint.ID() != ep.ID() {
		return 0
	}
	n := r.closeDeviceSessionsLocked(dev, ReasonDeviceDisconnected)
	delete(r.devices, clientID)
	r.logger.Info().Str("client_id", clientID).Int("closed_sessions", n).Msg("device disconnected from shell")
	return n
}

func (r *Relay) closeDeviceSessionsLocked(dev *device, reason string) int {
	n := 0
	for id := range dev.sessions {
		if s, ok := r.sessions[id]; ok {
			r.notify(s.controller, Event{Type: EventClosed, SessionID: id, Reason: reason})
			r.removeLocked(s, reason)
			n++
		}
	}
	return n
}

// CreateSession opens a pending session to clientID for controller. The
// controller is sent shell_started and the device shell_start.
func (r *Relay) CreateSession(clientID string, controller Endpoint, rows, cols uint16) (SessionInfo, error) {
	if rows == 0 {
		rows = defaultRows
	}
	if cols == 0 {
		cols = defaultCols
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	dev, ok := r.devices[clientID]
	if !ok {
		return SessionInfo{}, ErrDeviceNotConnected
	}
	if len(dev.sessions) >= r.maxPerDevice {
		return SessionInfo{}, ErrSessionLimit
	}

	now := r.now()
	s := &session{
		id:           uuid.NewString(),
		clientID:     clientID,
		controller:   controller,
		createdAt:    now,
		lastActivity: now,
		status:       StatusPending,
		rows:         rows,
		cols:         cols,
	}

	if err := dev.endpoint.Send(Event{Type: EventStart, SessionID: s.id, Rows: rows, Cols: cols}); err != nil {
		return SessionInfo{}, err
	}

	r.sessions[s.id] = s
	dev.sessions[s.id] = struct{}{}
	if r.byController[controller.ID()] == nil {
		r.byController[controller.ID()] = make(map[string]struct{})
	}
	r.byController[controller.ID()][s.id] = struct{}{}

	r.notify(controller, Event{Type: EventStarted, SessionID: s.id, ClientID: clientID, Rows: rows, Cols: cols})
	if r.hooks.Opened != nil {
		r.hooks.Opened(clientID)
	}
	r.logger.Info().Str("session_id", s.id).Str("client_id", clientID).Msg("shell session created")
	return s.info(), nil
}

// Ready moves a pending session to connected once the device has started
// its terminal.
func (r *Relay) Ready(sessionID string, from Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	dev, ok := r.devices[s.clientID]
	if !ok || dev.endpoint.ID() != from.ID() {
		return ErrUnauthorized
	}
	if s.status != StatusPending {
		return nil
	}
	s.status = StatusConnected
	s.device = from
	s.lastActivity = r.now()
	r.notify(s.controller, Event{Type: EventReady, SessionID: s.id, ClientID: s.clientID})
	return nil
}

// Input forwards controller keystrokes to the device.
func (r *Relay) Input(sessionID string, from Endpoint, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.controllerSessionLocked(sessionID, from)
	if err != nil {
		return err
	}
	if s.status != StatusConnected {
		return ErrSessionNotConnected
	}
	s.lastActivity = r.now()
	if err := s.device.Send(Event{Type: EventInput, SessionID: s.id, Data: data}); err != nil {
		r.dropSlowLocked(s, err)
		return ErrSlowConsumer
	}
	return nil
}

// Output forwards terminal output from the device to the controller.
func (r *Relay) Output(sessionID string, from Endpoint, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if s.device == nil || s.device.ID() != from.ID() {
		return ErrUnauthorized
	}
	s.lastActivity = r.now()
	if err := s.controller.Send(Event{Type: EventOutput, SessionID: s.id, Data: data}); err != nil {
		r.dropSlowLocked(s, err)
		return ErrSlowConsumer
	}
	return nil
}

// dropSlowLocked ends a session after a forward failed. Terminal bytes are
// never skipped, so a session that cannot deliver one is closed on both
// sides with ReasonSlowConsumer.
func (r *Relay) dropSlowLocked(s *session, cause error) {
	r.logger.Warn().Err(cause).Str("session_id", s.id).Str("client_id", s.clientID).Msg("shell peer not keeping up")
	r.notify(s.controller, Event{Type: EventClosed, SessionID: s.id, Reason: ReasonSlowConsumer})
	r.notifyDeviceLocked(s, ReasonSlowConsumer)
	r.removeLocked(s, ReasonSlowConsumer)
}

// Resize records new terminal dimensions and forwards them to the device.
func (r *Relay) Resize(sessionID string, from Endpoint, rows, cols uint16) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.controllerSessionLocked(sessionID, from)
	if err != nil {
		return err
	}
	s.rows, s.cols = rows, cols
	s.lastActivity = r.now()
	target := s.device
	if target == nil {
		if dev, ok := r.devices[s.clientID]; ok {
			target = dev.endpoint
		}
	}
	if target == nil {
		return ErrDeviceNotConnected
	}
	return target.Send(Event{Type: EventResize, SessionID: s.id, Rows: rows, Cols: cols})
}

func (r *Relay) controllerSessionLocked(sessionID string, from Endpoint) (*session, error) {
	s, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.controller.ID() != from.ID() {
		return nil, ErrUnauthorized
	}
	return s, nil
}

// Close ends a session on behalf of from and notifies the other party.
// Closing an unknown or already closed session is a no-op returning false.
// A nil from closes on behalf of the server and notifies both sides.
func (r *Relay) Close(sessionID string, from Endpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return false
	}

	fromController := from != nil && from.ID() == s.controller.ID()
	fromDevice := from != nil && !fromController && r.isDeviceOfLocked(s, from)
	if from != nil && !fromController && !fromDevice {
		return false
	}

	reason := ReasonShutdown
	switch {
	case fromController:
		reason = ReasonClosedByController
	case fromDevice:
		reason = ReasonClosedByDevice
	}
	if !fromController {
		r.notify(s.controller, Event{Type: EventClosed, SessionID: s.id, Reason: reason})
	}
	if !fromDevice {
		r.notifyDeviceLocked(s, reason)
	}
	r.removeLocked(s, reason)
	return true
}

// DeviceExit closes a session whose terminal process ended.
func (r *Relay) DeviceExit(sessionID string, from Endpoint, exitCode int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok || !r.isDeviceOfLocked(s, from) {
		return false
	}
	code := exitCode
	r.notify(s.controller, Event{Type: EventExit, SessionID: s.id, ExitCode: &code, Reason: ReasonExited})
	r.removeLocked(s, ReasonExited)
	return true
}

// DropController closes every session owned by a disconnected controller.
func (r *Relay) DropController(ep Endpoint) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.byController[ep.ID()]
	n := 0
	for id := range ids {
		if s, ok := r.sessions[id]; ok {
			r.notifyDeviceLocked(s, ReasonControllerDisconnected)
			r.removeLocked(s, ReasonControllerDisconnected)
			n++
		}
	}
	delete(r.byController, ep.ID())
	return n
}

// Sweep closes sessions idle since before now minus the idle timeout. The
// controller receives shell_expired rather than shell_closed.
func (r *Relay) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-r.idleTimeout)
	n := 0
	for _, s := range r.sessions {
		if !s.lastActivity.Before(cutoff) {
			continue
		}
		r.notify(s.controller, Event{Type: EventExpired, SessionID: s.id, Reason: ReasonExpired})
		r.notifyDeviceLocked(s, ReasonExpired)
		r.removeLocked(s, ReasonExpired)
		n++
	}
	return n
}

// Run reaps idle sessions every reap interval until ctx is done.
func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reap()
		}
	}
}

func (r *Relay) reap() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Interface("panic", rec).Msg("shell reaper iteration failed")
		}
	}()
	if n := r.Sweep(r.now()); n > 0 {
		r.logger.Info().Int("expired", n).Msg("reaped idle shell sessions")
	}
}

// CloseAll ends every session, used at shutdown.
func (r *Relay) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.sessions {
		r.notify(s.controller, Event{Type: EventClosed, SessionID: s.id, Reason: ReasonShutdown})
		r.notifyDeviceLocked(s, ReasonShutdown)
		r.removeLocked(s, ReasonShutdown)
		n++
	}
	return n
}

func (r *Relay) isDeviceOfLocked(s *session, ep Endpoint) bool {
	if ep == nil {
		return false
	}
	if s.device != nil {
		return s.device.ID() == ep.ID()
	}
	dev, ok := r.devices[s.clientID]
	return ok && dev.endpoint.ID() == ep.ID()
}

func (r *Relay) notifyDeviceLocked(s *session, reason string) {
	target := s.device
	if target == nil {
		if dev, ok := r.devices[s.clientID]; ok {
			target = dev.endpoint
		}
	}
	if target != nil {
		r.notify(target, Event{Type: EventClose, SessionID: s.id, Reason: reason})
	}
}

func (r *Relay) removeLocked(s *session, reason string) {
	s.status = StatusClosed
	delete(r.sessions, s.id)
	if dev, ok := r.devices[s.clientID]; ok {
		delete(dev.sessions, s.id)
	}
	if ids, ok := r.byController[s.controller.ID()]; ok {
		delete(ids, s.id)
		if len(ids) == 0 {
			delete(r.byController, s.controller.ID())
		}
	}
	if r.hooks.Closed != nil {
		r.hooks.Closed(s.clientID, reason)
	}
	r.logger.Info().Str("session_id", s.id).Str("client_id", s.clientID).Str("reason", reason).Msg("shell session closed")
}

func (r *Relay) notify(ep Endpoint, ev Event) {
	if err := ep.Send(ev); err != nil {
		r.logger.Warn().Err(err).Str("endpoint", ep.ID()).Str("event", ev.Type).Msg("shell notification dropped")
	}
}

// Session returns a snapshot of an active session.
func (r *Relay) Session(sessionID string) (SessionInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// Sessions returns every active session ordered by creation time.
func (r *Relay) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Devices returns the devices connected for shell ordered by client id.
func (r *Relay) Devices() []DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]DeviceInfo, 0, len(r.devices))
	for id, dev := range r.devices {
		out = append(out, DeviceInfo{ClientID: id, ConnectedAt: dev.connectedAt, ActiveSessions: len(dev.sessions)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// DeviceConnected reports whether clientID is reachable for shell.
func (r *Relay) DeviceConnected(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.devices[clientID]
	return ok
}
