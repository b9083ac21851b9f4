// Package commands queues signed commands per device and records their
// results and an audit trail.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"github.com/edgepulse/edgepulse/pkg/whitelist"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	// MaxOutputSize caps stdout and stderr independently.
	MaxOutputSize   = 65536
	TruncatedMarker = "\n... [output truncated]"

	DefaultLimit = 100
	MaxLimit     = 1000
)

var (
	ErrCommandNotWhitelisted = whitelist.ErrCommandNotWhitelisted
	ErrClientNotRegistered   = auth.ErrClientNotRegistered
	ErrDuplicateResult       = errors.New("result already stored for command")
	ErrCommandNotIssued      = errors.New("command was not issued to this client")
	ErrMissingCommandUUID    = errors.New("command_uuid is required")
)

// Service owns the pending queue, the result log and the audit trail.
// Queue mutations are serialized by mu.
type Service struct {
	mu        sync.Mutex
	db        *gorm.DB
	whitelist *whitelist.Whitelist
	signer    *auth.Signer
	now       func() time.Time
}

func NewService(db *gorm.DB, wl *whitelist.Whitelist, signer *auth.Signer) (*Service, error) {
	if err := db.AutoMigrate(&PendingCommand{}, &Result{}, &AuditEntry{}); err != nil {
		return nil, fmt.Errorf("migrate commands: %w", err)
	}
	return &Service{db: db, whitelist: wl, signer: signer, now: time.Now}, nil
}

// Whitelist returns the whitelist commands are validated against.
func (s *Service) Whitelist() *whitelist.Whitelist {
	return s.whitelist
}

// Queue validates, builds and signs a command for clientID and appends it to
// that client's pending queue. Nothing is stored when any step fails.
func (s *Service) Queue(ctx context.Context, clientID, commandID string, params map[string]any, issuer string) (SignedCommand, error) {
	spec, ok := s.whitelist.Get(commandID)
	if !ok {
		return SignedCommand{}, &whitelist.ValidationError{
			Reason: fmt.Sprintf("Command '%s' not in whitelist", commandID),
			Err:    ErrCommandNotWhitelisted,
		}
	}
	sanitized, err := s.whitelist.ValidateParams(commandID, params)
	if err != nil {
		return SignedCommand{}, err
	}
	cmdString, err := s.whitelist.BuildCommandString(commandID, sanitized)
	if err != nil {
		return SignedCommand{}, err
	}

	paramsPayload := make(map[string]any, len(sanitized))
	for k, v := range sanitized {
		paramsPayload[k] = v
	}
	now := s.now()
	unsigned := auth.Payload{
		"command_uuid":   uuid.NewString(),
		"command_id":     commandID,
		"command_string": cmdString,
		"params":         paramsPayload,
		"timeout":        spec.Timeout,
		"queued_at":      auth.FormatTimestamp(now),
		"queued_by":      issuer,
		"status":         StatusPending,
	}
	signed, err := s.signer.SignCommand(ctx, unsigned, clientID)
	if err != nil {
		return SignedCommand{}, err
	}

	raw, err := json.Marshal(signed)
	if err != nil {
		return SignedCommand{}, err
	}
	cmd, err := decodeSigned(string(raw))
	if err != nil {
		return SignedCommand{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := PendingCommand{
			ClientID:    clientID,
			CommandUUID: cmd.CommandUUID,
			Payload:     string(raw),
			QueuedAt:    now.UTC(),
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return tx.Create(&AuditEntry{
			Timestamp:   now.UTC(),
			EventType:   EventQueued,
			User:        issuer,
			CommandUUID: cmd.CommandUUID,
			CommandID:   commandID,
			ClientID:    clientID,
			Status:      StatusPending,
		}).Error
	})
	if err != nil {
		return SignedCommand{}, fmt.Errorf("queue command: %w", err)
	}
	return cmd, nil
}

// Pending lists clientID's queue oldest first without consuming it.
func (s *Service) Pending(ctx context.Context, clientID string) ([]SignedCommand, error) {
	var rows []PendingCommand
	if err := s.db.WithContext(ctx).Where("client_id = ?", clientID).Order("id asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]SignedCommand, 0, len(rows))
	for _, row := range rows {
		cmd, err := decodeSigned(row.Payload)
		if err != nil {
			return nil, fmt.Errorf("decode pending %s: %w", row.CommandUUID, err)
		}
		out = append(out, cmd)
	}
	return out, nil
}

// Pop removes and returns the oldest pending command, or nil when the queue
// is empty.
func (s *Service) Pop(ctx context.Context, clientID string) (*SignedCommand, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var popped *SignedCommand
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row PendingCommand
		err := tx.Where("client_id = ?", clientID).Order("id asc").First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&PendingCommand{}, row.ID).Error; err != nil {
			return err
		}
		cmd, err := decodeSigned(row.Payload)
		if err != nil {
			return fmt.Errorf("decode pending %s: %w", row.CommandUUID, err)
		}
		popped = &cmd
		return nil
	})
	if err != nil {
		return nil, err
	}
	return popped, nil
}

// Clear drops clientID's queue and reports how many commands were removed.
func (s *Service) Clear(ctx context.Context, clientID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := s.db.WithContext(ctx).Where("client_id = ?", clientID).Delete(&PendingCommand{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

// StoreResult stamps, truncates and appends a result, then audits it.
// The command_uuid must have been queued for result.ClientID, and a second
// result for the same command_uuid is rejected. The command id recorded at
// queue time replaces whatever the device reported.
func (s *Service) StoreResult(ctx context.Context, result Result) (Result, error) {
	if result.CommandUUID == "" {
		return Result{}, ErrMissingCommandUUID
	}
	result.ID = 0
	result.ResultReceivedAt = s.now().UTC()
	if result.Status == "" {
		result.Status = StatusFailed
		if result.ExitCode == 0 {
			result.Status = StatusSuccess
		}
	}
	var cut bool
	result.Stdout, cut = truncate(result.Stdout)
	result.Truncated = result.Truncated || cut
	result.Stderr, cut = truncate(result.Stderr)
	result.Truncated = result.Truncated || cut

	exitCode := result.ExitCode
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var issued AuditEntry
		err := tx.Where("event_type = ? AND command_uuid = ? AND client_id = ?",
			EventQueued, result.CommandUUID, result.ClientID).First(&issued).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrCommandNotIssued
		}
		if err != nil {
			return err
		}
		result.CommandID = issued.CommandID

		var count int64
		if err := tx.Model(&Result{}).Where("command_uuid = ?", result.CommandUUID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateResult
		}
		if err := tx.Create(&result).Error; err != nil {
			return err
		}
		return tx.Create(&AuditEntry{
			Timestamp:   result.ResultReceivedAt,
			EventType:   EventCompleted,
			User:        result.ClientID,
			CommandUUID: result.CommandUUID,
			CommandID:   result.CommandID,
			ClientID:    result.ClientID,
			Status:      result.Status,
			ExitCode:    &exitCode,
		}).Error
	})
	if err != nil {
		if errors.Is(err, ErrCommandNotIssued) {
			return Result{}, err
		}
		if errors.Is(err, ErrDuplicateResult) || errors.Is(err, gorm.ErrDuplicatedKey) ||
			strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return Result{}, ErrDuplicateResult
		}
		return Result{}, fmt.Errorf("store result: %w", err)
	}
	return result, nil
}

func truncate(s string) (string, bool) {
	if len(s) <= MaxOutputSize {
		return s, false
	}
	cut := MaxOutputSize
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncatedMarker, true
}

// Results returns up to limit results most recent first. An empty clientID
// matches every client.
func (s *Service) Results(ctx context.Context, clientID string, limit int) ([]Result, error) {
	q := s.db.WithContext(ctx).Order("id desc").Limit(clampLimit(limit))
	if clientID != "" {
		q = q.Where("client_id = ?", clientID)
	}
	var results []Result
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	return results, nil
}

// ResultByUUID returns the result stored for commandUUID.
func (s *Service) ResultByUUID(ctx context.Context, commandUUID string) (Result, bool, error) {
	var result Result
	err := s.db.WithContext(ctx).Where("command_uuid = ?", commandUUID).First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, err
	}
	return result, true, nil
}

// Audit returns up to limit audit entries most recent first.
func (s *Service) Audit(ctx context.Context, limit int) ([]AuditEntry, error) {
	var entries []AuditEntry
	if err := s.db.WithContext(ctx).Order("id desc").Limit(clampLimit(limit)).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

// DiagnosticSnapshot maps each command id to its most recent result for
// clientID. With no ids it covers every command the client has reported.
func (s *Service) DiagnosticSnapshot(ctx context.Context, clientID string, commandIDs []string) (map[string]DiagnosticData, error) {
	q := s.db.WithContext(ctx).Where("client_id = ?", clientID).Order("id desc")
	if len(commandIDs) > 0 {
		q = q.Where("command_id IN ?", commandIDs)
	}
	var results []Result
	if err := q.Find(&results).Error; err != nil {
		return nil, err
	}
	snapshot := make(map[string]DiagnosticData)
	for _, r := range results {
		if _, seen := snapshot[r.CommandID]; seen {
			continue
		}
		snapshot[r.CommandID] = DiagnosticData{
			Stdout:     r.Stdout,
			Stderr:     r.Stderr,
			ExitCode:   r.ExitCode,
			ExecutedAt: r.ExecutedAt,
		}
	}
	return snapshot, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}
