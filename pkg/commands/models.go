package commands

import (
	"encoding/json"
	"time"
)

const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusFailed  = "failed"

	EventQueued    = "queued"
	EventCompleted = "completed"
)

// SignedCommand is what a device receives. Its JSON form carries exactly the
// fields covered by the signature plus the signature itself.
type SignedCommand struct {
	CommandUUID   string            `json:"command_uuid"`
	CommandID     string            `json:"command_id"`
	CommandString string            `json:"command_string"`
	Params        map[string]string `json:"params"`
	Timeout       int               `json:"timeout"`
	QueuedAt      string            `json:"queued_at"`
	QueuedBy      string            `json:"queued_by"`
	Status        string            `json:"status"`
	ClientID      string            `json:"client_id"`
	Timestamp     string            `json:"timestamp"`
	Nonce         string            `json:"nonce"`
	Signature     string            `json:"signature"`
}

// PendingCommand is a queued command row. The autoincrement id gives FIFO order.
type PendingCommand struct {
	ID          uint   `gorm:"primaryKey"`
	ClientID    string `gorm:"index"`
	CommandUUID string `gorm:"uniqueIndex"`
	Payload     string `gorm:"type:text"`
	QueuedAt    time.Time
}

// Result is the outcome of one command as reported by the device.
type Result struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	CommandUUID      string    `gorm:"uniqueIndex" json:"command_uuid"`
	CommandID        string    `gorm:"index" json:"command_id"`
	ClientID         string    `gorm:"index" json:"client_id"`
	ExitCode         int       `json:"exit_code"`
	Stdout           string    `gorm:"type:text" json:"stdout"`
	Stderr           string    `gorm:"type:text" json:"stderr"`
	Truncated        bool      `json:"truncated"`
	ExecutedAt       string    `json:"executed_at"`
	DurationSeconds  float64   `json:"duration_seconds"`
	Status           string    `json:"status"`
	ResultReceivedAt time.Time `json:"result_received_at"`
}

func (Result) TableName() string { return "command_results" }

// AuditEntry is appended whenever a command is queued or a result stored.
type AuditEntry struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	Timestamp   time.Time `gorm:"index" json:"timestamp"`
	EventType   string    `json:"event_type"`
	User        string    `json:"user"`
	CommandUUID string    `gorm:"index" json:"command_uuid"`
	CommandID   string    `json:"command_id"`
	ClientID    string    `json:"client_id"`
	Status      string    `json:"status"`
	ExitCode    *int      `json:"exit_code"`
}

func (AuditEntry) TableName() string { return "command_audit" }

// DiagnosticData is the slice of a result handed to diagnostics consumers.
type DiagnosticData struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	ExecutedAt string `json:"executed_at"`
}

func decodeSigned(payload string) (SignedCommand, error) {
	var cmd SignedCommand
	err := json.Unmarshal([]byte(payload), &cmd)
	return cmd, err
}
