// Package fleet tracks device presence from heartbeats and stores telemetry
// log records pushed by devices.
package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DefaultOnlineWindow is how recent a heartbeat must be for a client to be
// reported online.
const DefaultOnlineWindow = 120 * time.Second

var ErrMissingClientID = errors.New("client_id is required")

// Heartbeat is the latest heartbeat of one client.
type Heartbeat struct {
	ClientID      string `gorm:"primaryKey"`
	Hostname      string
	LastHeartbeat time.Time `gorm:"index"`
	Info          string    `gorm:"type:text"`
}

// ClientPresence is a client as seen by the heartbeat registry.
type ClientPresence struct {
	ClientID      string         `json:"client_id"`
	Hostname      string         `json:"hostname"`
	LastHeartbeat time.Time      `json:"last_heartbeat"`
	Status        string         `json:"status"`
	Info          map[string]any `json:"info,omitempty"`
}

// PresenceReport summarises every client that has sent a heartbeat.
type PresenceReport struct {
	Clients []ClientPresence `json:"clients"`
	Total   int              `json:"total"`
	Online  int              `json:"online"`
	Offline int              `json:"offline"`
}

// Registry records heartbeats and telemetry logs.
type Registry struct {
	mu  sync.Mutex
	db  *gorm.DB
	now func() time.Time
}

func NewRegistry(db *gorm.DB) (*Registry, error) {
	if err := db.AutoMigrate(&Heartbeat{}, &LogRecord{}); err != nil {
		return nil, fmt.Errorf("migrate fleet: %w", err)
	}
	return &Registry{db: db, now: time.Now}, nil
}

// RecordHeartbeat upserts the heartbeat of the client named in payload.
func (r *Registry) RecordHeartbeat(ctx context.Context, payload map[string]any) (ClientPresence, error) {
	clientID, _ := payload["client_id"].(string)
	if clientID == "" {
		return ClientPresence{}, ErrMissingClientID
	}
	hostname, _ := payload["hostname"].(string)

	info, err := json.Marshal(payload)
	if err != nil {
		return ClientPresence{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	hb := Heartbeat{
		ClientID:      clientID,
		Hostname:      hostname,
		LastHeartbeat: r.now().UTC(),
		Info:          string(info),
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hostname", "last_heartbeat", "info"}),
	}).Create(&hb).Error
	if err != nil {
		return ClientPresence{}, fmt.Errorf("store heartbeat: %w", err)
	}
	return ClientPresence{ClientID: clientID, Hostname: hostname, LastHeartbeat: hb.LastHeartbeat, Status: "online"}, nil
}

// Presence reports every client, most recent heartbeat first. A client is
// online when its last heartbeat is within window.
func (r *Registry) Presence(ctx context.Context, window time.Duration) (PresenceReport, error) {
	if window <= 0 {
		window = DefaultOnlineWindow
	}
	var rows []Heartbeat
	if err := r.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return PresenceReport{}, err
	}

	now := r.now()
	report := PresenceReport{Clients: make([]ClientPresence, 0, len(rows)), Total: len(rows)}
	for _, hb := range rows {
		p := ClientPresence{ClientID: hb.ClientID, Hostname: hb.Hostname, LastHeartbeat: hb.LastHeartbeat, Status: "offline"}
		if now.Sub(hb.LastHeartbeat) <= window {
			p.Status = "online"
			report.Online++
		} else {
			report.Offline++
		}
		if hb.Info != "" {
			_ = json.Unmarshal([]byte(hb.Info), &p.Info)
		}
		report.Clients = append(report.Clients, p)
	}
	sort.Slice(report.Clients, func(i, j int) bool {
		return report.Clients[i].LastHeartbeat.After(report.Clients[j].LastHeartbeat)
	})
	return report, nil
}
