package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const ReceivedAtField = "server_received_at"

// LogRecord is one telemetry record as received, stored verbatim.
type LogRecord struct {
	ID         uint      `gorm:"primaryKey"`
	ReceivedAt time.Time `gorm:"index"`
	Payload    string    `gorm:"type:text"`
}

// LogStats summarises the stored telemetry.
type LogStats struct {
	TotalRecords    int64  `json:"total_records"`
	LatestTimestamp any    `json:"latest_timestamp"`
	LatestReceived  string `json:"latest_received_at,omitempty"`
}

// AppendLog stamps record with the receipt time and appends it.
func (r *Registry) AppendLog(ctx context.Context, record map[string]any) (map[string]any, error) {
	if record == nil {
		return nil, fmt.Errorf("log record must be a JSON object")
	}
	now := r.now()
	record[ReceivedAtField] = now.UTC().Format(time.RFC3339Nano)

	raw, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if err := r.db.WithContext(ctx).Create(&LogRecord{ReceivedAt: now.UTC(), Payload: string(raw)}).Error; err != nil {
		return nil, fmt.Errorf("store log record: %w", err)
	}
	return record, nil
}

// RecentLogs returns the newest limit records in arrival order together with
// the total number stored.
func (r *Registry) RecentLogs(ctx context.Context, limit int) ([]map[string]any, int64, error) {
	if limit <= 0 {
		limit = 100
	}
	db := r.db.WithContext(ctx)

	var total int64
	if err := db.Model(&LogRecord{}).Count(&total).Error; err != nil {
		return nil, 0, err
	}
	var rows []LogRecord
	if err := db.Order("id desc").Limit(limit).Find(&rows).Error; err != nil {
		return nil, 0, err
	}

	out := make([]map[string]any, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		rec, err := decodeRecord(rows[i].Payload)
		if err != nil {
			return nil, 0, fmt.Errorf("decode log record %d: %w", rows[i].ID, err)
		}
		out = append(out, rec)
	}
	return out, total, nil
}

// Stats reports the record count and the timestamp of the newest record.
func (r *Registry) Stats(ctx context.Context) (LogStats, error) {
	db := r.db.WithContext(ctx)
	var stats LogStats
	if err := db.Model(&LogRecord{}).Count(&stats.TotalRecords).Error; err != nil {
		return LogStats{}, err
	}
	if stats.TotalRecords == 0 {
		return stats, nil
	}
	var latest LogRecord
	if err := db.Order("id desc").First(&latest).Error; err != nil {
		return LogStats{}, err
	}
	rec, err := decodeRecord(latest.Payload)
	if err != nil {
		return LogStats{}, err
	}
	stats.LatestTimestamp = rec["timestamp"]
	stats.LatestReceived, _ = rec[ReceivedAtField].(string)
	return stats, nil
}

func decodeRecord(payload string) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(payload)))
	dec.UseNumber()
	var rec map[string]any
	err := dec.Decode(&rec)
	return rec, err
}
