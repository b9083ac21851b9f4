package store

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/edgepulse/edgepulse/pkg/auth"
	"gorm.io/gorm"
)

// UsedNonce tracks recently seen nonces for replay detection.
type UsedNonce struct {
	ID     uint      `gorm:"primaryKey"`
	Nonce  string    `gorm:"uniqueIndex"`
	SeenAt time.Time `gorm:"index"`
}

// NonceStore provides persistent replay protection using the database.
type NonceStore struct {
	mu        sync.Mutex
	db        *gorm.DB
	retention time.Duration
}

var _ auth.NonceStore = (*NonceStore)(nil)

func NewNonceStore(db *gorm.DB, retention time.Duration) (*NonceStore, error) {
	if retention <= 0 {
		retention = auth.DefaultNonceRetention
	}
	if err := db.AutoMigrate(&UsedNonce{}); err != nil {
		return nil, err
	}
	return &NonceStore{db: db, retention: retention}, nil
}

// CheckAndStore records nonce, returning auth.ErrNonceReplayed on reuse.
// Records older than the retention window are purged on every write.
func (s *NonceStore) CheckAndStore(ctx context.Context, nonce string, seenAt time.Time) error {
	if nonce == "" {
		return errors.New("missing nonce")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seenAt = seenAt.UTC()
	db := s.db.WithContext(ctx)
	cutoff := seenAt.Add(-s.retention)
	if err := db.Where("seen_at < ?", cutoff).Delete(&UsedNonce{}).Error; err != nil {
		return err
	}

	var count int64
	if err := db.Model(&UsedNonce{}).Where("nonce = ?", nonce).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return auth.ErrNonceReplayed
	}

	record := UsedNonce{Nonce: nonce, SeenAt: seenAt}
	if err := db.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return auth.ErrNonceReplayed
		}
		return err
	}
	return nil
}
