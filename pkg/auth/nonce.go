package auth

import (
	"context"
	"sync"
	"time"
)

// NonceStore remembers used nonces. CheckAndStore must reject a nonce that is
// already recorded and still inside the retention window with ErrNonceReplayed.
// Entries past retention may be forgotten, so an old purged nonce is not
// guaranteed to be rejected.
type NonceStore interface {
	CheckAndStore(ctx context.Context, nonce string, seenAt time.Time) error
}

// MemoryNonceStore is a process-local NonceStore.
type MemoryNonceStore struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
}

func NewMemoryNonceStore(retention time.Duration) *MemoryNonceStore {
	if retention <= 0 {
		retention = DefaultNonceRetention
	}
	return &MemoryNonceStore{seen: make(map[string]time.Time), retention: retention}
}

func (s *MemoryNonceStore) CheckAndStore(_ context.Context, nonce string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for n, at := range s.seen {
		if seenAt.Sub(at) > s.retention {
			delete(s.seen, n)
		}
	}
	if _, ok := s.seen[nonce]; ok {
		return ErrNonceReplayed
	}
	s.seen[nonce] = seenAt
	return nil
}

// Len reports how many nonces are currently remembered.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
