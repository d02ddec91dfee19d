package dedupe

import (
	"context"
	"sync"
	"time"

	"github.com/airhost/airhost-gateway/internal/metrics"
)

// MemoryStore is a single-process Store. Expired claims are swept by a
// background loop and also ignored on access.
type MemoryStore struct {
	claims    map[string]time.Time
	mu        sync.Mutex
	ttl       time.Duration
	now       func() time.Time
	cleanupCh chan struct{}
	closeOnce sync.Once
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	return newMemoryStore(ttl, time.Minute, time.Now)
}

func newMemoryStore(ttl, sweep time.Duration, now func() time.Time) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		claims:    make(map[string]time.Time),
		ttl:       ttl,
		now:       now,
		cleanupCh: make(chan struct{}),
	}
	go s.cleanupLoop(sweep)
	return s
}

func (s *MemoryStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if expires, ok := s.claims[key]; ok && now.Before(expires) {
		return false, nil
	}
	s.claims[key] = now.Add(s.ttl)
	metrics.DedupeEntries.Set(float64(len(s.claims)))
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.claims, key)
	metrics.DedupeEntries.Set(float64(len(s.claims)))
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of live claims.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.claims)
}

func (s *MemoryStore) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.cleanupCh:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, expires := range s.claims {
		if !now.Before(expires) {
			delete(s.claims, key)
		}
	}
	metrics.DedupeEntries.Set(float64(len(s.claims)))
}

// Close stops the cleanup goroutine.
func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.cleanupCh) })
	return nil
}
