package account

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	snapshot  Snapshot
	expiresAt time.Time
}

// MemoryHealthStore keeps snapshots in process. Expired entries are swept by
// a background goroutine until Close.
type MemoryHealthStore struct {
	mu              sync.RWMutex
	items           map[string]memoryEntry
	stopCleanup     chan struct{}
	cleanupOnce     sync.Once
	cleanupInterval time.Duration
}

// NewMemoryHealthStore starts the sweeper; an interval <= 0 means 5 minutes.
func NewMemoryHealthStore(cleanupInterval time.Duration) *MemoryHealthStore {
	if cleanupInterval <= 0 {
		cleanupInterval = 5 * time.Minute
	}

	s := &MemoryHealthStore{
		items:           make(map[string]memoryEntry),
		stopCleanup:     make(chan struct{}),
		cleanupInterval: cleanupInterval,
	}
	go s.cleanupExpired()
	return s
}

func (s *MemoryHealthStore) Load(_ context.Context, key string) (Snapshot, bool, error) {
	s.mu.RLock()
	entry, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return Snapshot{}, false, nil
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		s.mu.Lock()
		if e, exists := s.items[key]; exists && now.After(e.expiresAt) {
			delete(s.items, key)
		}
		s.mu.Unlock()
		return Snapshot{}, false, nil
	}

	return entry.snapshot, true, nil
}

// Save stores snap for ttl. A ttl <= 0 deletes the key.
func (s *MemoryHealthStore) Save(_ context.Context, key string, snap Snapshot, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ttl <= 0 {
		delete(s.items, key)
		return nil
	}
	s.items[key] = memoryEntry{snapshot: snap, expiresAt: time.Now().Add(ttl)}
	return nil
}

func (s *MemoryHealthStore) cleanupExpired() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			for k, v := range s.items {
				if now.After(v.expiresAt) {
					delete(s.items, k)
				}
			}
			s.mu.Unlock()
		case <-s.stopCleanup:
			return
		}
	}
}

// Close stops the sweeper.
func (s *MemoryHealthStore) Close() error {
	s.cleanupOnce.Do(func() {
		close(s.stopCleanup)
	})
	return nil
}

// Len returns the number of stored snapshots, expired or not.
func (s *MemoryHealthStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
