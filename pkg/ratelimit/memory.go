package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	count   int64
	expires time.Time
}

// MemoryStore keeps counters in process memory. Expired windows are swept
// lazily on access.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
	calls   int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window), now: time.Now}
}

func (s *MemoryStore) Incr(_ context.Context, key string, d time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.calls++
	if s.calls%1024 == 0 {
		for k, w := range s.windows {
			if !now.Before(w.expires) {
				delete(s.windows, k)
			}
		}
	}

	w, ok := s.windows[key]
	if !ok || !now.Before(w.expires) {
		w = &window{expires: now.Add(d)}
		s.windows[key] = w
	}
	w.count++
	return w.count, w.expires.Sub(now), nil
}
