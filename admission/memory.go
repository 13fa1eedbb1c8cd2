package admission

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. Restarting the process
// resets every counter.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*Window
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*Window), now: time.Now}
}

func (s *MemoryStore) Hit(_ context.Context, key string, window time.Duration) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	w, ok := s.windows[key]
	if !ok || !now.Before(w.ResetAt) {
		w = &Window{Key: key, ResetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.Count++
	return *w, nil
}

// Sweep drops windows that have already reset and reports how many.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for key, w := range s.windows {
		if !now.Before(w.ResetAt) {
			delete(s.windows, key)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows)
}
