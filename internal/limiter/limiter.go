package limiter

import (
	"sync"
)

// Slots hands out a bounded number of in-process slots per key. The upload
// path uses it to allow one analysis at a time per session.
type Slots struct {
	max int
	mu  sync.Mutex
	sem map[string]chan struct{}
}

func New(maxInflight int) *Slots {
	if maxInflight <= 0 {
		maxInflight = 1
	}
	return &Slots{max: maxInflight, sem: map[string]chan struct{}{}}
}

// Allow tries to reserve a slot for key.
// Returns a release function and true if allowed; otherwise a no-op and false.
func (s *Slots) Allow(key string) (func(), bool) {
	s.mu.Lock()
	ch, ok := s.sem[key]
	if !ok {
		ch = make(chan struct{}, s.max)
		s.sem[key] = ch
	}
	s.mu.Unlock()
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, true
	default:
		return func() {}, false
	}
}

// Forget drops the bookkeeping for key once it has no holders.
func (s *Slots) Forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.sem[key]; ok && len(ch) == 0 {
		delete(s.sem, key)
	}
}
