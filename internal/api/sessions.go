package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/engine"
	"github.com/local/printcost/internal/metrics"
)

const sessionCookie = "printcost_session"

// session is one browser's collection.
type session struct {
	id          string
	engine      *engine.Engine
	unsubscribe func()
	lastSeen    time.Time
}

// Sessions maps cookies to engines and expires idle ones.
type Sessions struct {
	mu    sync.Mutex
	items map[string]*session
	ttl   time.Duration
	now   func() time.Time

	newEngine func() *engine.Engine
	onCreate  func(*session)
	onEvict   func(*session)
}

func NewSessions(ttl time.Duration, newEngine func() *engine.Engine) *Sessions {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &Sessions{
		items:     make(map[string]*session),
		ttl:       ttl,
		now:       time.Now,
		newEngine: newEngine,
	}
}

// Resolve returns the caller's session, creating one and setting the
// cookie when the request carries none or an expired one.
func (s *Sessions) Resolve(w http.ResponseWriter, r *http.Request) *session {
	if c, err := r.Cookie(sessionCookie); err == nil {
		if sess := s.touch(c.Value); sess != nil {
			return sess
		}
	}
	sess := &session{id: uuid.NewString(), engine: s.newEngine(), lastSeen: s.now()}
	if s.onCreate != nil {
		s.onCreate(sess)
	}
	s.mu.Lock()
	s.items[sess.id] = sess
	n := len(s.items)
	s.mu.Unlock()
	metrics.SetActiveSessions(n)

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    sess.id,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(s.ttl / time.Second),
	})
	log.Debug().Str("session", sess.id).Msg("session created")
	return sess
}

// Lookup returns an existing session without creating one.
func (s *Sessions) Lookup(r *http.Request) *session {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	return s.touch(c.Value)
}

func (s *Sessions) touch(id string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.items[id]
	if !ok {
		return nil
	}
	now := s.now()
	if now.Sub(sess.lastSeen) > s.ttl {
		return nil
	}
	sess.lastSeen = now
	return sess
}

// Sweep evicts sessions idle for longer than the TTL.
func (s *Sessions) Sweep() int {
	var expired []*session
	s.mu.Lock()
	now := s.now()
	for id, sess := range s.items {
		if now.Sub(sess.lastSeen) > s.ttl {
			expired = append(expired, sess)
			delete(s.items, id)
		}
	}
	n := len(s.items)
	s.mu.Unlock()

	for _, sess := range expired {
		if s.onEvict != nil {
			s.onEvict(sess)
		}
	}
	if len(expired) > 0 {
		metrics.SetActiveSessions(n)
		log.Info().Int("expired", len(expired)).Int("active", n).Msg("sessions expired")
	}
	return len(expired)
}

// Run sweeps every interval until ctx is done.
func (s *Sessions) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Sweep()
		}
	}
}

func (s *Sessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
