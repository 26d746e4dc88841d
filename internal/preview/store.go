// Package preview hands out opaque handles for uploaded documents and
// renders a first-page thumbnail on first request.
package preview

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/imagerender"
)

var ErrUnknownHandle = errors.New("unknown preview handle")

// RenderFunc renders page 1 of doc to JPEG.
type RenderFunc func(doc []byte) ([]byte, error)

// FitzRenderer renders with MuPDF using opts.
func FitzRenderer(opts imagerender.Options) RenderFunc {
	return func(doc []byte) ([]byte, error) {
		b, _, _, err := imagerender.RenderPageToJPEG(doc, 1, opts)
		return b, err
	}
}

type entry struct {
	once sync.Once
	doc  []byte
	jpeg []byte
	err  error
}

// Store keeps documents until their handle is released.
type Store struct {
	mu      sync.Mutex
	entries map[string]*entry
	render  RenderFunc
}

func NewStore(render RenderFunc) *Store {
	return &Store{entries: make(map[string]*entry), render: render}
}

// Register keeps doc and returns a new handle for it.
func (s *Store) Register(doc []byte) string {
	h := uuid.NewString()
	s.mu.Lock()
	s.entries[h] = &entry{doc: doc}
	s.mu.Unlock()
	return h
}

// JPEG returns the thumbnail for handle, rendering it once.
func (s *Store) JPEG(handle string) ([]byte, error) {
	s.mu.Lock()
	e, ok := s.entries[handle]
	s.mu.Unlock()
	if !ok {
		return nil, ErrUnknownHandle
	}
	e.once.Do(func() {
		e.jpeg, e.err = s.render(e.doc)
		if e.err != nil {
			log.Warn().Err(e.err).Str("handle", handle).Msg("preview render failed")
		}
	})
	return e.jpeg, e.err
}

// Release drops the document behind handle. Unknown handles are ignored.
func (s *Store) Release(handles ...string) {
	s.mu.Lock()
	for _, h := range handles {
		delete(s.entries, h)
	}
	s.mu.Unlock()
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
