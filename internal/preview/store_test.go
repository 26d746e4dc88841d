package preview

import (
	"errors"
	"sync"
	"testing"
)

func TestRenderOnceAndRelease(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	s := NewStore(func(doc []byte) ([]byte, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return append([]byte("jpeg:"), doc...), nil
	})
	h := s.Register([]byte("a"))
	other := s.Register([]byte("b"))
	if h == other {
		t.Fatal("handles must be unique")
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := s.JPEG(h)
			if err != nil || string(b) != "jpeg:a" {
				t.Errorf("jpeg: %q %v", b, err)
			}
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Fatalf("render calls: got %d want 1", calls)
	}

	s.Release(h, "never-issued")
	if _, err := s.JPEG(h); !errors.Is(err, ErrUnknownHandle) {
		t.Fatalf("expected unknown handle, got %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("len: got %d want 1", s.Len())
	}
}

func TestRenderErrorIsSticky(t *testing.T) {
	boom := errors.New("boom")
	s := NewStore(func([]byte) ([]byte, error) { return nil, boom })
	h := s.Register([]byte("x"))
	for i := 0; i < 2; i++ {
		if _, err := s.JPEG(h); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: got %v", i, err)
		}
	}
}
