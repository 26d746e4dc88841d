package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestInitWritesConsoleAndFile(t *testing.T) {
	prev := log.Logger
	t.Cleanup(func() { log.Logger = prev })

	var console bytes.Buffer
	file := filepath.Join(t.TempDir(), "logs", "app.log")
	if err := Init(Options{Level: "warn", File: file, MaxSizeMB: 1, Console: &console}); err != nil {
		t.Fatal(err)
	}
	log.Info().Msg("quiet")
	log.Warn().Str("file", "a.pdf").Msg("loud")

	out := console.String()
	if strings.Contains(out, "quiet") || !strings.Contains(out, "loud") || !strings.Contains(out, `"service":"printcost"`) {
		t.Fatalf("console output: %s", out)
	}
	b, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"file":"a.pdf"`) {
		t.Fatalf("file output: %s", b)
	}
}

func TestAxiomSinkFiltersAndDrops(t *testing.T) {
	s := &axiomSink{ch: make(chan axiom.Event, 1)}
	if _, err := s.WriteLevel(zerolog.DebugLevel, []byte(`{"level":"debug","message":"x"}`)); err != nil {
		t.Fatal(err)
	}
	if len(s.ch) != 0 {
		t.Fatal("debug line forwarded")
	}
	s.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"boom"}`))
	s.WriteLevel(zerolog.ErrorLevel, []byte(`{"level":"error","message":"again"}`))
	if len(s.ch) != 1 || s.dropped.Load() != 1 {
		t.Fatalf("queued=%d dropped=%d", len(s.ch), s.dropped.Load())
	}

	ev := <-s.ch
	if ev["message"] != "boom" || ev["service"] != service || ev[ingest.TimestampField] == nil {
		t.Fatalf("event: %v", ev)
	}
	if raw := event([]byte("not json")); raw["message"] != "not json" {
		t.Fatalf("raw line: %v", raw)
	}
}
