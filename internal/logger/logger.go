package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/axiomhq/axiom-go/axiom"
	"github.com/axiomhq/axiom-go/axiom/ingest"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

const (
	service    = "printcost"
	axiomBatch = 200
	axiomQueue = 1000
)

// Options defines logger initialization parameters.
type Options struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Axiom
	SendToAxiom  bool
	AxiomAPIKey  string
	AxiomOrgID   string
	AxiomDataset string
	AxiomFlush   time.Duration

	// Console replaces stdout; used by tests.
	Console io.Writer
}

var ax *axiomSink

// Init installs the global logger. Every line goes to the console and the
// rotating file; info and above is also shipped to Axiom when enabled.
func Init(opts Options) error {
	var writers []io.Writer

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return fmt.Errorf("create logs dir: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}

	console := opts.Console
	if console == nil {
		console = os.Stdout
	}
	if opts.Pretty {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}
	writers = append(writers, console)

	if opts.SendToAxiom && opts.AxiomAPIKey != "" {
		sink, err := newAxiomSink(opts.AxiomAPIKey, opts.AxiomOrgID, opts.AxiomDataset, opts.AxiomFlush)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Axiom disabled: %v\n", err)
		} else {
			ax = sink
			writers = append(writers, sink)
		}
	}

	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().Timestamp().Str("service", service).
		Logger()
	return nil
}

// Close flushes the Axiom sink, if any.
func Close() {
	if ax == nil {
		return
	}
	ax.Close()
	if n := ax.dropped.Load(); n > 0 {
		fmt.Fprintf(os.Stderr, "axiom: %d log events dropped\n", n)
	}
	ax = nil
}

// event builds an Axiom event from one zerolog JSON line.
func event(p []byte) axiom.Event {
	var ev map[string]interface{}
	if err := json.Unmarshal(p, &ev); err != nil {
		ev = map[string]interface{}{"message": string(p), "level": "info"}
	}
	if _, ok := ev["service"]; !ok {
		ev["service"] = service
	}
	if _, ok := ev[ingest.TimestampField]; !ok {
		ev[ingest.TimestampField] = time.Now()
	}
	return axiom.Event(ev)
}

// axiomSink batches events and ingests them in the background.
type axiomSink struct {
	client  *axiom.Client
	dataset string
	ch      chan axiom.Event
	dropped atomic.Int64

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

func newAxiomSink(token, orgID, dataset string, flushEvery time.Duration) (*axiomSink, error) {
	if dataset == "" {
		dataset = "dev_" + service
	}
	opts := []axiom.Option{axiom.SetToken(token)}
	if orgID != "" {
		opts = append(opts, axiom.SetOrganizationID(orgID))
	}
	c, err := axiom.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if flushEvery <= 0 {
		flushEvery = 10 * time.Second
	}
	s := &axiomSink{
		client:  c,
		dataset: dataset,
		ch:      make(chan axiom.Event, axiomQueue),
		stop:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run(flushEvery)
	return s, nil
}

func (s *axiomSink) Write(p []byte) (int, error) {
	return s.WriteLevel(zerolog.InfoLevel, p)
}

// WriteLevel drops debug and trace lines before they are decoded.
func (s *axiomSink) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < zerolog.InfoLevel {
		return len(p), nil
	}
	select {
	case s.ch <- event(p):
	default:
		s.dropped.Add(1)
	}
	return len(p), nil
}

func (s *axiomSink) run(flushEvery time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(flushEvery)
	defer ticker.Stop()

	batch := make([]axiom.Event, 0, axiomBatch)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		if _, err := s.client.IngestEvents(ctx, s.dataset, batch); err != nil {
			fmt.Fprintf(os.Stderr, "axiom ingest: %v\n", err)
		}
		cancel()
		batch = batch[:0]
	}
	for {
		select {
		case <-s.stop:
			// drain what is already queued
			for {
				select {
				case ev := <-s.ch:
					batch = append(batch, ev)
				default:
					flush()
					return
				}
			}
		case <-ticker.C:
			flush()
		case ev := <-s.ch:
			batch = append(batch, ev)
			if len(batch) >= axiomBatch {
				flush()
			}
		}
	}
}

func (s *axiomSink) Close() {
	s.once.Do(func() { close(s.stop) })
	s.wg.Wait()
}
