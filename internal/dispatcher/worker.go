package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/metrics"
	"github.com/local/printcost/internal/pricing"
	"github.com/local/printcost/internal/printjob"
	"github.com/local/printcost/internal/store"
)

type Queue interface {
	Dequeue(ctx context.Context, consumer string, timeout time.Duration) (string, []byte, error)
	Ack(ctx context.Context, msgID string) error
	EnqueueDelayed(ctx context.Context, payload []byte, executeAt time.Time) error
	AddDLQ(ctx context.Context, payload []byte, reason string) error
	IsIdemDone(ctx context.Context, key string) (bool, error)
	MarkIdemDone(ctx context.Context, key string, ttl time.Duration) error
}

// depthReporter is implemented by queues that can report their lengths.
type depthReporter interface {
	Depths(ctx context.Context) (int64, int64, int64, error)
}

type StatusStore interface {
	Transition(ctx context.Context, id, state, message string, attempts int) error
	MarkMismatch(ctx context.Context, id string, recomputed float64) error
}

type Breaker interface {
	IsOpen(ctx context.Context, target string) bool
	Open(ctx context.Context, target string) time.Duration
	Close(ctx context.Context, target string)
}

type Config struct {
	Concurrency    int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryJitter    time.Duration
	BackoffFactor  float64
	NotifyTimeout  time.Duration
	PollTimeout    time.Duration
	IdemTTL        time.Duration
}

// Outcome of processing one ticket.
const (
	OutcomeSent      = "sent"
	OutcomeRetry     = "retry"
	OutcomeDLQ       = "dlq"
	OutcomeDuplicate = "duplicate"
	OutcomeDeferred  = "deferred"
)

// Worker consumes fulfillment tickets, re-prices them and notifies the
// fulfillment webhook.
type Worker struct {
	cfg      Config
	q        Queue
	status   StatusStore
	notifier Notifier
	breaker  Breaker
	table    pricing.Table
	now      func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cfg Config, q Queue, status StatusStore, n Notifier, b Breaker, table pricing.Table) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 2
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = 15 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.IdemTTL <= 0 {
		cfg.IdemTTL = 7 * 24 * time.Hour
	}
	return &Worker{
		cfg:      cfg,
		q:        q,
		status:   status,
		notifier: n,
		breaker:  b,
		table:    table,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func (w *Worker) Start() {
	host, _ := os.Hostname()
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(fmt.Sprintf("%s-%d", host, i))
	}
	if dr, ok := w.q.(depthReporter); ok {
		w.wg.Add(1)
		go w.reportDepths(dr)
	}
}

// Stop signals the loops and waits for in-flight tickets, bounded by ctx.
func (w *Worker) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() { close(w.stop) })
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) loop(consumer string) {
	defer w.wg.Done()
	log.Info().Str("consumer", consumer).Msg("fulfillment worker started")
	for {
		select {
		case <-w.stop:
			log.Info().Str("consumer", consumer).Msg("fulfillment worker stopped")
			return
		default:
		}

		msgID, data, err := w.q.Dequeue(context.Background(), consumer, w.cfg.PollTimeout)
		if err != nil {
			log.Error().Err(err).Msg("queue dequeue error")
			time.Sleep(500 * time.Millisecond)
			continue
		}
		if msgID == "" {
			continue
		}
		w.Process(context.Background(), msgID, data)
	}
}

func (w *Worker) reportDepths(dr depthReporter) {
	defer w.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			s, d, dlq, err := dr.Depths(ctx)
			cancel()
			if err != nil {
				continue
			}
			metrics.SetQueueDepth("stream", s)
			metrics.SetQueueDepth("delayed", d)
			metrics.SetQueueDepth("dlq", dlq)
		}
	}
}

// Process handles one stream message and always acknowledges it: retries
// travel through the delayed set, failures through the DLQ.
func (w *Worker) Process(ctx context.Context, msgID string, data []byte) string {
	defer func() {
		if err := w.q.Ack(ctx, msgID); err != nil {
			log.Error().Err(err).Str("msg_id", msgID).Msg("ack failed")
		}
	}()

	var t printjob.Ticket
	if err := json.Unmarshal(data, &t); err != nil || t.SubmissionID == "" {
		reason := "malformed ticket"
		if err != nil {
			reason = err.Error()
		}
		w.deadLetter(ctx, "", data, t.Attempt, &ValidationError{Message: reason})
		return OutcomeDLQ
	}
	logger := log.With().Str("submission_id", t.SubmissionID).Int("attempt", t.Attempt+1).Logger()

	if done, err := w.q.IsIdemDone(ctx, t.SubmissionID); err == nil && done {
		logger.Info().Msg("submission already notified; skipping duplicate ticket")
		return OutcomeDuplicate
	}

	target := w.notifier.Target()
	if w.breaker.IsOpen(ctx, target) {
		at := w.now().Add(w.cfg.RetryBaseDelay)
		if err := w.q.EnqueueDelayed(ctx, data, at); err != nil {
			// the message is acked on return, so the DLQ is the only copy left
			w.deadLetter(ctx, t.SubmissionID, data, t.Attempt, fmt.Errorf("defer while breaker open: %w", err))
			return OutcomeDLQ
		}
		_ = w.status.Transition(ctx, t.SubmissionID, store.StateRetrying, "notification target cooling down", t.Attempt)
		return OutcomeDeferred
	}

	n := w.buildNotification(ctx, t)

	nctx, cancel := context.WithTimeout(ctx, w.cfg.NotifyTimeout)
	err := w.notifier.Notify(nctx, n)
	cancel()
	if err == nil {
		w.breaker.Close(ctx, target)
		_ = w.q.MarkIdemDone(ctx, t.SubmissionID, w.cfg.IdemTTL)
		_ = w.status.Transition(ctx, t.SubmissionID, store.StateNotified, "", t.Attempt+1)
		metrics.IncNotification(OutcomeSent)
		logger.Info().Float64("total", t.TotalPrice).Int("documents", len(t.Documents)).Msg("fulfillment notified")
		return OutcomeSent
	}

	t.Attempt++
	if classify(err) == failPermanent || t.Attempt >= w.cfg.MaxAttempts {
		b, _ := json.Marshal(t)
		w.deadLetter(ctx, t.SubmissionID, b, t.Attempt, err)
		return OutcomeDLQ
	}

	w.breaker.Open(ctx, target)
	delay := w.retryDelay(t.Attempt)
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > delay {
		delay = rl.RetryAfter
	}
	b, _ := json.Marshal(t)
	if qerr := w.q.EnqueueDelayed(ctx, b, w.now().Add(delay)); qerr != nil {
		w.deadLetter(ctx, t.SubmissionID, b, t.Attempt, fmt.Errorf("reschedule: %w (after %v)", qerr, err))
		return OutcomeDLQ
	}
	_ = w.status.Transition(ctx, t.SubmissionID, store.StateRetrying, err.Error(), t.Attempt)
	metrics.IncNotification(OutcomeRetry)
	logger.Warn().Err(err).Dur("retry_in", delay).Msg("notification failed; retry scheduled")
	return OutcomeRetry
}

// buildNotification re-prices every document from the ticket's own
// settings and page analyses and flags any disagreement.
func (w *Worker) buildNotification(ctx context.Context, t printjob.Ticket) Notification {
	lines := make([]pricing.Line, 0, len(t.Documents))
	for _, d := range t.Documents {
		lines = append(lines, pricing.Line{ID: d.RecordID, Settings: d.Settings, Pages: d.Pages, Asserted: d.Price})
	}
	recomputed, mismatches, ok := w.table.Verify(lines, t.TotalPrice)
	if !ok {
		metrics.IncPriceMismatch()
		log.Warn().
			Str("submission_id", t.SubmissionID).
			Float64("asserted", t.TotalPrice).
			Float64("recomputed", recomputed).
			Int("documents", len(mismatches)).
			Msg("submitted price disagrees with recomputed price")
		_ = w.status.MarkMismatch(ctx, t.SubmissionID, recomputed)
	}
	return Notification{
		SubmissionID:    t.SubmissionID,
		Name:            t.Name,
		Email:           t.Email,
		Documents:       t.Documents,
		TotalPrice:      t.TotalPrice,
		RecomputedTotal: recomputed,
		PriceMismatch:   !ok,
		Mismatches:      mismatches,
		SubmittedAt:     t.CreatedAt,
		DeliveryAttempt: t.Attempt + 1,
	}
}

func (w *Worker) retryDelay(attempt int) time.Duration {
	d := float64(w.cfg.RetryBaseDelay) * math.Pow(w.cfg.BackoffFactor, float64(attempt-1))
	if w.cfg.RetryJitter > 0 {
		d += float64(rand.Int63n(int64(w.cfg.RetryJitter)))
	}
	return time.Duration(d)
}

func (w *Worker) deadLetter(ctx context.Context, id string, payload []byte, attempts int, cause error) {
	if err := w.q.AddDLQ(ctx, payload, cause.Error()); err != nil {
		log.Error().Err(err).Str("submission_id", id).Msg("failed to write DLQ")
	}
	if id != "" {
		_ = w.status.Transition(ctx, id, store.StateFailed, cause.Error(), attempts)
	}
	metrics.IncNotification(OutcomeDLQ)
	log.Error().Err(cause).Str("submission_id", id).Int("attempts", attempts).Msg("ticket dead-lettered")
}
