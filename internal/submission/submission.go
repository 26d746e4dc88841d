// Package submission turns a priced collection into an order and hands it
// to a delivery channel.
package submission

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/engine"
	"github.com/local/printcost/internal/metrics"
	"github.com/local/printcost/internal/printjob"
)

var (
	ErrInvalidSubmitter    = errors.New("invalid_submitter")
	ErrEmptyCollection     = errors.New("empty_collection")
	ErrSubmissionTransport = errors.New("submission_transport_error")
)

// FieldError reports an invalid submitter field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string { return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason) }

func (e *FieldError) Unwrap() error { return ErrInvalidSubmitter }

// TransportError wraps a delivery failure. The collection has already been
// cleared when it is returned.
type TransportError struct {
	SubmissionID string
	Err          error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("submission %s not delivered: %v", e.SubmissionID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrSubmissionTransport }

// Request identifies who submits the order.
type Request struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

var namePattern = regexp.MustCompile(`^[a-zA-Z\s.,]+$`)

// Validate checks the submitter. Name: at least 3 characters of letters,
// spaces, periods and commas. Email: a single bare address.
func (r Request) Validate() error {
	name := strings.TrimSpace(r.Name)
	if len(name) < 3 {
		return &FieldError{Field: "name", Reason: "must be at least 3 characters"}
	}
	if !namePattern.MatchString(name) {
		return &FieldError{Field: "name", Reason: "may contain only letters, spaces, periods and commas"}
	}
	email := strings.TrimSpace(r.Email)
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return &FieldError{Field: "email", Reason: "must be a valid address"}
	}
	return nil
}

// Attachment is one document carried by a payload.
type Attachment struct {
	RecordID int64  `json:"recordId"`
	FileName string `json:"fileName"`
	MIMEType string `json:"type"`
	Size     int64  `json:"size"`
	Data     []byte `json:"-"`
}

// PriceLine is the asserted price of one document.
type PriceLine struct {
	ID       int64   `json:"id"`
	FileName string  `json:"fileName"`
	Price    float64 `json:"price"`
}

// JobSpec is what the fulfillment side needs to print and re-price a document.
type JobSpec struct {
	RecordID  int64                 `json:"recordId"`
	FileName  string                `json:"fileName"`
	PageCount int                   `json:"totalPages"`
	Pages     printjob.PageAnalysis `json:"pagesWithImages"`
	Settings  printjob.Settings     `json:"settings"`
}

// Payload is one order.
type Payload struct {
	SubmissionID string       `json:"submissionId"`
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	Documents    []Attachment `json:"documents"`
	Prices       []PriceLine  `json:"prices"`
	TotalPrice   float64      `json:"totalPrice"`
	Jobs         []JobSpec    `json:"jobs"`
	CreatedAt    time.Time    `json:"createdAt"`
}

// Receipt acknowledges an accepted submission.
type Receipt struct {
	SubmissionID string  `json:"submissionId"`
	Status       string  `json:"status"`
	Documents    int     `json:"documents"`
	TotalPrice   float64 `json:"totalPrice"`
}

// Channel delivers a payload.
type Channel interface {
	Deliver(ctx context.Context, p Payload) (Receipt, error)
}

// Collection is the part of an engine a submission consumes.
type Collection interface {
	Snapshot() engine.Snapshot
	RemoveIDs(ids []int64) []printjob.Record
}

// Service submits collections over a channel.
type Service struct {
	channel Channel
	// OnCleared is called with the records dropped by a submission.
	OnCleared func([]printjob.Record)
}

func NewService(ch Channel) *Service {
	return &Service{channel: ch}
}

// BuildPayload assembles an order from a snapshot.
func BuildPayload(id string, req Request, snap engine.Snapshot, now time.Time) Payload {
	p := Payload{
		SubmissionID: id,
		Name:         strings.TrimSpace(req.Name),
		Email:        strings.TrimSpace(req.Email),
		TotalPrice:   snap.TotalCost,
		CreatedAt:    now.UTC(),
	}
	for _, r := range snap.Files {
		p.Documents = append(p.Documents, Attachment{
			RecordID: r.ID,
			FileName: r.File.Name,
			MIMEType: r.File.MIMEType,
			Size:     int64(len(r.Document)),
			Data:     r.Document,
		})
		p.Prices = append(p.Prices, PriceLine{ID: r.ID, FileName: r.File.Name, Price: r.TotalPrintCost})
		p.Jobs = append(p.Jobs, JobSpec{
			RecordID:  r.ID,
			FileName:  r.File.Name,
			PageCount: r.PageCount,
			Pages:     r.Pages.Clone(),
			Settings:  r.Settings,
		})
	}
	return p
}

// Submit validates req, delivers the collection and clears it. Invalid
// input and an empty collection leave the collection untouched. After a
// delivery attempt the submitted records are removed whether or not it
// succeeded; records added while the delivery was in flight stay.
func (s *Service) Submit(ctx context.Context, req Request, c Collection) (Receipt, error) {
	if err := req.Validate(); err != nil {
		metrics.IncSubmission("invalid")
		return Receipt{}, err
	}
	snap := c.Snapshot()
	if len(snap.Files) == 0 {
		metrics.IncSubmission("empty")
		return Receipt{}, ErrEmptyCollection
	}

	p := BuildPayload(uuid.NewString(), req, snap, time.Now())
	receipt, err := s.channel.Deliver(ctx, p)

	ids := make([]int64, len(snap.Files))
	for i, r := range snap.Files {
		ids[i] = r.ID
	}
	removed := c.RemoveIDs(ids)
	if s.OnCleared != nil {
		s.OnCleared(removed)
	}

	if err != nil {
		metrics.IncSubmission("transport_error")
		log.Error().Err(err).Str("submission_id", p.SubmissionID).Int("documents", len(p.Documents)).
			Msg("submission delivery failed; submitted records cleared")
		return Receipt{}, &TransportError{SubmissionID: p.SubmissionID, Err: err}
	}
	metrics.IncSubmission("accepted")
	log.Info().Str("submission_id", p.SubmissionID).Int("documents", len(p.Documents)).
		Float64("total", p.TotalPrice).Msg("submission accepted")
	return receipt, nil
}
