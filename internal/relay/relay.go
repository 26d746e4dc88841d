// Package relay delivers submissions by storing the documents in S3 and
// queueing a fulfillment ticket on Redis.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/printjob"
	"github.com/local/printcost/internal/storage"
	"github.com/local/printcost/internal/store"
	"github.com/local/printcost/internal/submission"
)

type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, meta *storage.FileMetadata) error
}

type TicketQueue interface {
	Enqueue(ctx context.Context, payload []byte) (string, error)
}

type StatusStore interface {
	Set(ctx context.Context, id string, st store.Status) error
	Transition(ctx context.Context, id, state, message string, attempts int) error
}

// Relay implements submission.Channel.
type Relay struct {
	objects ObjectStore
	queue   TicketQueue
	status  StatusStore
	prefix  string
}

func New(objects ObjectStore, q TicketQueue, status StatusStore, prefix string) *Relay {
	if prefix == "" {
		prefix = "submissions"
	}
	return &Relay{objects: objects, queue: q, status: status, prefix: prefix}
}

func (r *Relay) Deliver(ctx context.Context, p submission.Payload) (submission.Receipt, error) {
	if len(p.Documents) != len(p.Jobs) || len(p.Documents) != len(p.Prices) {
		return submission.Receipt{}, fmt.Errorf("payload %s: %d documents, %d jobs, %d prices",
			p.SubmissionID, len(p.Documents), len(p.Jobs), len(p.Prices))
	}

	t := printjob.Ticket{
		SubmissionID: p.SubmissionID,
		Name:         p.Name,
		Email:        p.Email,
		TotalPrice:   p.TotalPrice,
		CreatedAt:    p.CreatedAt,
	}
	for i, doc := range p.Documents {
		job := p.Jobs[i]
		key := storage.SubmissionKey(r.prefix, p.SubmissionID, doc.RecordID, doc.FileName)
		meta := &storage.FileMetadata{
			OriginalName: doc.FileName,
			ContentType:  doc.MIMEType,
			Size:         doc.Size,
			Metadata: map[string]string{
				"submission-id": p.SubmissionID,
				"record-id":     strconv.FormatInt(doc.RecordID, 10),
				"pages":         strconv.Itoa(job.PageCount),
			},
		}
		if err := r.objects.Put(ctx, key, doc.Data, meta); err != nil {
			return submission.Receipt{}, fmt.Errorf("store %s: %w", doc.FileName, err)
		}
		t.Documents = append(t.Documents, printjob.TicketDocument{
			RecordID:   doc.RecordID,
			FileName:   doc.FileName,
			StorageKey: key,
			PageCount:  job.PageCount,
			Pages:      job.Pages,
			Settings:   job.Settings,
			Price:      p.Prices[i].Price,
		})
	}

	body, err := json.Marshal(t)
	if err != nil {
		return submission.Receipt{}, fmt.Errorf("encode ticket: %w", err)
	}

	start := time.Now().UTC()
	if err := r.status.Set(ctx, p.SubmissionID, store.Status{
		Status:     store.StateQueued,
		TotalPrice: p.TotalPrice,
		Start:      &start,
		Metadata:   map[string]interface{}{"documents": len(t.Documents), "email": p.Email},
	}); err != nil {
		return submission.Receipt{}, fmt.Errorf("record status: %w", err)
	}
	msgID, err := r.queue.Enqueue(ctx, body)
	if err != nil {
		_ = r.status.Transition(ctx, p.SubmissionID, store.StateFailed, "enqueue failed: "+err.Error(), 0)
		return submission.Receipt{}, fmt.Errorf("enqueue ticket: %w", err)
	}

	log.Info().Str("submission_id", p.SubmissionID).Str("msg_id", msgID).Int("documents", len(t.Documents)).
		Msg("fulfillment ticket queued")
	return submission.Receipt{
		SubmissionID: p.SubmissionID,
		Status:       store.StateQueued,
		Documents:    len(t.Documents),
		TotalPrice:   p.TotalPrice,
	}, nil
}
