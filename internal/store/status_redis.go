package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Submission states.
const (
	StateQueued   = "queued"
	StateRetrying = "retrying"
	StateNotified = "notified"
	StateFailed   = "failed"
)

// Status is the fulfillment status of one submission.
type Status struct {
	Status     string                 `json:"status"`
	Message    string                 `json:"message,omitempty"`
	Attempts   int                    `json:"attempts"`
	TotalPrice float64                `json:"totalPrice"`
	Mismatch   bool                   `json:"priceMismatch,omitempty"`
	Start      *time.Time             `json:"start_time,omitempty"`
	End        *time.Time             `json:"end_time,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

// RedisStatus keeps submission status hashes for ttl after the last write.
type RedisStatus struct {
	client *redis.Client
	keyNS  string
	ttl    time.Duration
}

func NewRedisStatus(c *redis.Client, ttl time.Duration) *RedisStatus {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisStatus{client: c, keyNS: "submission", ttl: ttl}
}

func (s *RedisStatus) key(id string) string { return fmt.Sprintf("%s:%s:status", s.keyNS, id) }

func (s *RedisStatus) Set(ctx context.Context, id string, st Status) error {
	m := map[string]interface{}{
		"status":   st.Status,
		"message":  st.Message,
		"attempts": st.Attempts,
		"total":    strconv.FormatFloat(st.TotalPrice, 'f', -1, 64),
		"mismatch": strconv.FormatBool(st.Mismatch),
	}
	if st.Start != nil {
		m["start"] = st.Start.Format(time.RFC3339Nano)
	}
	if st.End != nil {
		m["end"] = st.End.Format(time.RFC3339Nano)
	}
	if st.Metadata != nil {
		b, _ := json.Marshal(st.Metadata)
		m["metadata"] = string(b)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(id), m)
	pipe.Expire(ctx, s.key(id), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Transition updates state, message and attempts, keeping the other fields.
func (s *RedisStatus) Transition(ctx context.Context, id, state, message string, attempts int) error {
	m := map[string]interface{}{"status": state, "message": message, "attempts": attempts}
	if state == StateNotified || state == StateFailed {
		m["end"] = time.Now().UTC().Format(time.RFC3339Nano)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.key(id), m)
	pipe.Expire(ctx, s.key(id), s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// MarkMismatch records that the recomputed total disagreed with the client's.
func (s *RedisStatus) MarkMismatch(ctx context.Context, id string, recomputed float64) error {
	return s.client.HSet(ctx, s.key(id),
		"mismatch", "true",
		"recomputed", strconv.FormatFloat(recomputed, 'f', -1, 64)).Err()
}

func (s *RedisStatus) Get(ctx context.Context, id string) (Status, bool, error) {
	res, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return Status{}, false, err
	}
	if len(res) == 0 {
		return Status{}, false, nil
	}
	st := Status{Status: res["status"], Message: res["message"]}
	st.Attempts, _ = strconv.Atoi(res["attempts"])
	st.TotalPrice, _ = strconv.ParseFloat(res["total"], 64)
	st.Mismatch, _ = strconv.ParseBool(res["mismatch"])
	if v := res["start"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.Start = &t
		}
	}
	if v := res["end"]; v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			st.End = &t
		}
	}
	if v := res["metadata"]; v != "" {
		_ = json.Unmarshal([]byte(v), &st.Metadata)
	}
	return st, true, nil
}
