package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Analysis is a cached analysis result.
type Analysis struct {
	PageCount int    `json:"pageCount"`
	Pages     []bool `json:"pages"`
	Backend   string `json:"backend"`
	Degraded  []int  `json:"degraded,omitempty"`
}

// AnalysisCache stores analysis results keyed by document digest.
type AnalysisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAnalysisCache(c *redis.Client, ttl time.Duration) *AnalysisCache {
	return &AnalysisCache{client: c, ttl: ttl}
}

// Digest returns the cache key component for doc.
func Digest(doc []byte) string {
	sum := sha256.Sum256(doc)
	return hex.EncodeToString(sum[:])
}

func (c *AnalysisCache) key(digest string) string { return "analysis:" + digest }

func (c *AnalysisCache) Get(ctx context.Context, digest string) (Analysis, bool, error) {
	b, err := c.client.Get(ctx, c.key(digest)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Analysis{}, false, nil
	}
	if err != nil {
		return Analysis{}, false, err
	}
	var a Analysis
	if err := json.Unmarshal(b, &a); err != nil {
		return Analysis{}, false, err
	}
	// a cached entry that no longer satisfies the page invariant is a miss
	if len(a.Pages) != a.PageCount {
		return Analysis{}, false, nil
	}
	return a, true, nil
}

func (c *AnalysisCache) Put(ctx context.Context, digest string, a Analysis) error {
	b, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(digest), b, c.ttl).Err()
}
