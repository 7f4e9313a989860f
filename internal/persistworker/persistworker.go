// Package persistworker runs the two durability goroutines behind
// cmd/eddist-persistence: a pubsub subscriber that copies every published
// post onto the SQL-failure recovery buffer, and a periodic drain that
// bulk-inserts the buffer into the system-of-record, tolerating duplicate
// keys since the request path already inserted most of these directly.
// Grounded directly on eddist-persistence/src/main.rs.
package persistworker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eddist-go/eddist/internal/bbslog"
	"github.com/eddist-go/eddist/internal/postingest"
	"github.com/eddist-go/eddist/internal/storage"
)

const (
	pubsubChannel  = "bbs:pubsubitem"
	recoveryBufKey = "bbs:db_failed_cache:res"

	// defaultArchiveTrigger matches the original's hardcoded "<= 1000"
	// literal in its recompute query; per-board override of this threshold
	// is the archive/inactivate job's concern, not the persistence worker's.
	defaultArchiveTrigger = 1000

	// drainChunkSize bounds each bulk-insert to spec.md §4.9's "groups of
	// <=1000" so a large recovery buffer never lands as one oversized
	// multi-row INSERT.
	drainChunkSize = 1000
)

// RedisOps is the subset of Redis commands the worker needs.
type RedisOps interface {
	RPush(ctx context.Context, key string, value []byte) error
	LRange(ctx context.Context, key string) ([][]byte, error)
	Delete(ctx context.Context, key string) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Repo is the subset of storage.DB the worker needs.
type Repo interface {
	BulkInsertResponses(ctx context.Context, rs []*storage.Response) ([]uuid.UUID, error)
	RecomputeThreadCounters(ctx context.Context, threadID uuid.UUID, archiveTrigger int) error
}

// Worker wires the subscriber and drain loops.
type Worker struct {
	redis RedisOps
	repo  Repo
}

// New builds a Worker.
func New(redis RedisOps, repo Repo) *Worker {
	return &Worker{redis: redis, repo: repo}
}

// RunSubscriber subscribes to the post pubsub channel and mirrors every
// CreatingRes payload onto the recovery buffer, until ctx is cancelled.
func (w *Worker) RunSubscriber(ctx context.Context) error {
	log := bbslog.For("persistworker")
	msgs, err := w.redis.Subscribe(ctx, pubsubChannel)
	if err != nil {
		return fmt.Errorf("persistworker: subscribe: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload, ok := <-msgs:
			if !ok {
				return nil
			}
			if err := w.mirrorToBuffer(ctx, payload); err != nil {
				log.WithField("error", err).Warn("failed to mirror post onto recovery buffer")
			}
		}
	}
}

func (w *Worker) mirrorToBuffer(ctx context.Context, payload []byte) error {
	var item postingest.PubSubItem
	if err := json.Unmarshal(payload, &item); err != nil {
		return fmt.Errorf("decode pubsub item: %w", err)
	}
	if item.CreatingRes == nil {
		return nil
	}
	encoded, err := json.Marshal(item.CreatingRes)
	if err != nil {
		return fmt.Errorf("encode creating_res: %w", err)
	}
	return w.redis.RPush(ctx, recoveryBufKey, encoded)
}

// RunPersistence drains the recovery buffer into SQL every interval, until
// ctx is cancelled.
func (w *Worker) RunPersistence(ctx context.Context, interval time.Duration) {
	log := bbslog.For("persistworker")
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.DrainOnce(ctx); err != nil {
				log.WithField("error", err).Error("failed to drain recovery buffer")
			}
		}
	}
}

// DrainOnce performs a single drain-and-bulk-insert pass; a non-nil error
// leaves the buffer untouched so the next tick retries the same entries.
func (w *Worker) DrainOnce(ctx context.Context) error {
	raw, err := w.redis.LRange(ctx, recoveryBufKey)
	if err != nil {
		return fmt.Errorf("lrange recovery buffer: %w", err)
	}
	if len(raw) == 0 {
		return nil
	}

	responses := make([]*storage.Response, 0, len(raw))
	for _, entry := range raw {
		var cres postingest.CreatingRes
		if err := json.Unmarshal(entry, &cres); err != nil {
			return fmt.Errorf("decode creating_res: %w", err)
		}
		responses = append(responses, toResponse(cres))
	}

	touchedSet := map[uuid.UUID]struct{}{}
	for start := 0; start < len(responses); start += drainChunkSize {
		end := start + drainChunkSize
		if end > len(responses) {
			end = len(responses)
		}
		touched, err := w.repo.BulkInsertResponses(ctx, responses[start:end])
		if err != nil {
			return fmt.Errorf("bulk insert chunk [%d:%d]: %w", start, end, err)
		}
		for _, threadID := range touched {
			touchedSet[threadID] = struct{}{}
		}
	}

	for threadID := range touchedSet {
		if err := w.repo.RecomputeThreadCounters(ctx, threadID, defaultArchiveTrigger); err != nil {
			// Non-critical: the counters will be recomputed correctly on the
			// next drain that touches this thread.
			bbslog.For("persistworker").WithField("error", err).WithField("thread_id", threadID).
				Warn("failed to recompute thread counters")
		}
	}

	return w.redis.Delete(ctx, recoveryBufKey)
}

func toResponse(c postingest.CreatingRes) *storage.Response {
	clientInfo, _ := json.Marshal(c.ClientInfo) // ClientInfo is a plain struct; cannot fail
	return &storage.Response{
		ID:            c.ID,
		ThreadID:      c.ThreadID,
		BoardID:       c.BoardID,
		AuthedTokenID: c.AuthedTokenID,
		AuthorName:    c.Name,
		Mail:          c.Mail,
		Body:          c.Body,
		AuthorID:      c.AuthorID,
		IPAddr:        c.IPAddr,
		ClientInfo:    clientInfo,
		CreatedAt:     c.CreatedAt,
		ResOrder:      c.ResOrder,
	}
}
