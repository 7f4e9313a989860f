// Package boardcache is a process-wide TTL cache over board and board-info
// lookups, generalized from the teacher's mutex+map session registry idiom.
package boardcache

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eddist-go/eddist/internal/storage"
)

// boardKeyPattern matches spec's board_key shape: lowercase ASCII letters
// and digits only, used to reject malformed path segments before they ever
// reach a lookup.
var boardKeyPattern = regexp.MustCompile(`^[a-z0-9]+$`)

// ValidateBoardKey reports whether key is a well-formed board_key.
func ValidateBoardKey(key string) bool {
	return key != "" && boardKeyPattern.MatchString(key)
}

// Loader fetches the authoritative board + board-info pair on a cache miss.
type Loader interface {
	GetBoardByKey(ctx context.Context, boardKey string) (*storage.Board, error)
	GetBoardInfo(ctx context.Context, boardID uuid.UUID) (*storage.BoardInfo, error)
}

type entry struct {
	board     *storage.Board
	info      *storage.BoardInfo
	expiresAt time.Time
}

// Cache holds a TTL-bounded mapping from board_key to its Board/BoardInfo.
// Concurrent misses are not coalesced; duplicate loads on a cache stampede
// are accepted rather than serialized.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	loader  Loader
}

// New creates a Cache with the given TTL and upstream loader.
func New(loader Loader, ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]entry),
		ttl:     ttl,
		loader:  loader,
	}
}

// Get returns the board and board-info for boardKey, loading on miss or
// expiry. Eviction is lazy: an expired entry is simply reloaded here, the
// stale map entry is overwritten after the fresh load succeeds.
func (c *Cache) Get(ctx context.Context, boardKey string) (*storage.Board, *storage.BoardInfo, error) {
	c.mu.RLock()
	e, ok := c.entries[boardKey]
	c.mu.RUnlock()

	if ok && time.Now().Before(e.expiresAt) {
		return e.board, e.info, nil
	}

	board, err := c.loader.GetBoardByKey(ctx, boardKey)
	if err != nil {
		return nil, nil, err
	}
	info, err := c.loader.GetBoardInfo(ctx, board.ID)
	if err != nil {
		return nil, nil, err
	}

	c.mu.Lock()
	c.entries[boardKey] = entry{board: board, info: info, expiresAt: time.Now().Add(c.ttl)}
	c.mu.Unlock()

	return board, info, nil
}
