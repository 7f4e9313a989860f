// Package datserve implements the dat-serving read path: the hot Redis
// list cache, the SQL rendering fallback on a cold cache, and the redirect
// to archived ("kako") object storage for threads no longer in the cache
// window, grounded on thread_retrieval_service.rs / kako_thread_retrieval_service.rs
// / dat_routing.rs.
package datserve

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/eddist-go/eddist/internal/archivestore"
	"github.com/eddist-go/eddist/internal/shiftjis"
	"github.com/eddist-go/eddist/internal/storage"
)

// RedisOps is the subset of Redis commands the dat-serving hot path needs.
type RedisOps interface {
	LRange(ctx context.Context, key string) ([][]byte, error)
}

// Repo is the subset of storage.DB the SQL fallback render needs.
type Repo interface {
	GetBoardByKey(ctx context.Context, boardKey string) (*storage.Board, error)
	GetThreadByNumber(ctx context.Context, boardID uuid.UUID, threadNumber int64) (*storage.Thread, error)
	ListResponsesByThread(ctx context.Context, threadID uuid.UUID) ([]*storage.Response, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Service implements the get_dat read path.
type Service struct {
	redis   RedisOps
	repo    Repo
	archive archivestore.Store
	now     Clock
}

// New builds a Service.
func New(redis RedisOps, repo Repo, archive archivestore.Store, now Clock) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{redis: redis, repo: repo, archive: archive, now: now}
}

// Outcome is the result of a dat fetch: exactly one of the fields is
// meaningful, discriminated by Kind.
type Outcome struct {
	Kind        OutcomeKind
	Data        []byte
	Partial     bool   // Kind == OutcomeOK: true if Data is a byte-offset slice
	RedirectURL string // Kind == OutcomeRedirect
}

type OutcomeKind int

const (
	OutcomeOK OutcomeKind = iota
	OutcomeRedirect
	OutcomeNotFound
)

// ErrBadRange is returned when the Range header's start offset cannot be
// parsed, mirroring the original's 400 response on that path.
var ErrBadRange = errors.New("datserve: malformed range header")

// threadCacheKey matches the write-through key postingest.writeThrough uses.
func threadCacheKey(boardKey string, threadNumber int64) string {
	return fmt.Sprintf("thread:%s:%d", boardKey, threadNumber)
}

// GetDat serves "/{board_key}/dat/{thread_number}.dat": LRANGE the hot
// cache; on a miss, render from SQL; on thread-not-found, redirect to the
// kako path if thread_number is in the past, else 404 (the thread number
// doesn't exist yet, so no dat can ever have existed for it).
//
// rangeHeader is the raw "Range" request header value (or ""); it is
// honored only when userAgent does not contain "Xeno", matching the
// original's Xeno-client exception (Xeno clients manage their own partial
// fetch bookkeeping incompatibly with byte-offset ranges).
func (s *Service) GetDat(ctx context.Context, boardKey string, threadNumber int64, rangeHeader, userAgent string) (Outcome, error) {
	lines, err := s.redis.LRange(ctx, threadCacheKey(boardKey, threadNumber))
	if err != nil {
		return Outcome{}, err
	}

	var raw []byte
	if len(lines) > 0 {
		for _, l := range lines {
			raw = append(raw, l...)
		}
	} else {
		raw, err = s.renderFromSQL(ctx, boardKey, threadNumber)
		if err != nil {
			if errors.Is(err, errThreadNotFound) {
				return s.notFoundOrKakoRedirect(boardKey, threadNumber), nil
			}
			return Outcome{}, err
		}
	}

	data, partial, err := applyRange(raw, rangeHeader, userAgent)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeOK, Data: data, Partial: partial}, nil
}

var errThreadNotFound = errors.New("datserve: thread not found")

func (s *Service) renderFromSQL(ctx context.Context, boardKey string, threadNumber int64) ([]byte, error) {
	board, err := s.repo.GetBoardByKey(ctx, boardKey)
	if err != nil {
		return nil, err
	}
	thread, err := s.repo.GetThreadByNumber(ctx, board.ID, threadNumber)
	if err != nil {
		return nil, errThreadNotFound
	}
	responses, err := s.repo.ListResponsesByThread(ctx, thread.ID)
	if err != nil {
		return nil, err
	}

	var out []byte
	for i, r := range responses {
		title := ""
		if i == 0 {
			title = thread.Title
		}
		line, err := shiftjis.RenderResLine(shiftjis.RenderInput{
			AuthorName: r.AuthorName,
			Mail:       r.Mail,
			CreatedAt:  shiftjis.FormatDate(r.CreatedAt),
			AuthorID:   r.AuthorID,
			Body:       r.Body,
			IsAbone:    r.IsAbone,
		}, board.DefaultName, title)
		if err != nil {
			return nil, err
		}
		out = append(out, line...)
	}
	return out, nil
}

func (s *Service) notFoundOrKakoRedirect(boardKey string, threadNumber int64) Outcome {
	if threadNumber > s.now().Unix() {
		return Outcome{Kind: OutcomeNotFound}
	}
	threadNumberStr := strconv.FormatInt(threadNumber, 10)
	return Outcome{
		Kind: OutcomeRedirect,
		RedirectURL: fmt.Sprintf("/%s/kako/%s/%s/%s.dat", boardKey,
			threadNumberStr[0:4], threadNumberStr[0:5], threadNumberStr),
	}
}

// applyRange applies a "bytes=N-" Range header by skipping the first N
// bytes of raw, unless userAgent contains "Xeno" or no Range header or
// start offset is present.
func applyRange(raw []byte, rangeHeader, userAgent string) ([]byte, bool, error) {
	if rangeHeader == "" || strings.Contains(userAgent, "Xeno") {
		return raw, false, nil
	}
	eq := strings.SplitN(rangeHeader, "=", 2)
	if len(eq) != 2 {
		return raw, false, nil
	}
	bounds := strings.SplitN(eq[1], "-", 2)
	start, err := strconv.Atoi(bounds[0])
	if err != nil {
		return nil, false, ErrBadRange
	}
	if start >= len(raw) {
		return nil, true, nil
	}
	return raw[start:], true, nil
}

// GetKakoDat serves "/{board_key}/kako/{a}/{b}/{thread_number}.dat" from
// archive object storage.
func (s *Service) GetKakoDat(ctx context.Context, boardKey string, threadNumber int64) (Outcome, error) {
	data, err := s.archive.Get(ctx, boardKey, threadNumber)
	if err != nil {
		if errors.Is(err, archivestore.ErrNotFound) {
			return Outcome{Kind: OutcomeNotFound}, nil
		}
		return Outcome{}, err
	}
	return Outcome{Kind: OutcomeOK, Data: data}, nil
}
