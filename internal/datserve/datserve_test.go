package datserve

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddist-go/eddist/internal/archivestore"
	"github.com/eddist-go/eddist/internal/shiftjis"
	"github.com/eddist-go/eddist/internal/storage"
)

type fakeRedis struct {
	lists map[string][][]byte
}

func (r *fakeRedis) LRange(ctx context.Context, key string) ([][]byte, error) {
	return r.lists[key], nil
}

type fakeRepo struct {
	board     *storage.Board
	threads   map[int64]*storage.Thread
	responses map[uuid.UUID][]*storage.Response
}

func (r *fakeRepo) GetBoardByKey(ctx context.Context, boardKey string) (*storage.Board, error) {
	if r.board == nil || r.board.BoardKey != boardKey {
		return nil, sql.ErrNoRows
	}
	return r.board, nil
}

func (r *fakeRepo) GetThreadByNumber(ctx context.Context, boardID uuid.UUID, threadNumber int64) (*storage.Thread, error) {
	t, ok := r.threads[threadNumber]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return t, nil
}

func (r *fakeRepo) ListResponsesByThread(ctx context.Context, threadID uuid.UUID) ([]*storage.Response, error) {
	return r.responses[threadID], nil
}

func TestGetDatServesFromHotCache(t *testing.T) {
	line, err := shiftjis.RenderResLine(shiftjis.RenderInput{
		AuthorName: "name", CreatedAt: "2026/07/31(金) 12:00:00.000", AuthorID: "abcd1234", Body: "hi",
	}, "default", "subject")
	require.NoError(t, err)

	redis := &fakeRedis{lists: map[string][][]byte{"thread:tech:42": {line}}}
	svc := New(redis, &fakeRepo{}, nil, nil)

	out, err := svc.GetDat(context.Background(), "tech", 42, "", "ua")
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, line, out.Data)
	assert.False(t, out.Partial)
}

func TestGetDatFallsBackToSQLOnColdCache(t *testing.T) {
	boardID := uuid.New()
	threadID := uuid.New()
	board := &storage.Board{ID: boardID, BoardKey: "tech", DefaultName: "名無しさん"}
	thread := &storage.Thread{ID: threadID, BoardID: boardID, ThreadNumber: 42, Title: "subject"}
	responses := []*storage.Response{
		{ID: uuid.New(), ThreadID: threadID, AuthorName: "name", Body: "first", CreatedAt: time.Now(), AuthorID: "abcd1234"},
		{ID: uuid.New(), ThreadID: threadID, AuthorName: "name2", Body: "second", CreatedAt: time.Now(), AuthorID: "efgh5678"},
	}
	repo := &fakeRepo{
		board:     board,
		threads:   map[int64]*storage.Thread{42: thread},
		responses: map[uuid.UUID][]*storage.Response{threadID: responses},
	}
	redis := &fakeRedis{lists: map[string][][]byte{}}
	svc := New(redis, repo, nil, nil)

	out, err := svc.GetDat(context.Background(), "tech", 42, "", "ua")
	require.NoError(t, err)
	require.Equal(t, OutcomeOK, out.Kind)

	decoded, err := shiftjis.Decode(out.Data)
	require.NoError(t, err)
	assert.Contains(t, decoded, "subject")
	assert.Contains(t, decoded, "first")
	assert.Contains(t, decoded, "second")
}

func TestGetDatRedirectsToKakoForPastMissingThread(t *testing.T) {
	repo := &fakeRepo{board: &storage.Board{ID: uuid.New(), BoardKey: "tech"}, threads: map[int64]*storage.Thread{}}
	redis := &fakeRedis{lists: map[string][][]byte{}}
	fixedNow := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := New(redis, repo, nil, func() time.Time { return fixedNow })

	out, err := svc.GetDat(context.Background(), "tech", fixedNow.Add(-time.Hour).Unix(), "", "ua")
	require.NoError(t, err)
	require.Equal(t, OutcomeRedirect, out.Kind)
	assert.Contains(t, out.RedirectURL, "/tech/kako/")
}

func TestGetDatNotFoundForFutureMissingThread(t *testing.T) {
	repo := &fakeRepo{board: &storage.Board{ID: uuid.New(), BoardKey: "tech"}, threads: map[int64]*storage.Thread{}}
	redis := &fakeRedis{lists: map[string][][]byte{}}
	fixedNow := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)
	svc := New(redis, repo, nil, func() time.Time { return fixedNow })

	out, err := svc.GetDat(context.Background(), "tech", fixedNow.Add(time.Hour).Unix(), "", "ua")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, out.Kind)
}

func TestGetDatRangeHeaderSkipsBytesExceptForXenoUA(t *testing.T) {
	redis := &fakeRedis{lists: map[string][][]byte{"thread:tech:42": {[]byte("0123456789")}}}
	svc := New(redis, &fakeRepo{}, nil, nil)

	out, err := svc.GetDat(context.Background(), "tech", 42, "bytes=5-", "normal-ua")
	require.NoError(t, err)
	assert.True(t, out.Partial)
	assert.Equal(t, []byte("56789"), out.Data)

	out, err = svc.GetDat(context.Background(), "tech", 42, "bytes=5-", "XenoClient/1.0")
	require.NoError(t, err)
	assert.False(t, out.Partial)
	assert.Equal(t, []byte("0123456789"), out.Data)
}

func TestGetKakoDatReadsFromArchiveStore(t *testing.T) {
	store, err := archivestore.NewFSStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), "tech", 1234567890, []byte("archived")))

	svc := New(&fakeRedis{}, &fakeRepo{}, store, nil)
	out, err := svc.GetKakoDat(context.Background(), "tech", 1234567890)
	require.NoError(t, err)
	assert.Equal(t, OutcomeOK, out.Kind)
	assert.Equal(t, []byte("archived"), out.Data)
}

func TestGetKakoDatNotFound(t *testing.T) {
	store, err := archivestore.NewFSStore(t.TempDir())
	require.NoError(t, err)

	svc := New(&fakeRedis{}, &fakeRepo{}, store, nil)
	out, err := svc.GetKakoDat(context.Background(), "tech", 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, out.Kind)
}
