package boardcache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eddist-go/eddist/internal/storage"
)

type fakeLoader struct {
	calls int
	board storage.Board
	info  storage.BoardInfo
}

func (f *fakeLoader) GetBoardByKey(ctx context.Context, boardKey string) (*storage.Board, error) {
	f.calls++
	b := f.board
	b.BoardKey = boardKey
	return &b, nil
}

func (f *fakeLoader) GetBoardInfo(ctx context.Context, boardID uuid.UUID) (*storage.BoardInfo, error) {
	i := f.info
	i.BoardID = boardID
	return &i, nil
}

func TestCacheHitAvoidsReload(t *testing.T) {
	loader := &fakeLoader{board: storage.Board{ID: uuid.New()}}
	c := New(loader, time.Minute)

	_, _, err := c.Get(context.Background(), "news")
	require.NoError(t, err)
	_, _, err = c.Get(context.Background(), "news")
	require.NoError(t, err)

	assert.Equal(t, 1, loader.calls)
}

func TestCacheExpiryReloads(t *testing.T) {
	loader := &fakeLoader{board: storage.Board{ID: uuid.New()}}
	c := New(loader, time.Millisecond)

	_, _, err := c.Get(context.Background(), "news")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	_, _, err = c.Get(context.Background(), "news")
	require.NoError(t, err)

	assert.Equal(t, 2, loader.calls)
}
