package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"any2ufmf-go/internal/ufmf"
)

func TestRecordAndListNewestFirst(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "catalog.db")
	c, err := Open(path)
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	base := time.Unix(1700000000, 0)
	older := Session{
		ID: uuid.New(), Path: "a.ufmf", Width: 64, Height: 48,
		FramesWritten: 10, KeyframesWritten: 2, Finalized: true, IndexLoc: 1234,
		Started: base, Stopped: base.Add(time.Second),
	}
	newer := Session{
		ID: uuid.New(), Path: "b.ufmf", Width: 32, Height: 32,
		FramesWritten: 3, FramesDropped: 7, ErrText: "boom",
		Started: base.Add(time.Minute), Stopped: base.Add(2 * time.Minute),
	}
	require.NoError(t, c.Record(ctx, older))
	require.NoError(t, c.Record(ctx, newer))

	got, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, newer.ID, got[0].ID)
	assert.Equal(t, uint64(7), got[0].FramesDropped)
	assert.Equal(t, "boom", got[0].ErrText)
	assert.False(t, got[0].Finalized)

	assert.Equal(t, older.ID, got[1].ID)
	assert.True(t, got[1].Finalized)
	assert.Equal(t, int64(1234), got[1].IndexLoc)
	assert.True(t, got[1].Started.Equal(base))
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.db")
	c, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, c.Record(context.Background(), Session{Path: "x.ufmf", Started: time.Now()}))
	require.NoError(t, c.Close())

	c, err = Open(path)
	require.NoError(t, err)
	defer c.Close()
	got, err := c.List(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEqual(t, uuid.Nil, got[0].ID)
}

func TestRecordReplacesSameID(t *testing.T) {
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()
	s := Session{ID: uuid.New(), Path: "c.ufmf", Started: time.Now()}
	require.NoError(t, c.Record(ctx, s))
	s.FramesWritten = 42
	s.Finalized = true
	require.NoError(t, c.Record(ctx, s))

	got, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(42), got[0].FramesWritten)
}

func TestFromInfo(t *testing.T) {
	info := ufmf.Info{
		ID: uuid.New(), Path: "d.ufmf", Width: 8, Height: 4,
		FramesWritten: 5, FramesDropped: 1, IndexLoc: 99, Finalized: true,
		Err: errors.New("late"),
	}
	s := FromInfo(info)
	assert.Equal(t, info.ID, s.ID)
	assert.Equal(t, uint64(5), s.FramesWritten)
	assert.Equal(t, "late", s.ErrText)
	assert.True(t, s.Finalized)
}
