package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tonebridge/internal/store"
	"github.com/ChuLiYu/tonebridge/internal/store/storetest"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Create(ctx, storetest.NewJob("job-1", "alice", 0)))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.UserID)
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(context.Background(), "job-1")
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
	_, err = s.CountByStatus(context.Background(), types.StatsFilter{})
	assert.ErrorIs(t, err, types.ErrStoreUnavailable)
}
