// Package storetest holds the behaviour every store.Store backend must share.
// Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tonebridge/internal/store"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// Factory returns an empty store; cleanup is registered by the factory itself.
type Factory func(t *testing.T) store.Store

// Base is the reference timestamp used by the suite.
var Base = time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC)

// NewJob builds a PENDING job with created_at = updated_at = Base + offset.
func NewJob(id, user string, offset time.Duration) *types.Job {
	ts := Base.Add(offset)
	return &types.Job{
		ID:        types.JobID(id),
		UserID:    user,
		Mode:      types.ModePaired,
		RefKey:    "ref/" + id,
		TgtKey:    "tgt/" + id,
		Status:    types.StatusPending,
		Attempt:   1,
		Metrics:   types.Metrics{},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

// Run executes the conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, newStore(t)) })
	t.Run("CreateDuplicate", func(t *testing.T) { testCreateDuplicate(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
	t.Run("Update", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("PaginateDesc", func(t *testing.T) { testPaginate(t, newStore(t), types.OrderDesc) })
	t.Run("PaginateAsc", func(t *testing.T) { testPaginate(t, newStore(t), types.OrderAsc) })
	t.Run("TieBreakByID", func(t *testing.T) { testTieBreak(t, newStore(t)) })
	t.Run("Filters", func(t *testing.T) { testFilters(t, newStore(t)) })
	t.Run("SortByUpdatedAt", func(t *testing.T) { testSortByUpdated(t, newStore(t)) })
	t.Run("CountByStatus", func(t *testing.T) { testCountByStatus(t, newStore(t)) })
	t.Run("ListByStatus", func(t *testing.T) { testListByStatus(t, newStore(t)) })
}

func mustCreate(t *testing.T, s store.Store, jobs ...*types.Job) {
	t.Helper()
	for _, j := range jobs {
		require.NoError(t, s.Create(context.Background(), j))
	}
}

func ids(jobs []*types.Job) []types.JobID {
	out := make([]types.JobID, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

// drain pages through the whole result set with the given page size
func drain(t *testing.T, s store.Store, q store.Query, pageSize int) []types.JobID {
	t.Helper()
	var out []types.JobID
	q.Limit = pageSize
	for i := 0; i < 100; i++ {
		page, err := s.List(context.Background(), q)
		require.NoError(t, err)
		out = append(out, ids(page)...)
		if len(page) < pageSize {
			return out
		}
		last := page[len(page)-1]
		q.After = &types.Position{Key: last.SortValue(q.SortBy), ID: last.ID}
	}
	t.Fatal("pagination did not terminate")
	return nil
}

func testCreateGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob("job-1", "alice", 0)
	job.Params = map[string]interface{}{"strength": 0.5}
	job.Metrics = types.Metrics{"analyze_s": 1.25}
	mustCreate(t, s, job)

	got, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, types.ModePaired, got.Mode)
	assert.Equal(t, types.StatusPending, got.Status)
	assert.Equal(t, 1, got.Attempt)
	assert.Nil(t, got.ResultKey)
	assert.Nil(t, got.Error)
	assert.Equal(t, 1.25, got.Metrics["analyze_s"])
	assert.Equal(t, 0.5, got.Params["strength"])
	assert.True(t, got.CreatedAt.Equal(job.CreatedAt), "created_at %v != %v", got.CreatedAt, job.CreatedAt)

	got.Status = types.StatusFailed
	again, err := s.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, again.Status, "returned jobs must not alias stored state")
}

func testCreateDuplicate(t *testing.T, s store.Store) {
	mustCreate(t, s, NewJob("dup", "alice", 0))
	err := s.Create(context.Background(), NewJob("dup", "alice", time.Second))
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}

func testNotFound(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	err = s.Update(context.Background(), NewJob("missing", "alice", 0))
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func testUpdate(t *testing.T, s store.Store) {
	ctx := context.Background()
	job := NewJob("job-u", "alice", 0)
	mustCreate(t, s, job)

	job.Status = types.StatusCompleted
	job.Progress = 100
	job.ResultKey = types.StringPtr("processed/job-u.wav")
	job.Metrics = types.Metrics{"total_s": 3.5}
	job.UpdatedAt = Base.Add(time.Minute)
	require.NoError(t, s.Update(ctx, job))

	got, err := s.Get(ctx, "job-u")
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	require.NotNil(t, got.ResultKey)
	assert.Equal(t, "processed/job-u.wav", *got.ResultKey)
	assert.Equal(t, 3.5, got.Metrics["total_s"])
	assert.True(t, got.UpdatedAt.Equal(Base.Add(time.Minute)))

	job.Status = types.StatusFailed
	job.ResultKey = nil
	job.Error = types.StringPtr("render exploded")
	require.NoError(t, s.Update(ctx, job))
	got, err = s.Get(ctx, "job-u")
	require.NoError(t, err)
	assert.Nil(t, got.ResultKey)
	require.NotNil(t, got.Error)
	assert.Equal(t, "render exploded", *got.Error)
}

func testPaginate(t *testing.T, s store.Store, order types.SortOrder) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustCreate(t, s, NewJob(fmt.Sprintf("job-%d", i), "alice", time.Duration(i)*time.Second))
	}
	q := store.Query{SortBy: types.SortByCreatedAt, Order: order, Limit: 2}

	page1, err := s.List(ctx, q)
	require.NoError(t, err)
	want := []types.JobID{"job-4", "job-3", "job-2", "job-1", "job-0"}
	if order == types.OrderAsc {
		want = []types.JobID{"job-0", "job-1", "job-2", "job-3", "job-4"}
	}
	assert.Equal(t, want[:2], ids(page1))

	assert.Equal(t, want, drain(t, s, store.Query{SortBy: types.SortByCreatedAt, Order: order}, 2))

	// inserting a newer job mid-pagination must not shift the remaining pages
	last := page1[1]
	mustCreate(t, s, NewJob("job-new", "alice", time.Hour))
	q.After = &types.Position{Key: last.CreatedAt, ID: last.ID}
	page2, err := s.List(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, want[2:4], ids(page2))
}

func testTieBreak(t *testing.T, s store.Store) {
	mustCreate(t, s,
		NewJob("c", "alice", 0),
		NewJob("a", "alice", 0),
		NewJob("b", "alice", 0),
		NewJob("d", "alice", time.Second),
	)
	desc := drain(t, s, store.Query{SortBy: types.SortByCreatedAt, Order: types.OrderDesc}, 1)
	assert.Equal(t, []types.JobID{"d", "a", "b", "c"}, desc)

	asc := drain(t, s, store.Query{SortBy: types.SortByCreatedAt, Order: types.OrderAsc}, 2)
	assert.Equal(t, []types.JobID{"a", "b", "c", "d"}, asc)
}

func testFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewJob("a", "alice", 0)
	b := NewJob("b", "alice", time.Minute)
	b.Status = types.StatusFailed
	b.Error = types.StringPtr("x")
	c := NewJob("c", "bob", 2*time.Minute)
	mustCreate(t, s, a, b, c)

	after := Base
	before := Base.Add(2 * time.Minute)
	tests := []struct {
		name   string
		filter types.ListFilter
		want   []types.JobID
	}{
		{"user", types.ListFilter{UserID: "alice"}, []types.JobID{"b", "a"}},
		{"status", types.ListFilter{Status: types.StatusFailed}, []types.JobID{"b"}},
		{"created after is exclusive", types.ListFilter{CreatedAfter: &after}, []types.JobID{"c", "b"}},
		{"created before is exclusive", types.ListFilter{CreatedBefore: &before}, []types.JobID{"b", "a"}},
		{"window", types.ListFilter{CreatedAfter: &after, CreatedBefore: &before}, []types.JobID{"b"}},
		{"updated window", types.ListFilter{UpdatedAfter: &after, UpdatedBefore: &before}, []types.JobID{"b"}},
		{"conjunction", types.ListFilter{UserID: "bob", Status: types.StatusFailed}, []types.JobID{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.List(ctx, store.Query{Filter: tt.filter, SortBy: types.SortByCreatedAt, Order: types.OrderDesc, Limit: 10})
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(got))
		})
	}
}

func testSortByUpdated(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewJob("a", "alice", 0)
	b := NewJob("b", "alice", time.Second)
	mustCreate(t, s, a, b)

	a.UpdatedAt = Base.Add(time.Hour)
	a.Status = types.StatusAnalyzing
	require.NoError(t, s.Update(ctx, a))

	got, err := s.List(ctx, store.Query{SortBy: types.SortByUpdatedAt, Order: types.OrderDesc, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"a", "b"}, ids(got))
}

func testCountByStatus(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewJob("a", "alice", 0)
	b := NewJob("b", "alice", time.Minute)
	b.Status = types.StatusCompleted
	b.Progress = 100
	b.ResultKey = types.StringPtr("processed/b.wav")
	c := NewJob("c", "bob", 2*time.Minute)
	mustCreate(t, s, a, b, c)

	all, err := s.CountByStatus(ctx, types.StatsFilter{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), all[types.StatusPending])
	assert.Equal(t, int64(1), all[types.StatusCompleted])

	alice, err := s.CountByStatus(ctx, types.StatsFilter{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), alice[types.StatusPending])
	assert.Equal(t, int64(1), alice[types.StatusCompleted])

	after := Base
	windowed, err := s.CountByStatus(ctx, types.StatsFilter{CreatedAfter: &after})
	require.NoError(t, err)
	assert.Equal(t, int64(1), windowed[types.StatusPending])
	assert.Equal(t, int64(1), windowed[types.StatusCompleted])
}

func testListByStatus(t *testing.T, s store.Store) {
	a := NewJob("a", "alice", time.Minute)
	a.Status = types.StatusRendering
	b := NewJob("b", "alice", 0)
	c := NewJob("c", "alice", 2*time.Minute)
	c.Status = types.StatusCancelled
	mustCreate(t, s, a, b, c)

	got, err := s.ListByStatus(context.Background(), types.StatusPending, types.StatusRendering)
	require.NoError(t, err)
	assert.Equal(t, []types.JobID{"b", "a"}, ids(got))
}
