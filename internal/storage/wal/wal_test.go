package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/tonebridge/pkg/types"
)

func testJob(id string, status types.JobStatus) *types.Job {
	ts := time.Date(2025, 9, 15, 10, 0, 0, 0, time.UTC)
	return &types.Job{
		ID:        types.JobID(id),
		UserID:    "alice",
		Mode:      types.ModeStyle,
		RefKey:    "ref",
		TgtKey:    "tgt",
		Status:    status,
		Attempt:   1,
		Metrics:   types.Metrics{"analyze_s": 0.5},
		CreatedAt: ts,
		UpdatedAt: ts,
	}
}

func openTestWAL(t *testing.T, path string) *WAL {
	t.Helper()
	w, err := NewWAL(path, Options{SyncOnAppend: true})
	require.NoError(t, err)
	return w
}

func collect(t *testing.T, w *WAL, after uint64) []Event {
	t.Helper()
	var events []Event
	require.NoError(t, w.Replay(after, func(e Event) error {
		events = append(events, e)
		return nil
	}))
	return events
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w := openTestWAL(t, path)

	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending)))
	require.NoError(t, w.Append(EventUpdate, testJob("a", types.StatusAnalyzing)))
	require.NoError(t, w.Append(EventCreate, testJob("b", types.StatusPending)))
	assert.Equal(t, uint64(3), w.GetLastSeq())

	events := collect(t, w, 0)
	require.Len(t, events, 3)
	assert.Equal(t, EventUpdate, events[1].Type)
	assert.Equal(t, types.StatusAnalyzing, events[1].Job.Status)
	assert.Equal(t, 0.5, events[1].Job.Metrics["analyze_s"])

	assert.Len(t, collect(t, w, 2), 1, "events at or below afterSeq are skipped")
	require.NoError(t, w.Close())
}

func TestReopenContinuesSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w := openTestWAL(t, path)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending)))
	require.NoError(t, w.Append(EventCreate, testJob("b", types.StatusPending)))
	require.NoError(t, w.Close())

	w2 := openTestWAL(t, path)
	defer w2.Close()
	assert.Equal(t, uint64(2), w2.GetLastSeq())
	require.NoError(t, w2.Append(EventCreate, testJob("c", types.StatusPending)))
	assert.Equal(t, uint64(3), w2.GetLastSeq())

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRotateKeepsSeq(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w := openTestWAL(t, path)
	defer w.Close()

	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending)))
	require.NoError(t, w.Rotate())
	assert.Empty(t, collect(t, w, 0))

	require.NoError(t, w.Append(EventCreate, testJob("b", types.StatusPending)))
	events := collect(t, w, 0)
	require.Len(t, events, 1)
	assert.Equal(t, uint64(2), events[0].Seq)
}

func TestEnsureSeq(t *testing.T) {
	w := openTestWAL(t, filepath.Join(t.TempDir(), "jobs.wal"))
	defer w.Close()
	w.EnsureSeq(10)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending)))
	assert.Equal(t, uint64(11), w.GetLastSeq())
	w.EnsureSeq(5)
	assert.Equal(t, uint64(11), w.GetLastSeq())
}

func TestReplayDetectsChecksumMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w := openTestWAL(t, path)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending)))
	require.NoError(t, w.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// flip the owner inside the record, checksum no longer matches
	tampered := bytes.Replace(raw, []byte(`"alice"`), []byte(`"mallo"`), 1)
	require.NotEqual(t, raw, tampered)
	require.NoError(t, os.WriteFile(path, tampered, 0644))

	w2 := openTestWAL(t, path)
	defer w2.Close()
	err = w2.Replay(0, func(Event) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	var ce *ChecksumError
	assert.ErrorAs(t, err, &ce)
}

func TestReplayToleratesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w := openTestWAL(t, path)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending)))
	require.NoError(t, w.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"seq":2,"type":"UPD`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2 := openTestWAL(t, path)
	defer w2.Close()
	assert.Equal(t, uint64(1), w2.GetLastSeq())
	assert.Len(t, collect(t, w2, 0), 1)

	require.NoError(t, w2.Append(EventUpdate, testJob("a", types.StatusAnalyzing)))
	events := collect(t, w2, 0)
	require.Len(t, events, 2)
	assert.Equal(t, uint64(2), events[1].Seq)
}

func TestAppendAfterClose(t *testing.T) {
	w := openTestWAL(t, filepath.Join(t.TempDir(), "jobs.wal"))
	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Append(EventCreate, testJob("a", types.StatusPending)), ErrWALClosed)
}

func TestGetLastEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w := openTestWAL(t, path)
	require.NoError(t, w.Close())

	last, err := GetLastEvent(path)
	require.NoError(t, err)
	assert.Nil(t, last, "empty log")

	w = openTestWAL(t, path)
	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending)))
	require.NoError(t, w.Append(EventUpdate, testJob("a", types.StatusAnalyzing)))
	require.NoError(t, w.Close())

	last, err = GetLastEvent(path)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, uint64(2), last.Seq)
	assert.Equal(t, EventUpdate, last.Type)
	assert.Equal(t, types.StatusAnalyzing, last.Job.Status)

	n, err := CountEvents(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBackgroundFlush(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.wal")
	w, err := NewWAL(path, Options{BufferSize: 100, FlushInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	require.NoError(t, w.Append(EventCreate, testJob("a", types.StatusPending)))

	require.Eventually(t, func() bool {
		n, err := CountEvents(path)
		return err == nil && n == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Flush(), ErrWALClosed)
	assert.NoError(t, w.Close(), "second close is a no-op")
}
