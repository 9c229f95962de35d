package memstore

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/tonebridge/internal/snapshot"
	"github.com/ChuLiYu/tonebridge/internal/storage/wal"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

// Options 持久模式設定
type Options struct {
	WAL              wal.Options
	SnapshotInterval time.Duration // <= 0 時只在 Close 寫快照
}

// journal 把 WAL 與快照綁在 Store 上
type journal struct {
	wal      *wal.WAL
	snapshot *snapshot.Manager
	stopCh   chan struct{}
	loopWg   sync.WaitGroup
	once     sync.Once
}

// Open 開啟持久化 store：dir 下放 jobs.wal 與 snapshot.json
//
// 恢復流程：
//  1. 載入快照
//  2. 重放 seq > LastSeq 的 WAL 事件
//  3. 啟動定期快照
func Open(dir string, opts Options) (*Store, error) {
	start := time.Now()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	snap := snapshot.NewManager(filepath.Join(dir, "snapshot.json"))
	hadSnapshot := snap.Exists()
	data, err := snap.Load()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	w, err := wal.NewWAL(filepath.Join(dir, "jobs.wal"), opts.WAL)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	w.EnsureSeq(data.LastSeq)

	s := &Store{jobs: data.Jobs}
	replayed := 0
	err = w.Replay(data.LastSeq, func(e wal.Event) error {
		if e.Job == nil {
			return fmt.Errorf("wal event seq=%d has no job", e.Seq)
		}
		s.jobs[e.JobID] = e.Job
		replayed++
		return nil
	})
	if err != nil {
		w.Close()
		return nil, fmt.Errorf("replay wal: %w", err)
	}

	s.journal = &journal{wal: w, snapshot: snap, stopCh: make(chan struct{})}
	if opts.SnapshotInterval > 0 {
		s.journal.loopWg.Add(1)
		go s.checkpointLoop(opts.SnapshotInterval)
	}

	log.Info("Job store recovered",
		"dir", dir,
		"snapshot", snap.GetPath(),
		"from_snapshot", hadSnapshot,
		"jobs", len(s.jobs),
		"snapshot_seq", data.LastSeq,
		"replayed_events", replayed,
		"duration", time.Since(start))
	return s, nil
}

// Checkpoint 寫快照並旋轉 WAL；持寫鎖，期間的修改會等待
func (s *Store) Checkpoint() error {
	if s.journal == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked()
}

func (s *Store) checkpointLocked() error {
	data := types.SnapshotData{
		Jobs:    s.jobs,
		LastSeq: s.journal.wal.GetLastSeq(),
	}
	if err := s.journal.snapshot.Write(data); err != nil {
		return err
	}
	return s.journal.wal.Rotate()
}

func (s *Store) checkpointLoop(interval time.Duration) {
	defer s.journal.loopWg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.journal.stopCh:
			return
		case <-ticker.C:
			start := time.Now()
			if err := s.Checkpoint(); err != nil {
				log.Error("Failed to checkpoint job store", "error", err)
				continue
			}
			log.Debug("Job store checkpoint written", "duration", time.Since(start))
		}
	}
}

// append 先寫 WAL；nil journal 直接略過
func (j *journal) append(t wal.EventType, job *types.Job) error {
	if j == nil {
		return nil
	}
	if err := j.wal.Append(t, job); err != nil {
		return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	return nil
}

func (j *journal) close(s *Store) error {
	var err error
	j.once.Do(func() {
		close(j.stopCh)
		j.loopWg.Wait()

		s.mu.Lock()
		defer s.mu.Unlock()
		if cerr := s.checkpointLocked(); cerr != nil {
			log.Error("Final checkpoint failed", "error", cerr)
			err = cerr
		}
		if cerr := j.wal.Close(); cerr != nil && err == nil {
			err = cerr
		}
	})
	return err
}
