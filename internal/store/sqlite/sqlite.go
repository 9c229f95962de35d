package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChuLiYu/tonebridge/internal/store"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
  id          TEXT PRIMARY KEY,
  user_id     TEXT NOT NULL,
  mode        TEXT NOT NULL,
  status      TEXT NOT NULL,
  progress    INTEGER NOT NULL DEFAULT 0,
  attempt     INTEGER NOT NULL DEFAULT 1,
  ref_key     TEXT NOT NULL,
  tgt_key     TEXT NOT NULL,
  result_key  TEXT,
  error       TEXT,
  metrics     TEXT NOT NULL DEFAULT '{}',
  params      TEXT,
  created_at  INTEGER NOT NULL,
  updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_jobs_user_status_created ON jobs (user_id, status, created_at);
CREATE INDEX IF NOT EXISTS ix_jobs_user_status_updated ON jobs (user_id, status, updated_at);
CREATE INDEX IF NOT EXISTS ix_jobs_created ON jobs (created_at, id);
CREATE INDEX IF NOT EXISTS ix_jobs_updated ON jobs (updated_at, id);
`

const columns = `id, user_id, mode, status, progress, attempt, ref_key, tgt_key, result_key, error, metrics, params, created_at, updated_at`

// timestamps are stored as unix microseconds
var dialect = store.Dialect{
	Placeholder: func(int) string { return "?" },
	Time:        func(t time.Time) interface{} { return t.UnixMicro() },
}

// Store is a store.Store backed by a single SQLite file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer connection; SQLite serialises writes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000; PRAGMA journal_mode = WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Create(ctx context.Context, job *types.Job) error {
	metrics, params, err := encodeMaps(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (`+columns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		string(job.ID), job.UserID, string(job.Mode), string(job.Status), job.Progress, job.Attempt,
		job.RefKey, job.TgtKey, nullString(job.ResultKey), nullString(job.Error), metrics, params,
		job.CreatedAt.UnixMicro(), job.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: job %s already exists", types.ErrInvalidArgument, job.ID)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM jobs WHERE id = ?`, string(id))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
		}
		return nil, unavailable(err)
	}
	return job, nil
}

func (s *Store) Update(ctx context.Context, job *types.Job) error {
	metrics, params, err := encodeMaps(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = ?, attempt = ?, result_key = ?, error = ?,
		        metrics = ?, params = ?, updated_at = ?
		 WHERE id = ?`,
		string(job.Status), job.Progress, job.Attempt, nullString(job.ResultKey), nullString(job.Error),
		metrics, params, job.UpdatedAt.UnixMicro(), string(job.ID),
	)
	if err != nil {
		return unavailable(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", types.ErrNotFound, job.ID)
	}
	return nil
}

func (s *Store) List(ctx context.Context, q store.Query) ([]*types.Job, error) {
	sq := store.BuildList(q, dialect)
	return s.query(ctx, `SELECT `+columns+` FROM jobs`+sq.Where+sq.Order, sq.Args...)
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	sq := store.BuildStatusIn(statuses, dialect)
	return s.query(ctx, `SELECT `+columns+` FROM jobs`+sq.Where+sq.Order, sq.Args...)
}

func (s *Store) CountByStatus(ctx context.Context, f types.StatsFilter) (map[types.JobStatus]int64, error) {
	sq := store.BuildStats(f, dialect)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs`+sq.Where+` GROUP BY status`, sq.Args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	counts := store.ZeroCounts()
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, unavailable(err)
		}
		counts[types.JobStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return counts, nil
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	out := []*types.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row scanner) (*types.Job, error) {
	var (
		job                  types.Job
		id, mode, status     string
		resultKey, errMsg    sql.NullString
		metrics              string
		params               sql.NullString
		createdUs, updatedUs int64
	)
	if err := row.Scan(&id, &job.UserID, &mode, &status, &job.Progress, &job.Attempt,
		&job.RefKey, &job.TgtKey, &resultKey, &errMsg, &metrics, &params, &createdUs, &updatedUs); err != nil {
		return nil, err
	}
	job.ID = types.JobID(id)
	job.Mode = types.Mode(mode)
	job.Status = types.JobStatus(status)
	if resultKey.Valid {
		job.ResultKey = types.StringPtr(resultKey.String)
	}
	if errMsg.Valid {
		job.Error = types.StringPtr(errMsg.String)
	}
	if err := json.Unmarshal([]byte(metrics), &job.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics for %s: %w", id, err)
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &job.Params); err != nil {
			return nil, fmt.Errorf("decode params for %s: %w", id, err)
		}
	}
	job.CreatedAt = time.UnixMicro(createdUs).UTC()
	job.UpdatedAt = time.UnixMicro(updatedUs).UTC()
	return &job, nil
}

func encodeMaps(job *types.Job) (string, sql.NullString, error) {
	m := job.Metrics
	if m == nil {
		m = types.Metrics{}
	}
	metrics, err := json.Marshal(m)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("%w: metrics: %v", types.ErrInvalidArgument, err)
	}
	if job.Params == nil {
		return string(metrics), sql.NullString{}, nil
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("%w: params: %v", types.ErrInvalidArgument, err)
	}
	return string(metrics), sql.NullString{String: string(params), Valid: true}, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func unavailable(err error) error {
	return fmt.Errorf("%w: sqlite: %v", types.ErrStoreUnavailable, err)
}
