package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ChuLiYu/tonebridge/internal/store"
	"github.com/ChuLiYu/tonebridge/pkg/types"
)

const pgErrCodeUniqueViolation = "23505"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS jobs (
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
		metrics     JSONB NOT NULL DEFAULT '{}'::jsonb,
		params      JSONB,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_user_status_created ON jobs (user_id, status, created_at)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_user_status_updated ON jobs (user_id, status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_created ON jobs (created_at, id)`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_updated ON jobs (updated_at, id)`,
}

const columns = `id, user_id, mode, status, progress, attempt, ref_key, tgt_key, result_key, error, metrics::text, params::text, created_at, updated_at`

var dialect = store.Dialect{
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	Time:        func(t time.Time) interface{} { return t },
}

// Store is a store.Store backed by a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects, pings and applies the schema under an advisory lock so
// concurrent starts do not race on CREATE INDEX.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, lockID("tonebridge:schema")); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	for _, stmt := range schema {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Create(ctx context.Context, job *types.Job) error {
	metrics, params, err := encodeMaps(job)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (id, user_id, mode, status, progress, attempt, ref_key, tgt_key, result_key, error, metrics, params, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12::jsonb, $13, $14)`,
		string(job.ID), job.UserID, string(job.Mode), string(job.Status), job.Progress, job.Attempt,
		job.RefKey, job.TgtKey, job.ResultKey, job.Error, metrics, params,
		job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s already exists", types.ErrInvalidArgument, job.ID)
		}
		return unavailable(err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id types.JobID) (*types.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+columns+` FROM jobs WHERE id = $1`, string(id))
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, progress = $2, attempt = $3, result_key = $4, error = $5,
		        metrics = $6::jsonb, params = $7::jsonb, updated_at = $8
		 WHERE id = $9`,
		string(job.Status), job.Progress, job.Attempt, job.ResultKey, job.Error,
		metrics, params, job.UpdatedAt, string(job.ID),
	)
	if err != nil {
		return unavailable(err)
	}
	if tag.RowsAffected() == 0 {
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
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs`+sq.Where+` GROUP BY status`, sq.Args...)
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

func (s *Store) query(ctx context.Context, sql string, args ...interface{}) ([]*types.Job, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
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

func scanJob(row pgx.Row) (*types.Job, error) {
	var (
		job              types.Job
		id, mode, status string
		metrics          string
		params           *string
	)
	if err := row.Scan(&id, &job.UserID, &mode, &status, &job.Progress, &job.Attempt,
		&job.RefKey, &job.TgtKey, &job.ResultKey, &job.Error, &metrics, &params,
		&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.ID = types.JobID(id)
	job.Mode = types.Mode(mode)
	job.Status = types.JobStatus(status)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	if err := json.Unmarshal([]byte(metrics), &job.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics for %s: %w", id, err)
	}
	if params != nil {
		if err := json.Unmarshal([]byte(*params), &job.Params); err != nil {
			return nil, fmt.Errorf("decode params for %s: %w", id, err)
		}
	}
	return &job, nil
}

func encodeMaps(job *types.Job) (string, *string, error) {
	m := job.Metrics
	if m == nil {
		m = types.Metrics{}
	}
	metrics, err := json.Marshal(m)
	if err != nil {
		return "", nil, fmt.Errorf("%w: metrics: %v", types.ErrInvalidArgument, err)
	}
	if job.Params == nil {
		return string(metrics), nil, nil
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return "", nil, fmt.Errorf("%w: params: %v", types.ErrInvalidArgument, err)
	}
	p := string(params)
	return string(metrics), &p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgErrCodeUniqueViolation
	}
	return false
}

func lockID(name string) int64 {
	h := fnv.New64a()
	h.Write([]byte(name))
	return int64(h.Sum64())
}

func unavailable(err error) error {
	return fmt.Errorf("%w: postgres: %v", types.ErrStoreUnavailable, err)
}
