// Package postgres provides the Postgres-backed Repository used when the
// snapshot source must survive process restarts or serve several ingress
// replicas.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/feedmux/feedmux/internal/progress"
	"github.com/feedmux/feedmux/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Close()
}

// Repository implements store.Repository on an active_jobs table.
type Repository struct {
	pool pgxPool
}

// NewRepository connects a pool using the provided config.
func NewRepository(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &Repository{pool: pool}, nil
}

// NewRepositoryWithPool wires an existing pool; used by tests.
func NewRepositoryWithPool(pool pgxPool) *Repository {
	return &Repository{pool: pool}
}

// Record upserts the latest event, or removes the job on a terminal status.
func (r *Repository) Record(ctx context.Context, evt progress.Event, at time.Time) error {
	if evt.Status.Terminal() {
		if _, err := r.pool.Exec(ctx, `DELETE FROM active_jobs WHERE job_id = $1`, evt.JobID); err != nil {
			return fmt.Errorf("untrack terminal job: %w", err)
		}
		return nil
	}
	query := `
		INSERT INTO active_jobs
			(job_id, parent_job_id, job_type, status, message, error_text, payload, first_seen_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (job_id) DO UPDATE SET
			job_type = EXCLUDED.job_type,
			status = EXCLUDED.status,
			message = EXCLUDED.message,
			error_text = EXCLUDED.error_text,
			payload = EXCLUDED.payload,
			updated_at = EXCLUDED.updated_at;
	`
	_, err := r.pool.Exec(ctx, query,
		evt.JobID,
		evt.ParentJobID,
		evt.JobType,
		string(evt.Status),
		evt.Message,
		evt.Error,
		[]byte(evt.Payload),
		at,
	)
	if err != nil {
		return fmt.Errorf("upsert active job: %w", err)
	}
	return nil
}

// Active returns tracked jobs in first-seen order.
func (r *Repository) Active(ctx context.Context) ([]store.ActiveJob, error) {
	query := `
		SELECT job_id, parent_job_id, job_type, status, message, error_text, payload, first_seen_at, updated_at
		FROM active_jobs
		ORDER BY first_seen_at, job_id;
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query active jobs: %w", err)
	}
	defer rows.Close()

	var out []store.ActiveJob
	for rows.Next() {
		var (
			job     store.ActiveJob
			status  string
			payload []byte
		)
		if err := rows.Scan(
			&job.Event.JobID,
			&job.Event.ParentJobID,
			&job.Event.JobType,
			&status,
			&job.Event.Message,
			&job.Event.Error,
			&payload,
			&job.FirstSeenAt,
			&job.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan active job: %w", err)
		}
		job.Event.Status = progress.JobStatus(status)
		job.Event.Payload = payload
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate active jobs: %w", err)
	}
	return out, nil
}

// Delete untracks one job, returning store.ErrNotFound if absent.
func (r *Repository) Delete(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM active_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("delete active job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Close releases the connection pool.
func (r *Repository) Close() {
	r.pool.Close()
}
