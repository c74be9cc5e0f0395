// File: internal/store/store.go
// Description: PostgreSQL persistence for run records. The engine only ever
// creates pending records and advances their status; querying and reporting
// belong to external tooling.

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/formrelay/formrelay-cli/api/schemas"
)

// DBPool abstracts pgxpool.Pool so the store can be tested against a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Store provides the PostgreSQL implementation of schemas.RunStore.
type Store struct {
	pool DBPool
	log  *zap.Logger

	// owned is set when the store opened its own connection pool and is
	// responsible for closing it.
	owned *pgxpool.Pool
}

// New creates a store and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// Connect opens a pgx pool for the given URL and wraps it in a Store.
func Connect(ctx context.Context, url string, logger *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	s, err := New(ctx, pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.owned = pool
	return s, nil
}

// Close releases the connection pool when the store owns one.
func (s *Store) Close() {
	if s.owned != nil {
		s.owned.Close()
	}
}

const createRunSQL = `
INSERT INTO submission_runs
	(id, target_url, template_name, template_version, status, captcha_outcome, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

// CreateRun inserts a pending run record.
func (s *Store) CreateRun(ctx context.Context, run *schemas.SubmissionRun) error {
	_, err := s.pool.Exec(ctx, createRunSQL,
		run.ID, run.TargetURL, run.TemplateName, run.TemplateVersion,
		string(schemas.StatusPending), string(run.CaptchaOutcome), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert run record: %w", err)
	}
	return nil
}

const markRunningSQL = `
UPDATE submission_runs
SET status = $1, started_at = $2
WHERE id = $3 AND status = $4`

// MarkRunning advances a pending record to running. The status guard keeps
// the transition monotonic even if the call is ever replayed.
func (s *Store) MarkRunning(ctx context.Context, runID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, markRunningSQL,
		string(schemas.StatusRunning), at.UTC(), runID, string(schemas.StatusPending),
	)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not in pending state", runID)
	}
	return nil
}

const finalizeRunSQL = `
UPDATE submission_runs
SET status = $1, message = $2, captcha_outcome = $3, ended_at = $4
WHERE id = $5 AND status = $6`

// FinalizeRun stamps the terminal status onto a running record.
func (s *Store) FinalizeRun(ctx context.Context, run *schemas.SubmissionRun) error {
	if !run.Status.Terminal() {
		return fmt.Errorf("refusing to finalize run %s with non-terminal status %q", run.ID, run.Status)
	}
	tag, err := s.pool.Exec(ctx, finalizeRunSQL,
		string(run.Status), run.Message, string(run.CaptchaOutcome), run.EndedAt.UTC(),
		run.ID, string(schemas.StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("failed to finalize run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s not in running state", run.ID)
	}
	return nil
}
