package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/crm-sync/internal/sync"
	_ "github.com/lib/pq"
)

// ErrRunNotFound is returned when no run log row matches the id.
var ErrRunNotFound = errors.New("sync run not found")

// SyncRun is one row of the crm_sync_runs audit table.
type SyncRun struct {
	ID         string        `json:"id"`
	Source     string        `json:"source"`
	Status     string        `json:"status"`
	Summary    *sync.Summary `json:"summary,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
}

// RunLogRepo persists sync run outcomes to PostgreSQL.
type RunLogRepo struct{ db *sql.DB }

// NewRunLogRepo creates a Postgres-backed run log repository.
func NewRunLogRepo(db *sql.DB) *RunLogRepo { return &RunLogRepo{db: db} }

// DB exposes the underlying connection, used for advisory locking.
func (r *RunLogRepo) DB() *sql.DB {
	if r == nil {
		return nil
	}
	return r.db
}

// Open connects to the run-log database. An empty URL returns a nil
// repo, which every method treats as a no-op store.
func Open(databaseURL string) (*RunLogRepo, error) {
	if databaseURL == "" {
		return nil, nil
	}
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open run log db: %w", err)
	}
	return NewRunLogRepo(db), nil
}

// Start records the beginning of a run.
func (r *RunLogRepo) Start(ctx context.Context, runID, source string) error {
	if r == nil {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO crm_sync_runs (id, source, status, started_at)
		VALUES ($1, $2, 'running', NOW())
	`, runID, source)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// Finish records a run's terminal status and summary counters.
func (r *RunLogRepo) Finish(ctx context.Context, runID, status string, summary *sync.Summary) error {
	if r == nil {
		return nil
	}
	var summaryJSON []byte
	if summary != nil {
		var err error
		summaryJSON, err = json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("marshal run summary: %w", err)
		}
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE crm_sync_runs
		SET status = $2, summary = $3, finished_at = NOW()
		WHERE id = $1
	`, runID, status, summaryJSON)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

// Get returns one run by id.
func (r *RunLogRepo) Get(ctx context.Context, runID string) (*SyncRun, error) {
	if r == nil {
		return nil, ErrRunNotFound
	}
	run := &SyncRun{}
	var summaryJSON []byte
	var finishedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT id, source, status, summary, started_at, finished_at
		FROM crm_sync_runs
		WHERE id = $1
	`, runID).Scan(&run.ID, &run.Source, &run.Status, &summaryJSON, &run.StartedAt, &finishedAt)
	if err == sql.ErrNoRows {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get sync run: %w", err)
	}
	if finishedAt.Valid {
		run.FinishedAt = &finishedAt.Time
	}
	if len(summaryJSON) > 0 {
		var s sync.Summary
		if err := json.Unmarshal(summaryJSON, &s); err != nil {
			return nil, fmt.Errorf("decode run summary: %w", err)
		}
		run.Summary = &s
	}
	return run, nil
}

// List returns recent runs, newest first.
func (r *RunLogRepo) List(ctx context.Context, limit int) ([]SyncRun, error) {
	if r == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, source, status, started_at, finished_at
		FROM crm_sync_runs
		ORDER BY started_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	defer rows.Close()

	var out []SyncRun
	for rows.Next() {
		var run SyncRun
		var finishedAt sql.NullTime
		if err := rows.Scan(&run.ID, &run.Source, &run.Status, &run.StartedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan sync run: %w", err)
		}
		if finishedAt.Valid {
			run.FinishedAt = &finishedAt.Time
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
