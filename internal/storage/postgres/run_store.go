package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/store"
)

const runSchema = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	id          uuid PRIMARY KEY,
	started_at  timestamptz NOT NULL,
	finished_at timestamptz,
	status      text NOT NULL,
	note        text
);
CREATE TABLE IF NOT EXISTS crawl_run_sites (
	run_id      uuid NOT NULL REFERENCES crawl_runs (id),
	status      text NOT NULL,
	sites       bigint NOT NULL,
	last_update timestamptz NOT NULL,
	PRIMARY KEY (run_id, status)
);`

// RunStore implements store.RunRepository.
type RunStore struct {
	pool Pool
}

var _ store.RunRepository = (*RunStore)(nil)

// NewRunStore builds a store on pool.
func NewRunStore(pool Pool) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &RunStore{pool: pool}, nil
}

// EnsureSchema creates the run tables when missing.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, runSchema); err != nil {
		return fmt.Errorf("create run tables: %w", err)
	}
	return nil
}

// StartRun inserts the run as running.
func (s *RunStore) StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error {
	query := `
		INSERT INTO crawl_runs (id, started_at, status)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING;
	`
	if _, err := s.pool.Exec(ctx, query, runID, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("failed to insert run start: %w", err)
	}
	return nil
}

// FinishRun marks the run finished or interrupted.
func (s *RunStore) FinishRun(
	ctx context.Context,
	runID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	note *string,
) error {
	query := `
		UPDATE crawl_runs
		SET finished_at = $1, status = $2, note = $3
		WHERE id = $4;
	`
	res, err := s.pool.Exec(ctx, query, finishedAt, string(status), note, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("finish run %s: %w", runID, store.ErrNotFound)
	}
	return nil
}

// AddSiteOutcomes adds delta sites with status to the run's counters.
func (s *RunStore) AddSiteOutcomes(
	ctx context.Context,
	runID uuid.UUID,
	status crawler.Status,
	delta int64,
	at time.Time,
) error {
	query := `
		INSERT INTO crawl_run_sites (run_id, status, sites, last_update)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id, status) DO UPDATE
		SET sites = crawl_run_sites.sites + EXCLUDED.sites,
			last_update = GREATEST(crawl_run_sites.last_update, EXCLUDED.last_update);
	`
	if _, err := s.pool.Exec(ctx, query, runID, string(status), delta, at); err != nil {
		return fmt.Errorf("failed to add site outcomes: %w", err)
	}
	return nil
}

// GetRun loads one run with its per-status site counts.
func (s *RunStore) GetRun(ctx context.Context, runID uuid.UUID) (store.Run, error) {
	run := store.Run{ID: runID, Sites: map[crawler.Status]int64{}}
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT started_at, finished_at, status, note
		FROM crawl_runs
		WHERE id = $1;
	`, runID).Scan(&run.StartedAt, &run.FinishedAt, &status, &run.Note)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.Run{}, store.ErrNotFound
		}
		return store.Run{}, fmt.Errorf("failed to get run: %w", err)
	}
	run.Status = store.RunStatus(status)

	rows, err := s.pool.Query(ctx, `
		SELECT status, sites
		FROM crawl_run_sites
		WHERE run_id = $1;
	`, runID)
	if err != nil {
		return store.Run{}, fmt.Errorf("failed to list run sites: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			siteStatus string
			sites      int64
		)
		if err := rows.Scan(&siteStatus, &sites); err != nil {
			return store.Run{}, fmt.Errorf("failed to scan run sites: %w", err)
		}
		run.Sites[crawler.Status(siteStatus)] = sites
	}
	if err := rows.Err(); err != nil {
		return store.Run{}, fmt.Errorf("failed to iterate run sites: %w", err)
	}
	return run, nil
}

// Close releases the underlying pool resources.
func (s *RunStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}
