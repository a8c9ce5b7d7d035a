package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// DefaultResultsTable receives one row per finished site.
const DefaultResultsTable = "site_results"

// ResultStore writes site crawl results into Postgres.
type ResultStore struct {
	pool  Pool
	table string
}

// NewResultStore builds a store on pool.
func NewResultStore(pool Pool, table string) (*ResultStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = DefaultResultsTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ResultStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the results table when missing.
func (s *ResultStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	run_id           uuid        NOT NULL,
	site_url         text        NOT NULL,
	site_dir         text        NOT NULL DEFAULT '',
	language         text        NOT NULL,
	status           text        NOT NULL,
	started_at       timestamptz NOT NULL,
	duration_ms      bigint      NOT NULL,
	steps            integer     NOT NULL DEFAULT 0,
	input_tokens     bigint      NOT NULL DEFAULT 0,
	artifact_paths   jsonb       NOT NULL DEFAULT '{}',
	artifact_uris    jsonb       NOT NULL DEFAULT '{}',
	artifact_digests jsonb       NOT NULL DEFAULT '{}',
	error_message    text,
	PRIMARY KEY (run_id, site_url, site_dir)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// StoreResult upserts the row of one site.
func (s *ResultStore) StoreResult(ctx context.Context, runID string, result crawler.SiteCrawlResult) error {
	if runID == "" {
		return fmt.Errorf("run id is required")
	}
	paths, err := jsonMap(result.ArtifactPaths)
	if err != nil {
		return fmt.Errorf("marshal artifact paths: %w", err)
	}
	uris, err := jsonMap(result.ArtifactURIs)
	if err != nil {
		return fmt.Errorf("marshal artifact uris: %w", err)
	}
	digests, err := jsonMap(result.ArtifactDigests)
	if err != nil {
		return fmt.Errorf("marshal artifact digests: %w", err)
	}
	var errMsg *string
	if result.Error != "" {
		errMsg = &result.Error
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	run_id,
	site_url,
	site_dir,
	language,
	status,
	started_at,
	duration_ms,
	steps,
	input_tokens,
	artifact_paths,
	artifact_uris,
	artifact_digests,
	error_message
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (run_id, site_url, site_dir) DO UPDATE SET
	status = EXCLUDED.status,
	duration_ms = EXCLUDED.duration_ms,
	steps = EXCLUDED.steps,
	input_tokens = EXCLUDED.input_tokens,
	artifact_paths = EXCLUDED.artifact_paths,
	artifact_uris = EXCLUDED.artifact_uris,
	artifact_digests = EXCLUDED.artifact_digests,
	error_message = EXCLUDED.error_message`, s.table)

	args := []any{
		runID,
		result.Site.URL,
		result.Dir,
		string(result.Site.Language),
		string(result.Status),
		result.StartedAt,
		result.DurationMs,
		result.Steps,
		result.InputTokens,
		paths,
		uris,
		digests,
		errMsg,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert site result: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *ResultStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func jsonMap(m map[crawler.CaptureKind]string) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}
