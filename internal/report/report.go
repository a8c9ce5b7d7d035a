// Package report writes the per-run outputs: the append-only JSONL log of
// finished sites, the ordered JSON summary and the CSV of failed sites.
package report

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/sitelist"
)

// SummaryPath is outputPath/summary-<runID>.json.
func SummaryPath(outputPath, runID string) string {
	return filepath.Join(outputPath, fmt.Sprintf("summary-%s.json", runID))
}

// LogPath is outputPath/summary-<runID>.jsonl.
func LogPath(outputPath, runID string) string {
	return filepath.Join(outputPath, fmt.Sprintf("summary-%s.jsonl", runID))
}

// FailedPath is outputPath/failed-<runID>.csv.
func FailedPath(outputPath, runID string) string {
	return filepath.Join(outputPath, fmt.Sprintf("failed-%s.csv", runID))
}

// Summary is the report of one run. Results are in input order.
type Summary struct {
	RunID         string                    `json:"run_id"`
	StartedAt     time.Time                 `json:"started_at"`
	FinishedAt    time.Time                 `json:"finished_at"`
	Interrupted   bool                      `json:"interrupted"`
	Configuration crawler.RunConfiguration  `json:"configuration"`
	Counts        map[crawler.Status]int    `json:"counts"`
	Results       []crawler.SiteCrawlResult `json:"results"`
}

// Count fills Counts from Results.
func (s *Summary) Count() {
	s.Counts = make(map[crawler.Status]int)
	for _, r := range s.Results {
		s.Counts[r.Status]++
	}
}

// Failed returns the sites of every result that did not complete, in input
// order. Rows without a website cannot be rerun and are left out.
func (s Summary) Failed() []crawler.SiteEntry {
	var out []crawler.SiteEntry
	for _, r := range s.Results {
		if r.Status.Failed() && strings.TrimSpace(r.Site.URL) != "" {
			out = append(out, r.Site)
		}
	}
	return out
}

// WriteSummary writes the summary as indented JSON. The file is replaced atomically.
func WriteSummary(path string, s Summary) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return writeAtomic(path, append(data, '\n'))
}

// WriteFailed writes the failed subset in the site list format. It writes
// nothing and returns false when every site completed.
func WriteFailed(path string, s Summary) (bool, error) {
	failed := s.Failed()
	if len(failed) == 0 {
		return false, nil
	}
	var buf bytes.Buffer
	if err := sitelist.Write(&buf, failed); err != nil {
		return false, err
	}
	if err := writeAtomic(path, buf.Bytes()); err != nil {
		return false, err
	}
	return true, nil
}

// ReadSummary loads a summary written by WriteSummary.
func ReadSummary(path string) (Summary, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(data, &s); err != nil {
		return Summary{}, fmt.Errorf("decode summary %s: %w", path, err)
	}
	return s, nil
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create report dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return fmt.Errorf("create temp report: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename report: %w", err)
	}
	return nil
}

// Appender appends one JSON line per finished site. It is safe for
// concurrent use; the lock is held only for one write.
type Appender struct {
	mu     sync.Mutex
	f      *os.File
	closed bool
}

// OpenAppender opens path for appending, creating it if needed.
func OpenAppender(path string) (*Appender, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Appender{f: f}, nil
}

// Append writes result as a single line.
func (a *Appender) Append(result crawler.SiteCrawlResult) error {
	line, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	line = append(line, '\n')
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("append to closed report")
	}
	if _, err := a.f.Write(line); err != nil {
		return fmt.Errorf("append result: %w", err)
	}
	return nil
}

// Close syncs and closes the file. Later calls are no-ops.
func (a *Appender) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	syncErr := a.f.Sync()
	if err := a.f.Close(); err != nil {
		return fmt.Errorf("close report: %w", err)
	}
	if syncErr != nil {
		return fmt.Errorf("sync report: %w", syncErr)
	}
	return nil
}
