package report

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/sitelist"
)

func sampleSummary() Summary {
	s := Summary{
		RunID: "run-1",
		Results: []crawler.SiteCrawlResult{
			{Site: crawler.SiteEntry{URL: "https://a.example", Language: crawler.LanguageFrench}, Status: crawler.StatusCompleted},
			{Site: crawler.SiteEntry{URL: "https://b.example", Language: crawler.LanguageGerman}, Status: crawler.StatusTimedOut},
			{Site: crawler.SiteEntry{URL: "https://c.example", Language: crawler.LanguageDutch}, Status: crawler.StatusNavigationError},
		},
	}
	s.Count()
	return s
}

func TestPaths(t *testing.T) {
	t.Parallel()

	require.Equal(t, filepath.Join("out", "summary-r1.json"), SummaryPath("out", "r1"))
	require.Equal(t, filepath.Join("out", "summary-r1.jsonl"), LogPath("out", "r1"))
	require.Equal(t, filepath.Join("out", "failed-r1.csv"), FailedPath("out", "r1"))
}

func TestWriteAndReadSummary(t *testing.T) {
	t.Parallel()

	path := SummaryPath(t.TempDir(), "run-1")
	s := sampleSummary()
	require.NoError(t, WriteSummary(path, s))

	got, err := ReadSummary(path)
	require.NoError(t, err)
	require.Equal(t, "run-1", got.RunID)
	require.Len(t, got.Results, 3)
	require.Equal(t, "https://b.example", got.Results[1].Site.URL)
	require.Equal(t, 1, got.Counts[crawler.StatusCompleted])
	require.Equal(t, 1, got.Counts[crawler.StatusTimedOut])

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestWriteFailedIsRerunnable(t *testing.T) {
	t.Parallel()

	path := FailedPath(t.TempDir(), "run-1")
	wrote, err := WriteFailed(path, sampleSummary())
	require.NoError(t, err)
	require.True(t, wrote)

	entries, err := sitelist.Load(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "https://b.example", entries[0].URL)
	require.Equal(t, crawler.LanguageGerman, entries[0].Language)
	require.Equal(t, "https://c.example", entries[1].URL)
}

func TestWriteFailedSkipsRowsWithoutWebsite(t *testing.T) {
	t.Parallel()

	s := sampleSummary()
	s.Results = append(s.Results,
		crawler.SiteCrawlResult{Site: crawler.SiteEntry{Language: crawler.LanguageSwedish, Row: 5}, Status: crawler.StatusConfigError},
		crawler.SiteCrawlResult{Site: crawler.SiteEntry{URL: "  ", Language: crawler.LanguageItalian, Row: 6}, Status: crawler.StatusConfigError},
	)

	path := FailedPath(t.TempDir(), "run-1")
	wrote, err := WriteFailed(path, s)
	require.NoError(t, err)
	require.True(t, wrote)

	entries, err := sitelist.Load(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		require.NoError(t, e.Invalid)
	}

	onlyBlank := Summary{Results: []crawler.SiteCrawlResult{{Status: crawler.StatusConfigError}}}
	blankPath := FailedPath(t.TempDir(), "run-2")
	wrote, err = WriteFailed(blankPath, onlyBlank)
	require.NoError(t, err)
	require.False(t, wrote)
	require.NoFileExists(t, blankPath)
}

func TestWriteFailedSkipsCleanRun(t *testing.T) {
	t.Parallel()

	path := FailedPath(t.TempDir(), "run-1")
	s := Summary{Results: []crawler.SiteCrawlResult{{Status: crawler.StatusCompleted}}}
	wrote, err := WriteFailed(path, s)
	require.NoError(t, err)
	require.False(t, wrote)
	require.NoFileExists(t, path)
}

func TestAppenderConcurrentLines(t *testing.T) {
	t.Parallel()

	path := LogPath(t.TempDir(), "run-1")
	app, err := OpenAppender(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			require.NoError(t, app.Append(crawler.SiteCrawlResult{Status: crawler.StatusCompleted, Steps: i}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, app.Close())
	require.NoError(t, app.Close())
	require.Error(t, app.Append(crawler.SiteCrawlResult{}))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		var r crawler.SiteCrawlResult
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		require.Equal(t, crawler.StatusCompleted, r.Status)
		lines++
	}
	require.NoError(t, scanner.Err())
	require.Equal(t, 20, lines)
}
