// Package sitelist reads and writes the website;language CSV lists a run is fed with.
package sitelist

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// Column names of the site list header.
const (
	ColumnWebsite  = "website"
	ColumnLanguage = "language"
)

// Load reads a site list from disk. See Parse.
func Load(path string) ([]crawler.SiteEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open site list: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a header row followed by one site per row. Fields are separated
// by ';' unless the header has no ';' and does have ','. A row with a missing
// field or an unsupported language is kept with Invalid set to a ConfigError
// so the run can report it without dropping the rest of the list.
func Parse(r io.Reader) ([]crawler.SiteEntry, error) {
	br := bufio.NewReader(r)
	head, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("read site list: %w", err)
	}

	reader := csv.NewReader(br)
	reader.Comma = detectDelimiter(head)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse site list: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("site list is empty: %w", crawler.ErrConfig)
	}

	websiteIdx, languageIdx := -1, -1
	for i, col := range records[0] {
		switch strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff"))) {
		case ColumnWebsite:
			websiteIdx = i
		case ColumnLanguage:
			languageIdx = i
		}
	}
	if websiteIdx < 0 || languageIdx < 0 {
		return nil, fmt.Errorf("site list header must contain %q and %q: %w", ColumnWebsite, ColumnLanguage, crawler.ErrConfig)
	}

	entries := make([]crawler.SiteEntry, 0, len(records)-1)
	for i, rec := range records[1:] {
		if isBlank(rec) {
			continue
		}
		entries = append(entries, parseRow(i+2, field(rec, websiteIdx), field(rec, languageIdx)))
	}
	return entries, nil
}

// Entry builds a single validated entry, as used for a site given on the command line.
func Entry(website, language string) (crawler.SiteEntry, error) {
	entry := parseRow(0, website, language)
	if entry.Invalid != nil {
		return entry, entry.Invalid
	}
	return entry, nil
}

func parseRow(row int, website, language string) crawler.SiteEntry {
	entry := crawler.SiteEntry{URL: strings.TrimSpace(website), Language: crawler.Language(strings.TrimSpace(language)), Row: row}
	if entry.URL == "" {
		entry.Invalid = &crawler.ConfigError{Row: row, Field: ColumnWebsite, Err: errors.New("missing website")}
		return entry
	}
	if _, err := crawler.NormalizeURL(entry.URL); err != nil {
		entry.Invalid = &crawler.ConfigError{Row: row, Field: ColumnWebsite, Err: err}
		return entry
	}
	if entry.Language == "" {
		entry.Invalid = &crawler.ConfigError{Row: row, Field: ColumnLanguage, Err: errors.New("missing language")}
		return entry
	}
	lang, err := crawler.ParseLanguage(string(entry.Language))
	if err != nil {
		entry.Invalid = &crawler.ConfigError{Row: row, Field: ColumnLanguage, Err: fmt.Errorf("unsupported language %q", entry.Language)}
		return entry
	}
	entry.Language = lang
	return entry
}

// Write emits entries in the same format Parse reads, so a failed subset can be fed back in.
func Write(w io.Writer, entries []crawler.SiteEntry) error {
	cw := csv.NewWriter(w)
	cw.Comma = ';'
	if err := cw.Write([]string{ColumnWebsite, ColumnLanguage}); err != nil {
		return fmt.Errorf("write site list header: %w", err)
	}
	for _, e := range entries {
		if err := cw.Write([]string{e.URL, string(e.Language)}); err != nil {
			return fmt.Errorf("write site list row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func detectDelimiter(head []byte) rune {
	line := string(head)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	if !strings.Contains(line, ";") && strings.Contains(line, ",") {
		return ','
	}
	return ';'
}

func field(rec []string, idx int) string {
	if idx < len(rec) {
		return rec[idx]
	}
	return ""
}

func isBlank(rec []string) bool {
	for _, f := range rec {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
