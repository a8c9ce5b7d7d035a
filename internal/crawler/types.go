// Package crawler defines core types shared across subsystems.
package crawler

import (
	"fmt"
	"strings"
	"time"
)

// Language is the language profile a site is crawled with.
type Language string

// Supported language profiles.
const (
	LanguageDutch   Language = "dutch"
	LanguageGerman  Language = "german"
	LanguageFrench  Language = "french"
	LanguageSpanish Language = "spanish"
	LanguageItalian Language = "italian"
	LanguageSwedish Language = "swedish"
)

// Languages lists every supported language in a stable order.
var Languages = []Language{
	LanguageDutch,
	LanguageGerman,
	LanguageFrench,
	LanguageSpanish,
	LanguageItalian,
	LanguageSwedish,
}

// Valid reports whether l is one of the supported codes.
func (l Language) Valid() bool {
	for _, known := range Languages {
		if l == known {
			return true
		}
	}
	return false
}

// Title returns the capitalized language name ("French").
func (l Language) Title() string {
	if l == "" {
		return ""
	}
	s := string(l)
	return strings.ToUpper(s[:1]) + s[1:]
}

// ParseLanguage validates a language code. Codes are lowercase; only
// surrounding whitespace is dropped, so "French" is rejected.
func ParseLanguage(raw string) (Language, error) {
	lang := Language(strings.TrimSpace(raw))
	if !lang.Valid() {
		return "", fmt.Errorf("unsupported language %q: %w", raw, ErrConfig)
	}
	return lang, nil
}

// ConsentMode selects how the agent handles cookie banners.
type ConsentMode string

// Consent modes.
const (
	ConsentAccept  ConsentMode = "accept"
	ConsentDecline ConsentMode = "decline"
)

// Valid reports whether m is a known consent mode.
func (m ConsentMode) Valid() bool {
	return m == ConsentAccept || m == ConsentDecline
}

// CheckoutVariant selects the family of checkout instructions for a run.
type CheckoutVariant string

// Checkout variants.
const (
	CheckoutGeneric          CheckoutVariant = "generic"
	CheckoutPlatformSpecific CheckoutVariant = "platformSpecific"
)

// Valid reports whether v is a known checkout variant.
func (v CheckoutVariant) Valid() bool {
	return v == CheckoutGeneric || v == CheckoutPlatformSpecific
}

// CaptureKind names one telemetry channel.
type CaptureKind string

// Capture kinds.
const (
	CaptureRecord       CaptureKind = "record"
	CaptureConversation CaptureKind = "conversation"
	CaptureNetwork      CaptureKind = "network"
	CapturePerformance  CaptureKind = "performance"
)

// CaptureKinds lists every capture kind in the order sinks are opened.
var CaptureKinds = []CaptureKind{
	CaptureRecord,
	CaptureConversation,
	CaptureNetwork,
	CapturePerformance,
}

// CaptureSet is the set of enabled capture kinds.
type CaptureSet map[CaptureKind]bool

// NewCaptureSet builds a set from the given kinds.
func NewCaptureSet(kinds ...CaptureKind) CaptureSet {
	set := make(CaptureSet, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	return set
}

// AllCaptures enables every capture kind.
func AllCaptures() CaptureSet {
	return NewCaptureSet(CaptureKinds...)
}

// Has reports whether kind is enabled.
func (s CaptureSet) Has(kind CaptureKind) bool {
	return s[kind]
}

// Enabled returns the enabled kinds in canonical order.
func (s CaptureSet) Enabled() []CaptureKind {
	out := make([]CaptureKind, 0, len(s))
	for _, k := range CaptureKinds {
		if s[k] {
			out = append(out, k)
		}
	}
	return out
}

// Status is the final classification of one site crawl.
type Status string

// Site crawl statuses.
const (
	StatusCompleted       Status = "completed"
	StatusTimedOut        Status = "timedOut"
	StatusAgentError      Status = "agentError"
	StatusNavigationError Status = "navigationError"
	StatusConfigError     Status = "configError"
	StatusCaptureError    Status = "captureError"
)

// Statuses lists every status in report order.
var Statuses = []Status{
	StatusCompleted,
	StatusTimedOut,
	StatusAgentError,
	StatusNavigationError,
	StatusConfigError,
	StatusCaptureError,
}

// Failed reports whether the status should be part of a re-run.
func (s Status) Failed() bool {
	return s != StatusCompleted
}

// SiteEntry is one row of the site list.
type SiteEntry struct {
	URL      string   `json:"url"`
	Language Language `json:"language"`
	// Row is the 1-based row in the source list; zero when the site came from the command line.
	Row int `json:"row,omitempty"`
	// Invalid carries a ConfigError detected while loading the row.
	Invalid error `json:"-"`
}

// RunConfiguration is immutable for the duration of a run.
type RunConfiguration struct {
	RunID           string          `json:"run_id"`
	OutputPath      string          `json:"output_path"`
	ConsentMode     ConsentMode     `json:"consent_mode"`
	Capture         CaptureSet      `json:"capture"`
	CheckoutVariant CheckoutVariant `json:"checkout_variant"`
	TaskTimeout     time.Duration   `json:"task_timeout"`
}

// Validate checks that every enum in the run configuration is known.
func (c RunConfiguration) Validate() error {
	if strings.TrimSpace(c.OutputPath) == "" {
		return fmt.Errorf("output path is required: %w", ErrConfig)
	}
	if !c.ConsentMode.Valid() {
		return fmt.Errorf("unknown consent mode %q: %w", c.ConsentMode, ErrConfig)
	}
	if !c.CheckoutVariant.Valid() {
		return fmt.Errorf("unknown checkout variant %q: %w", c.CheckoutVariant, ErrConfig)
	}
	for kind := range c.Capture {
		switch kind {
		case CaptureRecord, CaptureConversation, CaptureNetwork, CapturePerformance:
		default:
			return fmt.Errorf("unknown capture kind %q: %w", kind, ErrConfig)
		}
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task timeout must be > 0: %w", ErrConfig)
	}
	return nil
}

// SiteCrawlResult is created once per task and never mutated after it is reported.
type SiteCrawlResult struct {
	Site            SiteEntry              `json:"site"`
	Status          Status                 `json:"status"`
	Dir             string                 `json:"dir,omitempty"`
	ArtifactPaths   map[CaptureKind]string `json:"artifact_paths,omitempty"`
	ArtifactURIs    map[CaptureKind]string `json:"artifact_uris,omitempty"`
	ArtifactDigests map[CaptureKind]string `json:"artifact_digests,omitempty"`
	StartedAt       time.Time              `json:"started_at"`
	DurationMs      int64                  `json:"duration_ms"`
	Steps           int                    `json:"steps,omitempty"`
	InputTokens     int64                  `json:"input_tokens,omitempty"`
	Error           string                 `json:"error,omitempty"`
}

// AgentStep is one model turn reported by the agent engine.
type AgentStep struct {
	Number     int            `json:"number"`
	Evaluation string         `json:"evaluation_previous_goal,omitempty"`
	Memory     string         `json:"memory,omitempty"`
	NextGoal   string         `json:"next_goal,omitempty"`
	Actions    []AgentAction  `json:"actions,omitempty"`
	URL        string         `json:"url,omitempty"`
	Tokens     int64          `json:"input_tokens,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
	At         time.Time      `json:"at"`
}

// AgentAction is one browser action chosen by the model in a step.
type AgentAction struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

// Trace summarizes one agent run.
type Trace struct {
	Steps       int           `json:"steps"`
	InputTokens int64         `json:"input_tokens"`
	Success     bool          `json:"success"`
	FinalResult string        `json:"final_result,omitempty"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"started_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}

// QueueItem wraps a site ready to run together with its input position.
type QueueItem struct {
	Index int
	Site  SiteEntry
	Dir   string
}
