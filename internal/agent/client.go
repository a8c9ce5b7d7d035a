// Package agent is the client of the browser-agent service. The service runs
// the LLM-driven agent against a Chrome it attaches to over CDP and streams
// one JSON line per agent step, followed by a final done or error line.
package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/clock/system"
	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// RunsPath is the endpoint that starts an agent run.
const RunsPath = "/v1/runs"

// maxLineBytes bounds one NDJSON line; steps may carry page state.
const maxLineBytes = 4 << 20

// Error kinds reported by the service.
const (
	ErrorKindNavigation = "navigation"
	ErrorKindAgent      = "agent"
)

// Settings are passed through to the agent on every run.
type Settings struct {
	Model              string   `json:"model"`
	PlannerModel       string   `json:"planner_model,omitempty"`
	PlannerInterval    int      `json:"planner_interval,omitempty"`
	MaxSteps           int      `json:"max_steps"`
	MaxActionsPerStep  int      `json:"max_actions_per_step"`
	UseVision          bool     `json:"use_vision"`
	ExcludeActions     []string `json:"exclude_actions,omitempty"`
	MinPageLoadWaitSec float64  `json:"minimum_wait_page_load_time,omitempty"`
	HighlightElements  bool     `json:"highlight_elements"`
	UserAgent          string   `json:"user_agent,omitempty"`
}

// RunRequest is the body of POST /v1/runs.
type RunRequest struct {
	CDPURL   string   `json:"cdp_url"`
	TargetID string   `json:"target_id,omitempty"`
	Task     string   `json:"task"`
	Settings Settings `json:"settings"`
}

// Result is the payload of the final done line.
type Result struct {
	Steps           int     `json:"steps"`
	InputTokens     int64   `json:"input_tokens"`
	Success         bool    `json:"success"`
	FinalResult     string  `json:"final_result,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// RemoteError is the payload of an error line.
type RemoteError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("agent %s error: %s", e.Kind, e.Message)
}

// Unwrap maps the remote kind onto the crawler error taxonomy.
func (e *RemoteError) Unwrap() error {
	if e.Kind == ErrorKindNavigation {
		return crawler.ErrNavigation
	}
	return crawler.ErrAgent
}

type line struct {
	Type   string             `json:"type"`
	Step   *crawler.AgentStep `json:"step,omitempty"`
	Result *Result            `json:"result,omitempty"`
	Error  *RemoteError       `json:"error,omitempty"`
}

// Config configures the client.
type Config struct {
	Endpoint   string
	APIKey     string
	Settings   Settings
	HTTPClient *http.Client
	Clock      crawler.Clock
}

// Client talks to the agent service.
type Client struct {
	endpoint string
	apiKey   string
	settings Settings
	http     *http.Client
	clock    crawler.Clock
	logger   *zap.Logger
}

// NewClient validates cfg and returns a client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, fmt.Errorf("agent endpoint is required")
	}
	if cfg.HTTPClient == nil {
		// No client timeout: runs are bounded by the caller's context.
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint: endpoint,
		apiKey:   cfg.APIKey,
		settings: cfg.Settings,
		http:     cfg.HTTPClient,
		clock:    cfg.Clock,
		logger:   logger.Named("agent"),
	}, nil
}

// Run starts an agent on the browser at cdpURL and blocks until the agent
// finishes, fails or ctx ends. onStep is called for every step in order.
func (c *Client) Run(ctx context.Context, cdpURL, targetID, task string, onStep func(crawler.AgentStep)) (crawler.Trace, error) {
	trace := crawler.Trace{StartedAt: c.clock.Now()}
	finish := func(err error) (crawler.Trace, error) {
		trace.FinishedAt = c.clock.Now()
		if trace.Duration == 0 {
			trace.Duration = trace.FinishedAt.Sub(trace.StartedAt)
		}
		return trace, err
	}

	payload, err := json.Marshal(RunRequest{CDPURL: cdpURL, TargetID: targetID, Task: task, Settings: c.settings})
	if err != nil {
		return finish(fmt.Errorf("marshal run request: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+RunsPath, bytes.NewReader(payload))
	if err != nil {
		return finish(fmt.Errorf("build run request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/x-ndjson")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return finish(c.transportError(ctx, "post run", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return finish(fmt.Errorf("agent service returned %d: %s: %w", resp.StatusCode, strings.TrimSpace(string(msg)), crawler.ErrAgent))
	}

	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var ln line
		if err := json.Unmarshal(raw, &ln); err != nil {
			return finish(fmt.Errorf("decode agent line: %v: %w", err, crawler.ErrAgent))
		}
		switch ln.Type {
		case "step":
			if ln.Step == nil {
				continue
			}
			trace.Steps++
			trace.InputTokens += ln.Step.Tokens
			if ln.Step.Number == 0 {
				ln.Step.Number = trace.Steps
			}
			if ln.Step.At.IsZero() {
				ln.Step.At = c.clock.Now()
			}
			if onStep != nil {
				onStep(*ln.Step)
			}
		case "done":
			if ln.Result != nil {
				trace.Success = ln.Result.Success
				trace.FinalResult = ln.Result.FinalResult
				if ln.Result.Steps > 0 {
					trace.Steps = ln.Result.Steps
				}
				if ln.Result.InputTokens > 0 {
					trace.InputTokens = ln.Result.InputTokens
				}
				trace.Duration = time.Duration(ln.Result.DurationSeconds * float64(time.Second))
			}
			return finish(nil)
		case "error":
			if ln.Error == nil {
				ln.Error = &RemoteError{Kind: ErrorKindAgent, Message: "unspecified"}
			}
			return finish(ln.Error)
		default:
			c.logger.Debug("ignore agent line", zap.String("type", ln.Type))
		}
	}
	if err := sc.Err(); err != nil {
		return finish(c.transportError(ctx, "read agent stream", err))
	}
	if ctx.Err() != nil {
		return finish(fmt.Errorf("agent stream: %w", ctx.Err()))
	}
	return finish(fmt.Errorf("agent stream ended before completion: %w", crawler.ErrAgent))
}

// transportError keeps ctx errors visible to errors.Is so a deadline classifies as a timeout.
func (c *Client) transportError(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %v: %w", op, err, crawler.ErrAgent)
}
