package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/cdproto/performance"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// MetricsSample is one Performance.getMetrics snapshot. Target is set for
// tabs opened after the launch page.
type MetricsSample struct {
	At      time.Time          `json:"at"`
	Target  string             `json:"target,omitempty"`
	Metrics map[string]float64 `json:"metrics"`
}

// PerformanceRecord is the content of performance.json.
type PerformanceRecord struct {
	Status          crawler.Status  `json:"status,omitempty"`
	Success         bool            `json:"success"`
	StepsTaken      int             `json:"steps_taken"`
	DurationSeconds float64         `json:"duration"`
	StartTime       time.Time       `json:"start_time"`
	EndTime         time.Time       `json:"end_time"`
	InputTokens     int64           `json:"input_tokens"`
	FinalResult     string          `json:"final_result,omitempty"`
	Samples         []MetricsSample `json:"samples"`
}

// performanceSink samples browser metrics periodically and writes them with
// the agent's run statistics on close.
type performanceSink struct {
	path     string
	target   Target
	clock    crawler.Clock
	logger   *zap.Logger
	interval time.Duration

	stop    context.CancelFunc
	stopped chan struct{}

	mu       sync.Mutex
	file     *os.File
	opened   time.Time
	pages    []crawler.Page
	samples  []MetricsSample
	trace    *crawler.Trace
	status   crawler.Status
	closed   bool
	err      error
	stopOnce sync.Once
}

func openPerformance(ctx context.Context, path string, target Target, opts Options) (*performanceSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	if err := target.Run(ctx, performance.Enable()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("enable performance domain: %w", err)
	}
	sampleCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	p := &performanceSink{
		path:     path,
		target:   target,
		clock:    opts.Clock,
		logger:   opts.Logger.Named("performance"),
		interval: opts.PerformanceInterval,
		stop:     stop,
		stopped:  make(chan struct{}),
		file:     f,
		opened:   opts.Clock.Now(),
	}
	go p.loop(sampleCtx)
	return p, nil
}

func (p *performanceSink) Kind() crawler.CaptureKind { return crawler.CapturePerformance }
func (p *performanceSink) Path() string              { return p.path }

func (p *performanceSink) loop(ctx context.Context) {
	defer close(p.stopped)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.sample(ctx); err != nil && ctx.Err() == nil {
				p.logger.Debug("sample metrics", zap.Error(err))
			}
		}
	}
}

// AttachPage enables the performance domain on a tab opened later so it is sampled too.
func (p *performanceSink) AttachPage(ctx context.Context, page crawler.Page) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil
	}
	if err := page.Run(ctx, performance.Enable()); err != nil {
		return fmt.Errorf("enable performance domain on %s: %w", page.TargetID(), err)
	}
	p.mu.Lock()
	p.pages = append(p.pages, page)
	p.mu.Unlock()
	return nil
}

// sample snapshots the launch page, then every attached tab. A tab that no
// longer answers is skipped.
func (p *performanceSink) sample(ctx context.Context) error {
	if err := p.sampleTarget(ctx, p.target, ""); err != nil {
		return err
	}
	p.mu.Lock()
	pages := append([]crawler.Page(nil), p.pages...)
	p.mu.Unlock()
	for _, page := range pages {
		if err := p.sampleTarget(ctx, page, page.TargetID()); err != nil && ctx.Err() == nil {
			p.logger.Debug("sample tab metrics", zap.String("target_id", page.TargetID()), zap.Error(err))
		}
	}
	return nil
}

func (p *performanceSink) sampleTarget(ctx context.Context, target crawler.Page, id string) error {
	var metrics []*performance.Metric
	err := target.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		metrics, err = performance.GetMetrics().Do(ctx)
		return err
	}))
	if err != nil {
		return fmt.Errorf("get metrics: %w", err)
	}
	s := MetricsSample{At: p.clock.Now(), Target: id, Metrics: make(map[string]float64, len(metrics))}
	for _, m := range metrics {
		if m != nil {
			s.Metrics[m.Name] = m.Value
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.samples = append(p.samples, s)
	}
	return nil
}

// RecordTrace stores the agent outcome written alongside the samples.
func (p *performanceSink) RecordTrace(trace crawler.Trace, status crawler.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trace = &trace
	p.status = status
}

// Close takes a last sample while the browser is still up, then writes the record.
func (p *performanceSink) Close(ctx context.Context) (bool, error) {
	p.stopOnce.Do(func() {
		p.stop()
		<-p.stopped
		if err := p.sample(ctx); err != nil {
			p.logger.Debug("final metrics sample", zap.Error(err))
		}
		p.mu.Lock()
		pages := append([]crawler.Page{p.target}, p.pages...)
		p.mu.Unlock()
		for _, page := range pages {
			if err := page.Run(ctx, performance.Disable()); err != nil {
				p.logger.Debug("disable performance domain", zap.String("target_id", page.TargetID()), zap.Error(err))
			}
		}
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return true, p.err
	}
	p.closed = true

	rec := PerformanceRecord{
		Status:    p.status,
		StartTime: p.opened,
		EndTime:   p.clock.Now(),
		Samples:   p.samples,
	}
	if rec.Samples == nil {
		rec.Samples = []MetricsSample{}
	}
	if p.trace != nil {
		rec.Success = p.trace.Success
		rec.StepsTaken = p.trace.Steps
		rec.InputTokens = p.trace.InputTokens
		rec.FinalResult = p.trace.FinalResult
		rec.DurationSeconds = p.trace.Duration.Seconds()
		if !p.trace.StartedAt.IsZero() {
			rec.StartTime = p.trace.StartedAt
		}
		if !p.trace.FinishedAt.IsZero() {
			rec.EndTime = p.trace.FinishedAt
		}
	}
	if rec.DurationSeconds == 0 {
		rec.DurationSeconds = rec.EndTime.Sub(rec.StartTime).Seconds()
	}

	enc := json.NewEncoder(p.file)
	enc.SetIndent("", "    ")
	err := enc.Encode(rec)
	if err != nil {
		err = fmt.Errorf("encode performance record: %w", err)
	}
	if cerr := p.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close %s: %w", p.path, cerr)
	}
	p.err = err
	return true, err
}
