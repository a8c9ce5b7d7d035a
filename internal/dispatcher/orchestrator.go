// Package dispatcher runs a site list through a bounded pool of site crawl
// tasks and writes the run report.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/checkout-crawler/internal/clock/system"
	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/progress"
	"github.com/JakeFAU/checkout-crawler/internal/queue/memory"
	"github.com/JakeFAU/checkout-crawler/internal/report"
)

// ErrInterruptedBeforeDispatch is the error text of sites a canceled run never started.
var ErrInterruptedBeforeDispatch = errors.New("run interrupted before dispatch")

const maxDirSuffix = 1000

// Executor runs one site crawl. worker.Task satisfies it.
type Executor interface {
	Execute(ctx context.Context, item crawler.QueueItem, run crawler.RunConfiguration) crawler.SiteCrawlResult
}

// Config controls the Orchestrator.
type Config struct {
	// Concurrency is the number of tasks run at once; values below 1 mean 1.
	Concurrency int
}

// Orchestrator owns the run loop. One Orchestrator runs one site list at a time.
type Orchestrator struct {
	exec     Executor
	progress progress.Emitter
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger

	runMu sync.Mutex

	mu    sync.RWMutex
	state Snapshot
}

// Snapshot is the live view of the current or last run.
type Snapshot struct {
	RunID     string                 `json:"run_id"`
	StartedAt time.Time              `json:"started_at"`
	Total     int                    `json:"total"`
	Finished  int                    `json:"finished"`
	Running   bool                   `json:"running"`
	Counts    map[crawler.Status]int `json:"counts"`
	// Results holds finished sites in completion order.
	Results []crawler.SiteCrawlResult `json:"results"`
}

// New constructs an Orchestrator.
func New(exec Executor, emitter progress.Emitter, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if exec == nil {
		return nil, errors.New("executor is required")
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		exec:     exec,
		progress: emitter,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("dispatcher"),
	}, nil
}

// Snapshot returns a copy of the live run state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := o.state
	out.Counts = make(map[crawler.Status]int, len(o.state.Counts))
	for k, v := range o.state.Counts {
		out.Counts[k] = v
	}
	out.Results = append([]crawler.SiteCrawlResult(nil), o.state.Results...)
	return out
}

// Run crawls every site and returns exactly one result per site, in input
// order. A failing or panicking site never stops the run. When ctx is
// canceled, running tasks are canceled, sites not yet started are reported
// as agentError and the report is still written. The returned error covers
// invalid configuration and report I/O only.
func (o *Orchestrator) Run(ctx context.Context, run crawler.RunConfiguration, sites []crawler.SiteEntry) (report.Summary, error) {
	if err := run.Validate(); err != nil {
		return report.Summary{}, err
	}
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if err := os.MkdirAll(run.OutputPath, 0o755); err != nil {
		return report.Summary{}, fmt.Errorf("create output path: %w", err)
	}
	appender, err := report.OpenAppender(report.LogPath(run.OutputPath, run.RunID))
	if err != nil {
		return report.Summary{}, err
	}

	logger := o.logger.With(zap.String("run_id", run.RunID))
	runID, idErr := progress.ParseRunID(run.RunID)
	if idErr != nil {
		logger.Debug("progress events disabled for run", zap.Error(idErr))
	}

	summary := report.Summary{
		RunID:         run.RunID,
		StartedAt:     o.clock.Now(),
		Configuration: run,
		Results:       make([]crawler.SiteCrawlResult, len(sites)),
	}
	filled := make([]bool, len(sites))
	o.reset(run.RunID, summary.StartedAt, len(sites))
	o.emit(runID, progress.Event{TS: summary.StartedAt, Stage: progress.StageRunStart})
	logger.Info("run started",
		zap.Int("sites", len(sites)),
		zap.Int("concurrency", o.cfg.Concurrency),
		zap.String("consent", string(run.ConsentMode)),
		zap.String("checkout_variant", string(run.CheckoutVariant)),
	)

	var slotMu sync.Mutex
	record := func(idx int, res crawler.SiteCrawlResult) {
		slotMu.Lock()
		summary.Results[idx] = res
		filled[idx] = true
		slotMu.Unlock()
		o.finished(res)
		if err := appender.Append(res); err != nil {
			logger.Error("append site result failed", zap.Error(err))
		}
	}

	q := memory.NewQueue(o.cfg.Concurrency)
	var g errgroup.Group
	g.Go(func() error {
		defer q.Close()
		for i, site := range sites {
			if ctx.Err() != nil {
				return nil
			}
			item := crawler.QueueItem{Index: i, Site: site}
			if site.Invalid == nil {
				dir, err := allocateDir(run.OutputPath, crawler.SiteIdentifier(site.URL))
				if err != nil {
					record(i, crawler.SiteCrawlResult{
						Site:      site,
						Status:    crawler.StatusCaptureError,
						StartedAt: o.clock.Now(),
						Error:     fmt.Errorf("%w: %w", crawler.ErrCapture, err).Error(),
					})
					continue
				}
				item.Dir = dir
			}
			if err := q.Enqueue(ctx, item); err != nil {
				return nil
			}
		}
		return nil
	})
	for w := 0; w < o.cfg.Concurrency; w++ {
		g.Go(func() error {
			for {
				item, err := q.Dequeue(ctx)
				if err != nil || ctx.Err() != nil {
					return nil
				}
				record(item.Index, o.execute(ctx, item, run, logger))
			}
		})
	}
	_ = g.Wait()

	summary.Interrupted = ctx.Err() != nil
	for i, ok := range filled {
		if ok {
			continue
		}
		record(i, crawler.SiteCrawlResult{
			Site:      sites[i],
			Status:    crawler.StatusAgentError,
			StartedAt: o.clock.Now(),
			Error:     ErrInterruptedBeforeDispatch.Error(),
		})
	}
	summary.FinishedAt = o.clock.Now()
	summary.Count()

	errs := []error{appender.Close()}
	if err := report.WriteSummary(report.SummaryPath(run.OutputPath, run.RunID), summary); err != nil {
		errs = append(errs, err)
	}
	if wrote, err := report.WriteFailed(report.FailedPath(run.OutputPath, run.RunID), summary); err != nil {
		errs = append(errs, err)
	} else if wrote {
		logger.Info("failed sites written", zap.String("path", report.FailedPath(run.OutputPath, run.RunID)))
	}

	o.mu.Lock()
	o.state.Running = false
	o.mu.Unlock()

	done := progress.Event{
		TS:    summary.FinishedAt,
		Stage: progress.StageRunDone,
		Dur:   summary.FinishedAt.Sub(summary.StartedAt),
	}
	if summary.Interrupted {
		done.Note = "interrupted"
	}
	o.emit(runID, done)
	logger.Info("run finished",
		zap.Bool("interrupted", summary.Interrupted),
		zap.Int("completed", summary.Counts[crawler.StatusCompleted]),
		zap.Int("failed", len(sites)-summary.Counts[crawler.StatusCompleted]),
		zap.Duration("dur", done.Dur),
	)
	return summary, errors.Join(errs...)
}

// execute runs one task, converting a panic into a result.
func (o *Orchestrator) execute(
	ctx context.Context,
	item crawler.QueueItem,
	run crawler.RunConfiguration,
	logger *zap.Logger,
) (res crawler.SiteCrawlResult) {
	started := o.clock.Now()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		err, ok := r.(error)
		if !ok {
			err = fmt.Errorf("%v", r)
		}
		status := crawler.StatusAgentError
		if errors.Is(err, crawler.ErrNavigation) {
			status = crawler.StatusNavigationError
		}
		logger.Error("site task panicked",
			zap.String("site", item.Site.URL),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		res = crawler.SiteCrawlResult{
			Site:       item.Site,
			Dir:        item.Dir,
			Status:     status,
			StartedAt:  started,
			DurationMs: o.clock.Now().Sub(started).Milliseconds(),
			Error:      fmt.Sprintf("task panicked: %v", err),
		}
		runID, _ := progress.ParseRunID(run.RunID)
		o.emit(runID, progress.Event{
			TS:       o.clock.Now(),
			Stage:    progress.StageSiteDone,
			Site:     item.Site.URL,
			Language: item.Site.Language,
			Status:   status,
			Note:     res.Error,
		})
	}()
	return o.exec.Execute(ctx, item, run)
}

func (o *Orchestrator) reset(runID string, started time.Time, total int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state = Snapshot{
		RunID:     runID,
		StartedAt: started,
		Total:     total,
		Running:   true,
		Counts:    map[crawler.Status]int{},
	}
}

func (o *Orchestrator) finished(res crawler.SiteCrawlResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.state.Finished++
	o.state.Counts[res.Status]++
	o.state.Results = append(o.state.Results, res)
}

func (o *Orchestrator) emit(runID [16]byte, evt progress.Event) {
	if o.progress == nil || runID == [16]byte{} {
		return
	}
	evt.RunID = runID
	o.progress.Emit(evt)
}

// allocateDir creates outputPath/id, or id-2, id-3 ... when it already exists.
func allocateDir(outputPath, id string) (string, error) {
	name := id
	for n := 2; ; n++ {
		err := os.Mkdir(filepath.Join(outputPath, name), 0o755)
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("create site dir %s: %w", name, err)
		}
		if n > maxDirSuffix {
			return "", fmt.Errorf("no free site dir for %s", id)
		}
		name = fmt.Sprintf("%s-%d", id, n)
	}
}
