// Package worker runs one site crawl task: it resolves the shopper profile,
// composes the agent instruction, opens a browser session with its capture
// sinks, runs the agent under a timeout and reports a single result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/capture"
	"github.com/JakeFAU/checkout-crawler/internal/clock/system"
	"github.com/JakeFAU/checkout-crawler/internal/crawler"
	"github.com/JakeFAU/checkout-crawler/internal/logging"
	"github.com/JakeFAU/checkout-crawler/internal/metrics"
	"github.com/JakeFAU/checkout-crawler/internal/preflight"
	"github.com/JakeFAU/checkout-crawler/internal/profile"
	"github.com/JakeFAU/checkout-crawler/internal/progress"
	"github.com/JakeFAU/checkout-crawler/internal/prompt"
	"github.com/JakeFAU/checkout-crawler/internal/telemetry"
)

const (
	defaultTeardownTimeout    = 30 * time.Second
	defaultPostProcessTimeout = 2 * time.Minute
)

// ProfileResolver returns the shopper identity a site is crawled with.
type ProfileResolver interface {
	Resolve(site crawler.SiteEntry) (profile.Shopper, error)
}

// Config controls Task behavior.
type Config struct {
	SystemPrompt string
	Capture      capture.Options
	// BlobPrefix is prepended to mirrored artifact object paths.
	BlobPrefix string
	// Topic receives one message per finished site when a publisher is set.
	Topic              string
	TeardownTimeout    time.Duration
	PostProcessTimeout time.Duration
}

// Deps are the collaborators of a Task. Engine and Profiles are required;
// the post-processing stores are optional.
type Deps struct {
	Engine    crawler.Engine
	Profiles  ProfileResolver
	Preflight crawler.Preflight
	Hasher    crawler.Hasher
	Blobs     crawler.BlobStore
	Results   crawler.ResultStore
	Publisher crawler.Publisher
	Progress  progress.Emitter
	Clock     crawler.Clock
}

// Task executes site crawls. It holds no per-site state, so one Task may
// serve several workers.
type Task struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New constructs a Task.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Task, error) {
	if deps.Engine == nil {
		return nil, errors.New("engine is required")
	}
	if deps.Profiles == nil {
		return nil, errors.New("profile resolver is required")
	}
	if deps.Preflight == nil {
		deps.Preflight = preflight.Disabled{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = defaultTeardownTimeout
	}
	if cfg.PostProcessTimeout <= 0 {
		cfg.PostProcessTimeout = defaultPostProcessTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{deps: deps, cfg: cfg, logger: logger.Named("worker")}, nil
}

// Execute crawls the site of item and returns its result. Every failure is
// converted into a status here; Execute never returns an error.
func (t *Task) Execute(ctx context.Context, item crawler.QueueItem, run crawler.RunConfiguration) crawler.SiteCrawlResult {
	site := item.Site
	logger := logging.ForSite(t.logger, run.RunID, site).With(zap.String("dir", item.Dir))
	runID, idErr := progress.ParseRunID(run.RunID)
	if idErr != nil {
		logger.Debug("progress events disabled for run", zap.Error(idErr))
	}

	ctx, span := telemetry.Tracer().Start(ctx, "site.crawl", trace.WithAttributes(
		attribute.String("site.url", site.URL),
		attribute.String("site.language", string(site.Language)),
		attribute.String("run.id", run.RunID),
	))
	defer span.End()

	start := t.deps.Clock.Now()
	result := crawler.SiteCrawlResult{Site: site, Dir: item.Dir, StartedAt: start}
	t.emit(runID, progress.Event{TS: start, Stage: progress.StageSiteStart, Site: site.URL, Language: site.Language})
	logger.Info("site crawl started")

	tr, err := t.crawl(ctx, item, run, runID, logger, &result)
	result.Status = crawler.Classify(err)
	if err != nil {
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, string(result.Status))
	}
	result.Steps = tr.Steps
	result.InputTokens = tr.InputTokens
	result.DurationMs = t.deps.Clock.Now().Sub(start).Milliseconds()
	span.SetAttributes(
		attribute.String("site.status", string(result.Status)),
		attribute.Int("agent.steps", tr.Steps),
	)
	metrics.ObserveAgent(tr.Steps, tr.InputTokens)

	t.postProcess(ctx, run, &result, logger)

	t.emit(runID, progress.Event{
		TS:          t.deps.Clock.Now(),
		Stage:       progress.StageSiteDone,
		Site:        site.URL,
		Language:    site.Language,
		Status:      result.Status,
		Steps:       result.Steps,
		InputTokens: result.InputTokens,
		Dur:         time.Duration(result.DurationMs) * time.Millisecond,
		Note:        result.Error,
	})
	fields := []zap.Field{
		zap.String("status", string(result.Status)),
		zap.Int("steps", result.Steps),
		zap.Int64("duration_ms", result.DurationMs),
		zap.Int("artifacts", len(result.ArtifactPaths)),
	}
	if result.Status.Failed() {
		logger.Warn("site crawl finished", append(fields, zap.String("error", result.Error))...)
	} else {
		logger.Info("site crawl finished", fields...)
	}
	return result
}

// crawl runs the task steps in order. The deferred teardown fills result.ArtifactPaths.
func (t *Task) crawl(
	ctx context.Context,
	item crawler.QueueItem,
	run crawler.RunConfiguration,
	runID [16]byte,
	logger *zap.Logger,
	result *crawler.SiteCrawlResult,
) (tr crawler.Trace, err error) {
	site := item.Site
	if site.Invalid != nil {
		return tr, site.Invalid
	}
	shopper, err := t.deps.Profiles.Resolve(site)
	if err != nil {
		return tr, err
	}
	instruction, err := prompt.NewComposer(t.cfg.SystemPrompt, run).Compose(site.URL, shopper)
	if err != nil {
		return tr, fmt.Errorf("compose instruction: %w", err)
	}

	target, err := crawler.NormalizeURL(site.URL)
	if err != nil {
		return tr, err
	}
	if err := t.deps.Preflight.Check(ctx, target); err != nil {
		return tr, fmt.Errorf("preflight: %w", err)
	}

	sess, err := t.deps.Engine.Open(ctx, site)
	if err != nil {
		if !errors.Is(err, crawler.ErrNavigation) {
			err = fmt.Errorf("%w: %w", crawler.ErrNavigation, err)
		}
		return tr, fmt.Errorf("open session: %w", err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			logger.Warn("browser session close failed", zap.Error(cerr))
		}
	}()

	opts := t.cfg.Capture
	opts.Clock = t.deps.Clock
	opts.Logger = logger
	capSess, err := capture.Open(ctx, filepath.Join(run.OutputPath, item.Dir), run.Capture, sess, opts)
	if err != nil {
		return tr, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.TeardownTimeout)
		defer cancel()
		capSess.RecordTrace(tr, crawler.Classify(err))
		paths, cerr := capSess.Close(closeCtx)
		result.ArtifactPaths = paths
		if cerr != nil {
			logger.Warn("capture teardown incomplete", zap.Error(cerr))
		}
		if n := capSess.Pages(); n > 0 {
			logger.Debug("captured extra tabs", zap.Int("tabs", n))
		}
	}()

	sess.OnStep(func(step crawler.AgentStep) {
		t.emit(runID, progress.Event{
			TS:          t.deps.Clock.Now(),
			Stage:       progress.StageSiteStep,
			Site:        site.URL,
			Language:    site.Language,
			Steps:       step.Number,
			InputTokens: step.Tokens,
		})
	})

	submitCtx := ctx
	if run.TaskTimeout > 0 {
		var cancel context.CancelFunc
		submitCtx, cancel = context.WithTimeout(ctx, run.TaskTimeout)
		defer cancel()
	}
	tr, err = sess.Submit(submitCtx, instruction.String())
	if err != nil {
		return tr, fmt.Errorf("agent run: %w", err)
	}
	return tr, nil
}

// postProcess digests, mirrors, stores and publishes a finished site.
// Failures are logged and counted; the status is never changed.
func (t *Task) postProcess(ctx context.Context, run crawler.RunConfiguration, result *crawler.SiteCrawlResult, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.PostProcessTimeout)
	defer cancel()

	for _, kind := range crawler.CaptureKinds {
		file, ok := result.ArtifactPaths[kind]
		if !ok {
			continue
		}
		if info, err := os.Stat(file); err == nil {
			metrics.ObserveArtifact(string(kind), info.Size())
		}
		if t.deps.Hasher != nil {
			digest, err := t.deps.Hasher.HashFile(file)
			if err != nil {
				metrics.ObservePostProcessError("digest")
				logger.Warn("artifact digest failed", zap.String("kind", string(kind)), zap.Error(err))
			} else {
				if result.ArtifactDigests == nil {
					result.ArtifactDigests = map[crawler.CaptureKind]string{}
				}
				result.ArtifactDigests[kind] = digest
			}
		}
		if t.deps.Blobs != nil {
			uri, err := t.mirror(ctx, run.RunID, result.Dir, kind, file)
			if err != nil {
				metrics.ObservePostProcessError("mirror")
				logger.Warn("artifact mirror failed", zap.String("kind", string(kind)), zap.Error(err))
				continue
			}
			if result.ArtifactURIs == nil {
				result.ArtifactURIs = map[crawler.CaptureKind]string{}
			}
			result.ArtifactURIs[kind] = uri
		}
	}

	if t.deps.Results != nil {
		if err := t.deps.Results.StoreResult(ctx, run.RunID, *result); err != nil {
			metrics.ObservePostProcessError("store")
			logger.Warn("store site result failed", zap.Error(err))
		}
	}
	if t.deps.Publisher != nil && t.cfg.Topic != "" {
		id, err := t.deps.Publisher.Publish(ctx, t.cfg.Topic, sitePayload(run.RunID, *result))
		if err != nil {
			metrics.ObservePostProcessError("publish")
			logger.Warn("publish site result failed", zap.Error(err))
		} else {
			logger.Debug("site result published", zap.String("message_id", id))
		}
	}
}

func (t *Task) mirror(ctx context.Context, runID, dir string, kind crawler.CaptureKind, file string) (string, error) {
	f, err := os.Open(file)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()
	uri, err := t.deps.Blobs.PutObject(ctx, t.objectPath(runID, dir, file), capture.ContentType(kind), f)
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return uri, nil
}

func (t *Task) objectPath(runID, dir, file string) string {
	parts := []string{runID, dir, filepath.Base(file)}
	if prefix := strings.Trim(t.cfg.BlobPrefix, "/"); prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return path.Join(parts...)
}

func (t *Task) emit(runID [16]byte, evt progress.Event) {
	if t.deps.Progress == nil || runID == [16]byte{} {
		return
	}
	evt.RunID = runID
	t.deps.Progress.Emit(evt)
}

// SitePayload is the message published for each finished site.
type SitePayload struct {
	RunID  string                  `json:"run_id"`
	Result crawler.SiteCrawlResult `json:"result"`
}

func sitePayload(runID string, result crawler.SiteCrawlResult) SitePayload {
	return SitePayload{RunID: runID, Result: result}
}
