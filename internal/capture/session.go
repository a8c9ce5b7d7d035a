// Package capture records the telemetry of one site crawl: a screen recording,
// the agent conversation, a HAR network trace and browser performance metrics.
// Each enabled channel is a sink writing one artifact into the site directory.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/clock/system"
	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// Artifact file names, one per capture kind.
const (
	RecordingFile    = "recording.mjpeg"
	ConversationFile = "conversation.jsonl"
	NetworkFile      = "traffic.har"
	PerformanceFile  = "performance.json"
)

// FileName returns the artifact name a capture kind writes.
func FileName(kind crawler.CaptureKind) string {
	switch kind {
	case crawler.CaptureRecord:
		return RecordingFile
	case crawler.CaptureConversation:
		return ConversationFile
	case crawler.CaptureNetwork:
		return NetworkFile
	case crawler.CapturePerformance:
		return PerformanceFile
	default:
		return string(kind)
	}
}

// ContentType returns the MIME type of a capture kind's artifact.
func ContentType(kind crawler.CaptureKind) string {
	switch kind {
	case crawler.CaptureRecord:
		return "multipart/x-mixed-replace; boundary=" + frameBoundary
	case crawler.CaptureConversation:
		return "application/x-ndjson"
	default:
		return "application/json"
	}
}

// Target is the part of a browser session the sinks observe: the launch
// page, the agent steps and the tabs opened while the agent works.
type Target interface {
	crawler.Page
	OnStep(fn func(step crawler.AgentStep))
	OnNewPage(fn func(crawler.Page))
}

// Options tunes the sinks.
type Options struct {
	ScreencastQuality       int
	ScreencastEveryNthFrame int
	PerformanceInterval     time.Duration
	MaxPostDataBytes        int
	Clock                   crawler.Clock
	Logger                  *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.ScreencastQuality <= 0 || o.ScreencastQuality > 100 {
		o.ScreencastQuality = 60
	}
	if o.ScreencastEveryNthFrame <= 0 {
		o.ScreencastEveryNthFrame = 1
	}
	if o.PerformanceInterval <= 0 {
		o.PerformanceInterval = 5 * time.Second
	}
	if o.MaxPostDataBytes <= 0 {
		o.MaxPostDataBytes = 64 * 1024
	}
	if o.Clock == nil {
		o.Clock = system.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}

// sink is one telemetry channel. Close reports whether the artifact was kept.
type sink interface {
	Kind() crawler.CaptureKind
	Path() string
	Close(ctx context.Context) (bool, error)
}

type eventSink interface {
	HandleEvent(from crawler.Page, ev any)
}

// pageSink follows tabs opened after the session started.
type pageSink interface {
	AttachPage(ctx context.Context, p crawler.Page) error
}

type stepSink interface {
	HandleStep(step crawler.AgentStep)
}

// Session owns the open sinks of one task. It is not shared between tasks.
type Session struct {
	dir    string
	logger *zap.Logger

	// pageCtx bounds the setup of tabs opened later; Close cancels it.
	pageCtx    context.Context
	pageCancel context.CancelFunc

	mu     sync.RWMutex
	sinks  []sink
	pages  int
	closed bool
	perf   *performanceSink

	closeOnce sync.Once
	paths     map[crawler.CaptureKind]string
	closeErr  error
}

// Open starts one sink per enabled kind in canonical order. If a sink fails
// to start, the sinks already opened are closed and a *crawler.CaptureError
// naming the failing kind is returned.
func Open(ctx context.Context, dir string, set crawler.CaptureSet, target Target, opts Options) (*Session, error) {
	opts = opts.withDefaults()
	pageCtx, pageCancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		dir:        dir,
		logger:     opts.Logger.Named("capture"),
		pageCtx:    pageCtx,
		pageCancel: pageCancel,
		paths:      map[crawler.CaptureKind]string{},
	}
	kinds := set.Enabled()
	if len(kinds) == 0 {
		return s, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		pageCancel()
		return nil, &crawler.CaptureError{Kind: kinds[0], Err: fmt.Errorf("create dir %s: %w", dir, err)}
	}

	target.ListenEvents(func(ev any) { s.dispatchEvent(target, ev) })
	target.OnStep(s.dispatchStep)

	for _, kind := range kinds {
		path := filepath.Join(dir, FileName(kind))
		sk, err := openSink(ctx, kind, path, target, opts)
		if err != nil {
			if _, closeErr := s.Close(ctx); closeErr != nil {
				s.logger.Warn("close partial capture failed", zap.Error(closeErr))
			}
			return nil, &crawler.CaptureError{Kind: kind, Err: err}
		}
		s.mu.Lock()
		s.sinks = append(s.sinks, sk)
		if p, ok := sk.(*performanceSink); ok {
			s.perf = p
		}
		s.mu.Unlock()
		s.logger.Debug("sink opened", zap.String("kind", string(kind)), zap.String("path", path))
	}
	target.OnNewPage(s.attachPage)
	return s, nil
}

// attachPage routes the events of a tab opened later into the open sinks.
func (s *Session) attachPage(p crawler.Page) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.pages++
	sinks := s.sinks
	s.mu.Unlock()

	p.ListenEvents(func(ev any) { s.dispatchEvent(p, ev) })
	for _, sk := range sinks {
		ps, ok := sk.(pageSink)
		if !ok {
			continue
		}
		if err := ps.AttachPage(s.pageCtx, p); err != nil && s.pageCtx.Err() == nil {
			s.logger.Warn("follow new tab", zap.String("kind", string(sk.Kind())), zap.String("target_id", p.TargetID()), zap.Error(err))
		}
	}
	s.logger.Debug("tab attached", zap.String("target_id", p.TargetID()))
}

// Pages reports how many tabs besides the launch page the sinks follow.
func (s *Session) Pages() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pages
}

func openSink(ctx context.Context, kind crawler.CaptureKind, path string, target Target, opts Options) (sink, error) {
	switch kind {
	case crawler.CaptureRecord:
		return openRecorder(ctx, path, target, opts)
	case crawler.CaptureConversation:
		return openConversation(path, opts)
	case crawler.CaptureNetwork:
		return openNetwork(ctx, path, target, opts)
	case crawler.CapturePerformance:
		return openPerformance(ctx, path, target, opts)
	default:
		return nil, fmt.Errorf("unknown capture kind %q", kind)
	}
}

// RecordTrace hands the agent outcome to the performance sink, if any.
func (s *Session) RecordTrace(trace crawler.Trace, status crawler.Status) {
	s.mu.RLock()
	perf := s.perf
	s.mu.RUnlock()
	if perf != nil {
		perf.RecordTrace(trace, status)
	}
}

// Closed reports whether Close has run.
func (s *Session) Closed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// Close stops event delivery and closes every sink in reverse open order,
// even when some fail. It returns the artifacts that were kept. Calling it
// again returns the first call's result.
func (s *Session) Close(ctx context.Context) (map[crawler.CaptureKind]string, error) {
	s.closeOnce.Do(func() {
		s.pageCancel()
		s.mu.Lock()
		s.closed = true
		sinks := s.sinks
		s.mu.Unlock()

		var errs []error
		for i := len(sinks) - 1; i >= 0; i-- {
			sk := sinks[i]
			kept, err := sk.Close(ctx)
			if err != nil {
				errs = append(errs, fmt.Errorf("close %s sink: %w", sk.Kind(), err))
			}
			if kept {
				s.paths[sk.Kind()] = sk.Path()
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	out := make(map[crawler.CaptureKind]string, len(s.paths))
	for k, v := range s.paths {
		out[k] = v
	}
	return out, s.closeErr
}

func (s *Session) dispatchEvent(from crawler.Page, ev any) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, sk := range s.sinks {
		if es, ok := sk.(eventSink); ok {
			es.HandleEvent(from, ev)
		}
	}
}

func (s *Session) dispatchStep(step crawler.AgentStep) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	for _, sk := range s.sinks {
		if ss, ok := sk.(stepSink); ok {
			ss.HandleStep(step)
		}
	}
}
