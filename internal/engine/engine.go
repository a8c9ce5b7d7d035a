// Package engine joins a launched browser and the agent service into the
// crawler.Engine used by site tasks.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/browser"
	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// Browser is the part of a launched browser the engine needs.
type Browser interface {
	DebuggerURL() string
	TargetID() string
	ListenEvents(fn func(ev any))
	Run(ctx context.Context, actions ...crawler.Action) error
	OnNewPage(fn func(crawler.Page))
	Close() error
}

// LaunchFunc starts a fresh browser.
type LaunchFunc func(ctx context.Context) (Browser, error)

// Agent runs one instruction against the browser at cdpURL.
type Agent interface {
	Run(ctx context.Context, cdpURL, targetID, task string, onStep func(crawler.AgentStep)) (crawler.Trace, error)
}

// FromLauncher adapts a browser.Launcher to a LaunchFunc.
func FromLauncher(l *browser.Launcher) LaunchFunc {
	return func(ctx context.Context) (Browser, error) {
		b, err := l.Launch(ctx)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// Engine opens one browser plus agent session per site.
type Engine struct {
	launch LaunchFunc
	agent  Agent
	logger *zap.Logger
}

// New builds an engine.
func New(launch LaunchFunc, agent Agent, logger *zap.Logger) (*Engine, error) {
	if launch == nil {
		return nil, errors.New("launch func is required")
	}
	if agent == nil {
		return nil, errors.New("agent is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{launch: launch, agent: agent, logger: logger.Named("engine")}, nil
}

// Open launches an isolated browser for site. A browser that cannot start is a navigation error.
func (e *Engine) Open(ctx context.Context, site crawler.SiteEntry) (crawler.Session, error) {
	b, err := e.launch(ctx)
	if err != nil {
		return nil, fmt.Errorf("open browser for %s: %v: %w", site.URL, err, crawler.ErrNavigation)
	}
	e.logger.Debug("session opened", zap.String("site", site.URL), zap.String("debugger_url", b.DebuggerURL()))
	return &Session{browser: b, agent: e.agent}, nil
}

// Session is one browser with the agent attached on Submit.
type Session struct {
	browser Browser
	agent   Agent

	mu        sync.Mutex
	handlers  []func(crawler.AgentStep)
	submitted bool
}

// TargetID identifies the launch page.
func (s *Session) TargetID() string { return s.browser.TargetID() }

// ListenEvents forwards browser protocol events to fn.
func (s *Session) ListenEvents(fn func(ev any)) { s.browser.ListenEvents(fn) }

// OnNewPage forwards tabs the agent opens to fn.
func (s *Session) OnNewPage(fn func(crawler.Page)) { s.browser.OnNewPage(fn) }

// Run executes protocol actions on the session's page.
func (s *Session) Run(ctx context.Context, actions ...crawler.Action) error {
	return s.browser.Run(ctx, actions...)
}

// OnStep registers fn for agent steps. Handlers added after Submit are ignored.
func (s *Session) OnStep(fn func(crawler.AgentStep)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitted {
		return
	}
	s.handlers = append(s.handlers, fn)
}

// Submit runs instruction once.
func (s *Session) Submit(ctx context.Context, instruction string) (crawler.Trace, error) {
	s.mu.Lock()
	if s.submitted {
		s.mu.Unlock()
		return crawler.Trace{}, fmt.Errorf("session already submitted: %w", crawler.ErrAgent)
	}
	s.submitted = true
	handlers := s.handlers
	s.mu.Unlock()

	return s.agent.Run(ctx, s.browser.DebuggerURL(), s.browser.TargetID(), instruction, func(step crawler.AgentStep) {
		for _, h := range handlers {
			h(step)
		}
	})
}

// Close shuts the browser down.
func (s *Session) Close() error {
	return s.browser.Close()
}
