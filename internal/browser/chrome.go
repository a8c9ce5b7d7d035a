// Package browser launches one isolated Chrome per site task via chromedp and
// exposes its remote-debugging endpoint so an agent can drive the same page
// the capture sinks observe.
package browser

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// Config controls the Chrome instances the launcher starts.
type Config struct {
	Headless        bool
	UserAgent       string
	ViewportWidth   int
	ViewportHeight  int
	DisableSecurity bool
	ExecPath        string
	LaunchTimeout   time.Duration
	// MaxParallel caps concurrently running browsers; zero means unlimited.
	MaxParallel int
}

// Launcher starts browsers. Every Launch gets its own Chrome process and profile.
type Launcher struct {
	cfg     Config
	logger  *zap.Logger
	limiter chan struct{}
	// start runs the first actions of a tab. Its context becomes the lifetime of
	// the Chrome process, so it must be the long-lived tab context.
	start func(ctx context.Context, actions ...chromedp.Action) error
}

// NewLauncher validates cfg and builds a launcher.
func NewLauncher(cfg Config, logger *zap.Logger) (*Launcher, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.ViewportWidth < 0 || cfg.ViewportHeight < 0 {
		return nil, fmt.Errorf("viewport must be positive")
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Launcher{cfg: cfg, logger: logger.Named("browser"), limiter: limiter, start: chromedp.Run}, nil
}

// allocatorOptions builds the exec allocator flags for a debugging port.
func (l *Launcher) allocatorOptions(port int) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:0:0], chromedp.DefaultExecAllocatorOptions[:]...)
	if l.cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false), chromedp.Flag("hide-scrollbars", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("remote-debugging-port", strconv.Itoa(port)),
		chromedp.Flag("remote-debugging-address", "127.0.0.1"),
	)
	if l.cfg.ViewportWidth > 0 && l.cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(l.cfg.ViewportWidth, l.cfg.ViewportHeight))
	}
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	if l.cfg.DisableSecurity {
		opts = append(opts,
			chromedp.Flag("disable-web-security", true),
			chromedp.Flag("disable-site-isolation-trials", true),
			chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		)
	}
	if l.cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(l.cfg.ExecPath))
	}
	return opts
}

// Launch starts Chrome and opens a blank page. The returned Browser must be closed.
func (l *Launcher) Launch(ctx context.Context) (*Browser, error) {
	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	port, err := freePort()
	if err != nil {
		l.release()
		return nil, fmt.Errorf("pick debugging port: %w", err)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions(port)...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		l.logger.Debug(fmt.Sprintf(format, args...))
	}))
	b := &Browser{
		ctx:           tabCtx,
		tabCancel:     tabCancel,
		allocCancel:   allocCancel,
		release:       l.release,
		debuggerURL:   fmt.Sprintf("http://127.0.0.1:%d", port),
		logger:        l.logger,
		start:         l.start,
		attachTimeout: l.cfg.LaunchTimeout,
	}

	// chromedp binds the process to the context of the first Run, so the
	// launch deadline and ctx close the browser instead of bounding that call.
	timer := time.AfterFunc(l.cfg.LaunchTimeout, func() { _ = b.Close() })
	stopAfter := context.AfterFunc(ctx, func() { _ = b.Close() })
	err = l.start(tabCtx, l.setupAction(), chromedp.Navigate("about:blank"))
	timedOut := !timer.Stop()
	canceled := !stopAfter()
	switch {
	case canceled:
		_ = b.Close()
		return nil, fmt.Errorf("start chrome: %w", ctx.Err())
	case timedOut:
		_ = b.Close()
		return nil, fmt.Errorf("start chrome: no page after %s: %w", l.cfg.LaunchTimeout, context.DeadlineExceeded)
	case err != nil:
		_ = b.Close()
		return nil, fmt.Errorf("start chrome: %w", err)
	}
	if c := chromedp.FromContext(tabCtx); c != nil && c.Target != nil {
		b.targetID = string(c.Target.TargetID)
	}
	l.logger.Debug("chrome started", zap.String("debugger_url", b.debuggerURL), zap.String("target_id", b.targetID))
	return b, nil
}

func (l *Launcher) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if l.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(l.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (l *Launcher) acquire(ctx context.Context) error {
	if l.limiter == nil {
		return nil
	}
	select {
	case l.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (l *Launcher) release() {
	if l.limiter == nil {
		return
	}
	select {
	case <-l.limiter:
	default:
	}
}

// Browser is one running Chrome. Run and ListenEvents address the launch
// page; tabs opened later are reported through OnNewPage.
type Browser struct {
	ctx           context.Context
	tabCancel     context.CancelFunc
	allocCancel   context.CancelFunc
	release       func()
	debuggerURL   string
	targetID      string
	logger        *zap.Logger
	start         func(ctx context.Context, actions ...chromedp.Action) error
	attachTimeout time.Duration

	pagesMu sync.Mutex
	seen    map[target.ID]bool
	pages   []*Page

	closeOnce sync.Once
}

// DebuggerURL is the HTTP endpoint of Chrome's remote debugging protocol.
func (b *Browser) DebuggerURL() string { return b.debuggerURL }

// TargetID identifies the page the browser was opened with.
func (b *Browser) TargetID() string { return b.targetID }

// ListenEvents registers fn for every protocol event on the page target.
func (b *Browser) ListenEvents(fn func(ev any)) {
	chromedp.ListenTarget(b.ctx, fn)
}

// Run executes actions on the page. Canceling ctx aborts the actions without closing the tab.
func (b *Browser) Run(ctx context.Context, actions ...crawler.Action) error {
	return runOn(b.ctx, ctx, actions)
}

// runOn executes actions on the tab of tabCtx for as long as ctx allows.
func runOn(tabCtx, ctx context.Context, actions []crawler.Action) error {
	runCtx, cancel := context.WithCancel(tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	converted := make([]chromedp.Action, len(actions))
	for i, a := range actions {
		converted[i] = a
	}
	if err := chromedp.Run(runCtx, converted...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("chromedp run: %w", ctxErr)
		}
		return fmt.Errorf("chromedp run: %w", err)
	}
	return nil
}

// Close closes the tabs, kills Chrome and frees the launcher slot.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		b.pagesMu.Lock()
		pages := b.pages
		b.pages = nil
		b.pagesMu.Unlock()
		for _, p := range pages {
			p.cancel()
		}
		b.tabCancel()
		b.allocCancel()
		if b.release != nil {
			b.release()
		}
	})
	return nil
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
