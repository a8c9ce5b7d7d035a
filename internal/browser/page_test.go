package browser

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

func stubBrowser(t *testing.T, start func(context.Context, ...chromedp.Action) error) *Browser {
	t.Helper()
	ctx, cancel := chromedp.NewContext(context.Background())
	b := &Browser{
		ctx:           ctx,
		tabCancel:     cancel,
		allocCancel:   func() {},
		targetID:      "launch-page",
		logger:        zap.NewNop(),
		start:         start,
		attachTimeout: time.Second,
	}
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func created(id, kind string) *target.EventTargetCreated {
	return &target.EventTargetCreated{TargetInfo: &target.Info{TargetID: target.ID(id), Type: kind}}
}

func TestNewPageTargetFiltersEvents(t *testing.T) {
	t.Parallel()

	b := stubBrowser(t, nil)

	_, ok := b.newPageTarget(created("launch-page", "page"))
	require.False(t, ok)
	_, ok = b.newPageTarget(created("sw-1", "service_worker"))
	require.False(t, ok)
	_, ok = b.newPageTarget(&target.EventTargetInfoChanged{TargetInfo: &target.Info{TargetID: "tab-2", Type: "page"}})
	require.False(t, ok)

	id, ok := b.newPageTarget(created("tab-2", "page"))
	require.True(t, ok)
	require.Equal(t, target.ID("tab-2"), id)
	_, ok = b.newPageTarget(created("tab-2", "page"))
	require.False(t, ok)
}

func TestAttachPageUsesItsOwnTabContext(t *testing.T) {
	t.Parallel()

	var startCtx context.Context
	b := stubBrowser(t, func(ctx context.Context, _ ...chromedp.Action) error {
		startCtx = ctx
		return nil
	})

	p, err := b.attachPage("tab-2")
	require.NoError(t, err)
	require.Equal(t, "tab-2", p.TargetID())
	require.Same(t, p.ctx, startCtx)
	require.NoError(t, startCtx.Err())

	require.NoError(t, b.Close())
	require.Error(t, startCtx.Err())
}

func TestAttachPageFailures(t *testing.T) {
	t.Parallel()

	failing := stubBrowser(t, func(context.Context, ...chromedp.Action) error { return errors.New("no such target") })
	_, err := failing.attachPage("tab-3")
	require.ErrorContains(t, err, "no such target")
	require.Empty(t, failing.pages)

	hanging := stubBrowser(t, func(ctx context.Context, _ ...chromedp.Action) error {
		<-ctx.Done()
		return ctx.Err()
	})
	hanging.attachTimeout = 20 * time.Millisecond
	_, err = hanging.attachPage("tab-4")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewPageReportedWithChrome(t *testing.T) {
	if testing.Short() {
		t.Skip("starts a real browser")
	}
	execPath := ""
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			execPath = p
			break
		}
	}
	if execPath == "" {
		t.Skip("no chrome binary on PATH")
	}

	l, err := NewLauncher(Config{Headless: true, ExecPath: execPath}, nil)
	require.NoError(t, err)
	b, err := l.Launch(context.Background())
	require.NoError(t, err)
	defer b.Close()

	pages := make(chan crawler.Page, 1)
	b.OnNewPage(func(p crawler.Page) { pages <- p })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, b.Run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := target.CreateTarget("about:blank").Do(cdp.WithExecutor(ctx, chromedp.FromContext(ctx).Browser))
		return err
	})))

	select {
	case p := <-pages:
		require.NotEqual(t, b.TargetID(), p.TargetID())
		require.NoError(t, p.Run(ctx, network.Enable()))
	case <-ctx.Done():
		t.Fatal("second tab was not reported")
	}
}
