package browser

import (
	"context"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// Page is a tab the browser opened after launch, typically by the agent.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	id     string
}

var _ crawler.Page = (*Page)(nil)

// TargetID identifies the tab.
func (p *Page) TargetID() string { return p.id }

// ListenEvents registers fn for every protocol event of the tab.
func (p *Page) ListenEvents(fn func(ev any)) {
	chromedp.ListenTarget(p.ctx, fn)
}

// Run executes actions on the tab. Canceling ctx aborts the actions without closing the tab.
func (p *Page) Run(ctx context.Context, actions ...crawler.Action) error {
	return runOn(p.ctx, ctx, actions)
}

// OnNewPage calls fn, from its own goroutine, for every page target created
// after the call. Each tab is attached with its own chromedp context first; a
// tab that cannot be attached within the launch timeout is skipped.
func (b *Browser) OnNewPage(fn func(crawler.Page)) {
	chromedp.ListenTarget(b.ctx, func(ev any) {
		id, ok := b.newPageTarget(ev)
		if !ok {
			return
		}
		go func() {
			p, err := b.attachPage(id)
			if err != nil {
				b.logger.Debug("attach new page", zap.String("target_id", string(id)), zap.Error(err))
				return
			}
			fn(p)
		}()
	})
}

// newPageTarget reports page targets not seen before. The launch page never counts.
func (b *Browser) newPageTarget(ev any) (target.ID, bool) {
	created, ok := ev.(*target.EventTargetCreated)
	if !ok || created.TargetInfo == nil || created.TargetInfo.Type != "page" {
		return "", false
	}
	id := created.TargetInfo.TargetID
	b.pagesMu.Lock()
	defer b.pagesMu.Unlock()
	if b.seen == nil {
		b.seen = map[target.ID]bool{}
	}
	if string(id) == b.targetID || b.seen[id] {
		return "", false
	}
	b.seen[id] = true
	return id, true
}

// attachPage binds a chromedp context to an existing target. As with the
// launch page, the first Run must use the tab context itself, so the attach
// deadline is enforced by canceling it.
func (b *Browser) attachPage(id target.ID) (*Page, error) {
	pageCtx, cancel := chromedp.NewContext(b.ctx, chromedp.WithTargetID(id))
	timer := time.AfterFunc(b.attachTimeout, cancel)
	err := b.start(pageCtx)
	if !timer.Stop() {
		return nil, fmt.Errorf("attach %s: no session after %s: %w", id, b.attachTimeout, context.DeadlineExceeded)
	}
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attach %s: %w", id, err)
	}
	p := &Page{ctx: pageCtx, cancel: cancel, id: string(id)}
	b.pagesMu.Lock()
	b.pages = append(b.pages, p)
	b.pagesMu.Unlock()
	return p, nil
}
