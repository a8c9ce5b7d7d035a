// Package preflight checks that a site answers over HTTP before a browser and
// an agent are spent on it.
package preflight

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// Config controls the probe collector.
type Config struct {
	UserAgent string
	Timeout   time.Duration
	// Limiter paces probes per host. Optional.
	Limiter Limiter
}

// Limiter blocks until url may be requested.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Colly probes a site with a single GET through a colly collector.
// Any HTTP response below 500 counts as reachable: shops often answer bots with 403.
type Colly struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// NewColly builds a probe.
func NewColly(cfg Config) *Colly {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Colly{cfg: cfg, baseCollector: c}
}

// Check returns an error wrapping crawler.ErrNavigation when url cannot be loaded.
// Bare hosts are probed over https.
func (p *Colly) Check(ctx context.Context, rawURL string) error {
	url, err := crawler.NormalizeURL(rawURL)
	if err != nil {
		return fmt.Errorf("preflight %s: %w", rawURL, err)
	}
	if p.cfg.Limiter != nil {
		if err := p.cfg.Limiter.Wait(ctx, url); err != nil {
			return fmt.Errorf("preflight %s: %w", url, err)
		}
	}
	var (
		status   int
		probeErr error
	)
	collector := p.buildCollector()
	p.configureCollectorHooks(collector, &status, &probeErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("preflight %s canceled: %w", url, ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("preflight %s: %v: %w", url, err, crawler.ErrNavigation)
		}
		if probeErr != nil {
			return fmt.Errorf("preflight %s: %v: %w", url, probeErr, crawler.ErrNavigation)
		}
		if status >= http.StatusInternalServerError {
			return fmt.Errorf("preflight %s: status %d: %w", url, status, crawler.ErrNavigation)
		}
		return nil
	}
}

func (p *Colly) buildCollector() *colly.Collector {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	// Clones share the visited store; re-runs probe the same URLs again.
	collector.AllowURLRevisit = true
	collector.ParseHTTPErrorResponse = true
	collector.SetRequestTimeout(p.cfg.Timeout)
	return collector
}

func (p *Colly) configureCollectorHooks(hooks collectorHooks, status *int, probeErr *error) {
	hooks.OnResponse(func(r *colly.Response) {
		*status = r.StatusCode
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*status = r.StatusCode
			if r.StatusCode < http.StatusInternalServerError {
				return
			}
		}
		*probeErr = err
	})
}

// Disabled accepts every site.
type Disabled struct{}

// Check always succeeds.
func (Disabled) Check(context.Context, string) error { return nil }

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
