package preflight

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

func TestCheckReachable(t *testing.T) {
	t.Parallel()

	gotUA := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case gotUA <- r.UserAgent():
		default:
		}
		_, _ = w.Write([]byte("<html></html>"))
	}))
	defer srv.Close()

	p := NewColly(Config{UserAgent: "probe/1.0", Timeout: time.Second})
	require.NoError(t, p.Check(context.Background(), srv.URL))
	require.Equal(t, "probe/1.0", <-gotUA)
}

func TestCheckForbiddenStillReachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bot", http.StatusForbidden)
	}))
	defer srv.Close()

	require.NoError(t, NewColly(Config{Timeout: time.Second}).Check(context.Background(), srv.URL))
}

func TestCheckServerErrorIsNavigationError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewColly(Config{Timeout: time.Second}).Check(context.Background(), srv.URL)
	require.ErrorIs(t, err, crawler.ErrNavigation)
}

func TestCheckUnreachableIsNavigationError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewColly(Config{Timeout: time.Second}).Check(context.Background(), url)
	require.ErrorIs(t, err, crawler.ErrNavigation)
	require.Equal(t, crawler.StatusNavigationError, crawler.Classify(err))
}

type stubHooks struct {
	onResponse colly.ResponseCallback
	onError    colly.ErrorCallback
}

func (s *stubHooks) OnResponse(cb colly.ResponseCallback) { s.onResponse = cb }
func (s *stubHooks) OnError(cb colly.ErrorCallback)       { s.onError = cb }

func TestConfigureCollectorHooks(t *testing.T) {
	t.Parallel()

	p := NewColly(Config{})
	var (
		status   int
		probeErr error
	)
	hooks := &stubHooks{}
	p.configureCollectorHooks(hooks, &status, &probeErr)

	hooks.onResponse(&colly.Response{StatusCode: http.StatusOK})
	require.Equal(t, http.StatusOK, status)

	hooks.onError(&colly.Response{StatusCode: http.StatusNotFound}, errors.New("Not Found"))
	require.NoError(t, probeErr)
	require.Equal(t, http.StatusNotFound, status)

	hooks.onError(nil, errors.New("dial tcp: refused"))
	require.EqualError(t, probeErr, "dial tcp: refused")
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	require.NoError(t, Disabled{}.Check(context.Background(), "http://invalid"))
}

type stubLimiter struct {
	urls []string
	err  error
}

func (l *stubLimiter) Wait(_ context.Context, url string) error {
	l.urls = append(l.urls, url)
	return l.err
}

func TestCheckWaitsForLimiter(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	limiter := &stubLimiter{}
	p := NewColly(Config{Timeout: time.Second, Limiter: limiter})
	require.NoError(t, p.Check(context.Background(), srv.URL))
	require.Equal(t, []string{srv.URL}, limiter.urls)

	limiter.err = context.DeadlineExceeded
	err := p.Check(context.Background(), srv.URL)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotErrorIs(t, err, crawler.ErrNavigation)
	require.Equal(t, int32(1), hits.Load())
}

func TestCheckBareHostPort(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	limiter := &stubLimiter{}
	p := NewColly(Config{Timeout: time.Second, Limiter: limiter})
	p.baseCollector.WithTransport(srv.Client().Transport)

	host := srv.Listener.Addr().String()
	require.NoError(t, p.Check(context.Background(), host))
	require.Equal(t, int32(1), hits.Load())
	require.Equal(t, []string{"https://" + host}, limiter.urls)
}

func TestCheckRejectsMalformedURL(t *testing.T) {
	t.Parallel()

	p := NewColly(Config{Timeout: time.Second})
	err := p.Check(context.Background(), "   ")
	require.ErrorIs(t, err, crawler.ErrConfig)
}
