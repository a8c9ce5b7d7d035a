package capture

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/har"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeTarget struct {
	id       string
	mu       sync.Mutex
	events   []func(any)
	steps    []func(crawler.AgentStep)
	newPages []func(crawler.Page)
	actions  []string
	failWith map[string]error
}

func newFakeTarget() *fakeTarget {
	return &fakeTarget{id: "launch-page", failWith: map[string]error{}}
}

func (f *fakeTarget) TargetID() string { return f.id }

func (f *fakeTarget) OnNewPage(fn func(crawler.Page)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newPages = append(f.newPages, fn)
}

func (f *fakeTarget) openTab(tab *fakeTarget) {
	f.mu.Lock()
	fns := append([]func(crawler.Page){}, f.newPages...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(tab)
	}
}

func (f *fakeTarget) ListenEvents(fn func(any)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fn)
}

func (f *fakeTarget) OnStep(fn func(crawler.AgentStep)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, fn)
}

func (f *fakeTarget) Run(_ context.Context, actions ...crawler.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range actions {
		name := fmt.Sprintf("%T", a)
		f.actions = append(f.actions, name)
		if err := f.failWith[name]; err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeTarget) emit(ev any) {
	f.mu.Lock()
	fns := append([]func(any){}, f.events...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (f *fakeTarget) step(s crawler.AgentStep) {
	f.mu.Lock()
	fns := append([]func(crawler.AgentStep){}, f.steps...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeTarget) ran(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.actions {
		if a == name {
			return true
		}
	}
	return false
}

func testOptions() Options {
	return Options{Clock: &fakeClock{now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}, PerformanceInterval: time.Hour}
}

func monotonic(sec float64) *cdp.MonotonicTime {
	t := cdp.MonotonicTime(time.Unix(0, int64(sec*float64(time.Second))))
	return &t
}

func TestSessionAllSinksProduceArtifacts(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "shop-a.example")
	target := newFakeTarget()
	sess, err := Open(context.Background(), dir, crawler.AllCaptures(), target, testOptions())
	require.NoError(t, err)

	target.emit(&page.EventScreencastFrame{
		Data:      base64.StdEncoding.EncodeToString([]byte("\xff\xd8jpeg-bytes\xff\xd9")),
		SessionID: 7,
	})
	body := `{"email":"eva+shop-a.example@mail.example"}`
	target.emit(&network.EventRequestWillBeSent{
		RequestID: "r1",
		Request: &network.Request{
			URL:         "https://tracker.example/collect?id=42",
			Method:      "POST",
			Headers:     network.Headers{"Content-Type": "application/json"},
			HasPostData: true,
			PostDataEntries: []*network.PostDataEntry{
				{Bytes: base64.StdEncoding.EncodeToString([]byte(body))},
			},
		},
		Timestamp: monotonic(10),
	})
	target.emit(&network.EventResponseReceived{
		RequestID: "r1",
		Response:  &network.Response{URL: "https://tracker.example/collect", Status: 204, StatusText: "No Content", Protocol: "h2"},
		Timestamp: monotonic(10.2),
	})
	target.emit(&network.EventLoadingFinished{RequestID: "r1", Timestamp: monotonic(10.5), EncodedDataLength: 120})
	target.step(crawler.AgentStep{Number: 1, NextGoal: "accept cookies"})
	target.step(crawler.AgentStep{Number: 2, NextGoal: "add to cart"})
	sess.RecordTrace(crawler.Trace{Steps: 2, InputTokens: 900, Success: true, Duration: 3 * time.Second}, crawler.StatusCompleted)

	require.Eventually(t, func() bool {
		return target.ran("*page.ScreencastFrameAckParams")
	}, time.Second, 10*time.Millisecond)

	paths, err := sess.Close(context.Background())
	require.NoError(t, err)
	require.Len(t, paths, 4)
	seen := map[string]bool{}
	for kind, p := range paths {
		require.FileExists(t, p)
		require.Equal(t, filepath.Join(dir, FileName(kind)), p)
		seen[p] = true
	}
	require.Len(t, seen, 4)
	require.True(t, sess.Closed())
	require.True(t, target.ran("*page.StopScreencastParams"))

	mjpeg, err := os.ReadFile(paths[crawler.CaptureRecord])
	require.NoError(t, err)
	assert.Contains(t, string(mjpeg), "--frame")
	assert.Contains(t, string(mjpeg), "jpeg-bytes")

	var doc har.HAR
	raw, err := os.ReadFile(paths[crawler.CaptureNetwork])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Log.Entries, 1)
	entry := doc.Log.Entries[0]
	assert.Equal(t, "POST", entry.Request.Method)
	require.NotNil(t, entry.Request.PostData)
	assert.Equal(t, body, entry.Request.PostData.Text)
	assert.Equal(t, "application/json", entry.Request.PostData.MimeType)
	assert.Equal(t, int64(204), entry.Response.Status)
	assert.Equal(t, "H2", entry.Request.HTTPVersion)
	assert.InDelta(t, 500, entry.Time, 0.5)

	lines := readLines(t, paths[crawler.CaptureConversation])
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "add to cart")

	var perf PerformanceRecord
	raw, err = os.ReadFile(paths[crawler.CapturePerformance])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &perf))
	assert.Equal(t, crawler.StatusCompleted, perf.Status)
	assert.Equal(t, 2, perf.StepsTaken)
	assert.Equal(t, int64(900), perf.InputTokens)
	assert.InDelta(t, 3.0, perf.DurationSeconds, 0.001)
}

func TestSessionOpenFailureClosesOpenedSinks(t *testing.T) {
	t.Parallel()

	target := newFakeTarget()
	target.failWith["*network.EnableParams"] = errors.New("target closed")

	_, err := Open(context.Background(), t.TempDir(), crawler.AllCaptures(), target, testOptions())
	require.Error(t, err)
	require.ErrorIs(t, err, crawler.ErrCapture)
	var capErr *crawler.CaptureError
	require.ErrorAs(t, err, &capErr)
	require.Equal(t, crawler.CaptureNetwork, capErr.Kind)
	require.Equal(t, crawler.StatusCaptureError, crawler.Classify(err))

	require.True(t, target.ran("*page.StopScreencastParams"), "recorder opened first must be closed")
	require.False(t, target.ran("*performance.EnableParams"), "sinks after the failing one must not open")
}

func TestSessionCloseIsIdempotentAndStopsDelivery(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := newFakeTarget()
	sess, err := Open(context.Background(), dir, crawler.NewCaptureSet(crawler.CaptureConversation), target, testOptions())
	require.NoError(t, err)

	target.step(crawler.AgentStep{Number: 1})
	first, err := sess.Close(context.Background())
	require.NoError(t, err)
	target.step(crawler.AgentStep{Number: 2})
	second, err := sess.Close(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.Len(t, readLines(t, first[crawler.CaptureConversation]), 1)
}

func TestConversationRemovedWithoutSteps(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	sess, err := Open(context.Background(), dir, crawler.NewCaptureSet(crawler.CaptureConversation), newFakeTarget(), testOptions())
	require.NoError(t, err)
	require.FileExists(t, filepath.Join(dir, ConversationFile))

	paths, err := sess.Close(context.Background())
	require.NoError(t, err)
	require.Empty(t, paths)
	require.NoFileExists(t, filepath.Join(dir, ConversationFile))
}

func TestOpenWithoutCapturesIsNoop(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "none")
	target := newFakeTarget()
	sess, err := Open(context.Background(), dir, crawler.CaptureSet{}, target, testOptions())
	require.NoError(t, err)
	paths, err := sess.Close(context.Background())
	require.NoError(t, err)
	require.Empty(t, paths)
	require.NoDirExists(t, dir)
	require.Empty(t, target.events)
}

func TestNetworkSinkRedirectAndInFlight(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	target := newFakeTarget()
	sess, err := Open(context.Background(), dir, crawler.NewCaptureSet(crawler.CaptureNetwork), target, testOptions())
	require.NoError(t, err)

	target.emit(&network.EventRequestWillBeSent{
		RequestID: "r1",
		Request:   &network.Request{URL: "http://shop.example/", Method: "GET"},
		Timestamp: monotonic(1),
	})
	target.emit(&network.EventRequestWillBeSent{
		RequestID:        "r1",
		Request:          &network.Request{URL: "https://shop.example/", Method: "GET"},
		RedirectResponse: &network.Response{Status: 301, StatusText: "Moved Permanently"},
		Timestamp:        monotonic(1.1),
	})
	target.emit(&network.EventLoadingFailed{RequestID: "r1", Timestamp: monotonic(2), ErrorText: "net::ERR_ABORTED"})
	target.emit(&network.EventRequestWillBeSent{
		RequestID: "r2",
		Request:   &network.Request{URL: "https://cdn.example/app.js", Method: "GET"},
		Timestamp: monotonic(3),
	})

	paths, err := sess.Close(context.Background())
	require.NoError(t, err)

	var doc har.HAR
	raw, err := os.ReadFile(paths[crawler.CaptureNetwork])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Len(t, doc.Log.Entries, 3)

	byURL := map[string]*har.Entry{}
	for _, e := range doc.Log.Entries {
		byURL[e.Request.URL] = e
	}
	assert.Equal(t, int64(301), byURL["http://shop.example/"].Response.Status)
	assert.Equal(t, "https://shop.example/", byURL["http://shop.example/"].Response.RedirectURL)
	assert.Equal(t, "net::ERR_ABORTED", byURL["https://shop.example/"].Response.StatusText)
	assert.True(t, strings.HasPrefix(byURL["https://cdn.example/app.js"].Comment, "incomplete"))
}

func TestSessionFollowsTabsOpenedLater(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	launch := newFakeTarget()
	sess, err := Open(context.Background(), dir, crawler.AllCaptures(), launch, testOptions())
	require.NoError(t, err)

	tab := newFakeTarget()
	tab.id = "tab-2"
	launch.openTab(tab)
	require.Equal(t, 1, sess.Pages())
	require.True(t, tab.ran("*network.EnableParams"))
	require.True(t, tab.ran("*performance.EnableParams"))
	require.True(t, tab.ran("*page.StartScreencastParams"))

	launch.emit(&network.EventRequestWillBeSent{
		RequestID: "main-1",
		Request:   &network.Request{URL: "https://shop.example/cart", Method: "GET"},
		Timestamp: monotonic(1),
	})
	launch.emit(&network.EventLoadingFinished{RequestID: "main-1", Timestamp: monotonic(1.2)})
	tab.emit(&network.EventRequestWillBeSent{
		RequestID: "tab-1",
		Request:   &network.Request{URL: "https://pay.example/checkout", Method: "POST"},
		Timestamp: monotonic(2),
	})
	tab.emit(&network.EventResponseReceived{
		RequestID: "tab-1",
		Response:  &network.Response{URL: "https://pay.example/checkout", Status: 200, StatusText: "OK"},
		Timestamp: monotonic(2.1),
	})
	tab.emit(&network.EventLoadingFinished{RequestID: "tab-1", Timestamp: monotonic(2.3)})
	tab.emit(&page.EventScreencastFrame{
		Data:      base64.StdEncoding.EncodeToString([]byte("payment-form-frame")),
		SessionID: 3,
	})

	require.Eventually(t, func() bool {
		return tab.ran("*page.ScreencastFrameAckParams")
	}, time.Second, 10*time.Millisecond)
	require.False(t, launch.ran("*page.ScreencastFrameAckParams"))

	paths, err := sess.Close(context.Background())
	require.NoError(t, err)
	require.True(t, tab.ran("*page.StopScreencastParams"))
	require.True(t, tab.ran("*performance.DisableParams"))

	var doc har.HAR
	raw, err := os.ReadFile(paths[crawler.CaptureNetwork])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &doc))
	urls := make([]string, 0, len(doc.Log.Entries))
	for _, e := range doc.Log.Entries {
		urls = append(urls, e.Request.URL)
	}
	assert.ElementsMatch(t, []string{"https://shop.example/cart", "https://pay.example/checkout"}, urls)

	mjpeg, err := os.ReadFile(paths[crawler.CaptureRecord])
	require.NoError(t, err)
	assert.Contains(t, string(mjpeg), "payment-form-frame")

	var perf PerformanceRecord
	raw, err = os.ReadFile(paths[crawler.CapturePerformance])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &perf))
	targets := map[string]bool{}
	for _, sample := range perf.Samples {
		targets[sample.Target] = true
	}
	assert.True(t, targets[""], "launch page sampled")
	assert.True(t, targets["tab-2"], "new tab sampled")
}

func TestSessionIgnoresTabsAfterClose(t *testing.T) {
	t.Parallel()

	launch := newFakeTarget()
	sess, err := Open(context.Background(), t.TempDir(), crawler.NewCaptureSet(crawler.CaptureNetwork), launch, testOptions())
	require.NoError(t, err)
	_, err = sess.Close(context.Background())
	require.NoError(t, err)

	tab := newFakeTarget()
	tab.id = "late-tab"
	launch.openTab(tab)
	require.Zero(t, sess.Pages())
	require.False(t, tab.ran("*network.EnableParams"))
	require.Empty(t, tab.events)
}

func TestFileNameAndContentType(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "recording.mjpeg", FileName(crawler.CaptureRecord))
	assert.Equal(t, "traffic.har", FileName(crawler.CaptureNetwork))
	assert.Contains(t, ContentType(crawler.CaptureRecord), "boundary=frame")
	assert.Equal(t, "application/x-ndjson", ContentType(crawler.CaptureConversation))
}

func readLines(t *testing.T, path string) []string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	require.NoError(t, sc.Err())
	return lines
}
