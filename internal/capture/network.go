package capture

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/har"
	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

const harCreator = "checkout-crawler"

type pendingEntry struct {
	entry   *har.Entry
	started *cdp.MonotonicTime
}

// networkSink builds a HAR 1.2 log from CDP Network events and writes it on close.
type networkSink struct {
	path        string
	target      Target
	clock       crawler.Clock
	logger      *zap.Logger
	maxPostData int

	mu      sync.Mutex
	file    *os.File
	entries []*har.Entry
	pending map[network.RequestID]*pendingEntry
	closed  bool
	err     error
}

func openNetwork(ctx context.Context, path string, target Target, opts Options) (*networkSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	n := &networkSink{
		path:        path,
		target:      target,
		clock:       opts.Clock,
		logger:      opts.Logger.Named("network"),
		maxPostData: opts.MaxPostDataBytes,
		file:        f,
		pending:     map[network.RequestID]*pendingEntry{},
	}
	if err := target.Run(ctx, network.Enable().WithMaxPostDataSize(int64(opts.MaxPostDataBytes))); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("enable network domain: %w", err)
	}
	return n, nil
}

func (n *networkSink) Kind() crawler.CaptureKind { return crawler.CaptureNetwork }
func (n *networkSink) Path() string              { return n.path }

// AttachPage enables the network domain on a tab opened later; its requests join the same log.
func (n *networkSink) AttachPage(ctx context.Context, p crawler.Page) error {
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return nil
	}
	if err := p.Run(ctx, network.Enable().WithMaxPostDataSize(int64(n.maxPostData))); err != nil {
		return fmt.Errorf("enable network domain on %s: %w", p.TargetID(), err)
	}
	return nil
}

func (n *networkSink) HandleEvent(_ crawler.Page, ev any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	switch e := ev.(type) {
	case *network.EventRequestWillBeSent:
		n.onRequest(e)
	case *network.EventResponseReceived:
		n.onResponse(e)
	case *network.EventLoadingFinished:
		n.onFinished(e.RequestID, e.Timestamp, e.EncodedDataLength, "")
	case *network.EventLoadingFailed:
		n.onFinished(e.RequestID, e.Timestamp, 0, e.ErrorText)
	}
}

func (n *networkSink) onRequest(e *network.EventRequestWillBeSent) {
	if e.Request == nil {
		return
	}
	// A redirect reuses the request ID; the previous hop ends with the redirect response.
	if prev, ok := n.pending[e.RequestID]; ok && e.RedirectResponse != nil {
		prev.entry.Response = harResponse(e.RedirectResponse)
		prev.entry.Response.RedirectURL = e.Request.URL
		n.finish(e.RequestID, prev, e.Timestamp)
	}

	started := n.clock.Now()
	if e.WallTime != nil {
		started = e.WallTime.Time()
	}
	req := &har.Request{
		Method:      e.Request.Method,
		URL:         e.Request.URL + e.Request.URLFragment,
		HTTPVersion: "HTTP/1.1",
		Cookies:     []*har.Cookie{},
		Headers:     harHeaders(e.Request.Headers),
		QueryString: harQuery(e.Request.URL),
		HeadersSize: -1,
		BodySize:    0,
	}
	if e.Request.HasPostData {
		text := n.postData(e.Request.PostDataEntries)
		req.PostData = &har.PostData{
			MimeType: headerValue(e.Request.Headers, "Content-Type"),
			Params:   []*har.Param{},
			Text:     text,
		}
		req.BodySize = int64(len(text))
	}
	n.pending[e.RequestID] = &pendingEntry{
		entry: &har.Entry{
			StartedDateTime: started.UTC().Format(time.RFC3339Nano),
			Request:         req,
			Response: &har.Response{
				Cookies: []*har.Cookie{},
				Headers: []*har.NameValuePair{},
				Content: &har.Content{},
			},
			Cache:   &har.Cache{},
			Timings: &har.Timings{Send: 0, Wait: -1, Receive: -1},
		},
		started: e.Timestamp,
	}
}

func (n *networkSink) onResponse(e *network.EventResponseReceived) {
	p, ok := n.pending[e.RequestID]
	if !ok || e.Response == nil {
		return
	}
	p.entry.Response = harResponse(e.Response)
	p.entry.ServerIPAddress = e.Response.RemoteIPAddress
	if e.Response.Protocol != "" {
		p.entry.Request.HTTPVersion = strings.ToUpper(e.Response.Protocol)
	}
	if p.started != nil && e.Timestamp != nil {
		p.entry.Timings.Wait = millis(p.started, e.Timestamp)
	}
}

func (n *networkSink) onFinished(id network.RequestID, at *cdp.MonotonicTime, encoded float64, failure string) {
	p, ok := n.pending[id]
	if !ok {
		return
	}
	if failure != "" {
		p.entry.Response.Status = 0
		p.entry.Response.StatusText = failure
		p.entry.Comment = "failed: " + failure
	} else {
		p.entry.Response.BodySize = int64(encoded)
		if p.entry.Response.Content != nil && p.entry.Response.Content.Size == 0 {
			p.entry.Response.Content.Size = int64(encoded)
		}
	}
	n.finish(id, p, at)
}

func (n *networkSink) finish(id network.RequestID, p *pendingEntry, at *cdp.MonotonicTime) {
	if p.started != nil && at != nil {
		total := millis(p.started, at)
		p.entry.Time = total
		if p.entry.Timings.Wait >= 0 {
			p.entry.Timings.Receive = total - p.entry.Timings.Wait
		}
	}
	if p.entry.Timings.Wait < 0 {
		p.entry.Timings.Wait = p.entry.Time
	}
	if p.entry.Timings.Receive < 0 {
		p.entry.Timings.Receive = 0
	}
	n.entries = append(n.entries, p.entry)
	delete(n.pending, id)
}

func (n *networkSink) postData(entries []*network.PostDataEntry) string {
	var b strings.Builder
	for _, pe := range entries {
		if pe == nil {
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(pe.Bytes)
		if err != nil {
			raw = []byte(pe.Bytes)
		}
		b.Write(raw)
		if b.Len() >= n.maxPostData {
			break
		}
	}
	text := b.String()
	if len(text) > n.maxPostData {
		text = text[:n.maxPostData]
	}
	return text
}

// Close writes the HAR, including requests still in flight when the task ended.
func (n *networkSink) Close(context.Context) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return true, n.err
	}
	n.closed = true

	ids := make([]string, 0, len(n.pending))
	for id := range n.pending {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := n.pending[network.RequestID(id)]
		p.entry.Comment = "incomplete: capture closed before the response finished"
		n.finish(network.RequestID(id), p, nil)
	}
	sort.SliceStable(n.entries, func(i, j int) bool {
		return n.entries[i].StartedDateTime < n.entries[j].StartedDateTime
	})

	doc := har.HAR{Log: &har.Log{
		Version: "1.2",
		Creator: &har.Creator{Name: harCreator, Version: "1.0"},
		Pages:   []*har.Page{},
		Entries: n.entries,
	}}
	if doc.Log.Entries == nil {
		doc.Log.Entries = []*har.Entry{}
	}
	enc := json.NewEncoder(n.file)
	enc.SetIndent("", "  ")
	err := enc.Encode(doc)
	if err != nil {
		err = fmt.Errorf("encode har: %w", err)
	}
	if cerr := n.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close %s: %w", n.path, cerr)
	}
	n.err = err
	n.logger.Debug("har written", zap.Int("entries", len(n.entries)))
	return true, err
}

func harResponse(r *network.Response) *har.Response {
	content := &har.Content{
		Size:     int64(r.EncodedDataLength),
		MimeType: r.MimeType,
	}
	version := "HTTP/1.1"
	if r.Protocol != "" {
		version = strings.ToUpper(r.Protocol)
	}
	return &har.Response{
		Status:      r.Status,
		StatusText:  r.StatusText,
		HTTPVersion: version,
		Cookies:     []*har.Cookie{},
		Headers:     harHeaders(r.Headers),
		Content:     content,
		HeadersSize: -1,
		BodySize:    -1,
	}
}

func harHeaders(h network.Headers) []*har.NameValuePair {
	out := make([]*har.NameValuePair, 0, len(h))
	for name, value := range h {
		switch v := value.(type) {
		case string:
			for _, line := range strings.Split(v, "\n") {
				out = append(out, &har.NameValuePair{Name: name, Value: line})
			}
		default:
			out = append(out, &har.NameValuePair{Name: name, Value: fmt.Sprint(v)})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func harQuery(rawURL string) []*har.NameValuePair {
	out := []*har.NameValuePair{}
	u, err := url.Parse(rawURL)
	if err != nil {
		return out
	}
	q := u.Query()
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range q[k] {
			out = append(out, &har.NameValuePair{Name: k, Value: v})
		}
	}
	return out
}

func headerValue(h network.Headers, name string) string {
	for k, v := range h {
		if strings.EqualFold(k, name) {
			return fmt.Sprint(v)
		}
	}
	return ""
}

func millis(from, to *cdp.MonotonicTime) float64 {
	d := to.Time().Sub(from.Time())
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
