package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

const frameBoundary = "frame"

// recorder writes CDP screencast frames as a motion-JPEG multipart stream.
type recorder struct {
	path   string
	target Target
	start  *page.StartScreencastParams
	clock  crawler.Clock
	logger *zap.Logger

	// ackCtx outlives individual events so acks can be sent from goroutines.
	ackCtx    context.Context
	ackCancel context.CancelFunc
	acks      sync.WaitGroup

	mu     sync.Mutex
	file   *os.File
	mw     *multipart.Writer
	pages  []crawler.Page
	frames int
	closed bool
	err    error
}

func openRecorder(ctx context.Context, path string, target Target, opts Options) (*recorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	mw := multipart.NewWriter(f)
	if err := mw.SetBoundary(frameBoundary); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("set boundary: %w", err)
	}
	ackCtx, ackCancel := context.WithCancel(context.WithoutCancel(ctx))
	start := page.StartScreencast().
		WithFormat(page.ScreencastFormatJpeg).
		WithQuality(int64(opts.ScreencastQuality)).
		WithEveryNthFrame(int64(opts.ScreencastEveryNthFrame))
	r := &recorder{
		path:      path,
		target:    target,
		start:     start,
		clock:     opts.Clock,
		logger:    opts.Logger.Named("recorder"),
		ackCtx:    ackCtx,
		ackCancel: ackCancel,
		file:      f,
		mw:        mw,
	}

	if err := target.Run(ctx, start); err != nil {
		ackCancel()
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("start screencast: %w", err)
	}
	return r, nil
}

func (r *recorder) Kind() crawler.CaptureKind { return crawler.CaptureRecord }
func (r *recorder) Path() string              { return r.path }

// AttachPage starts the screencast on a tab opened later. Its frames join the same stream.
func (r *recorder) AttachPage(ctx context.Context, p crawler.Page) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.pages = append(r.pages, p)
	r.mu.Unlock()
	if err := p.Run(ctx, r.start); err != nil {
		return fmt.Errorf("start screencast on %s: %w", p.TargetID(), err)
	}
	return nil
}

// HandleEvent stores a frame and acknowledges it on the tab that sent it;
// Chrome stops sending frames until the previous one is acked.
func (r *recorder) HandleEvent(from crawler.Page, ev any) {
	frame, ok := ev.(*page.EventScreencastFrame)
	if !ok {
		return
	}
	r.acks.Add(1)
	go func(sessionID int64) {
		defer r.acks.Done()
		if err := from.Run(r.ackCtx, page.ScreencastFrameAck(sessionID)); err != nil && r.ackCtx.Err() == nil {
			r.logger.Debug("screencast ack failed", zap.Error(err))
		}
	}(frame.SessionID)

	data, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		r.logger.Debug("drop undecodable frame", zap.Error(err))
		return
	}
	r.writeFrame(data)
}

func (r *recorder) writeFrame(jpeg []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || r.err != nil {
		return
	}
	header := textproto.MIMEHeader{}
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(jpeg)))
	header.Set("X-Timestamp", r.clock.Now().Format(time.RFC3339Nano))
	part, err := r.mw.CreatePart(header)
	if err == nil {
		_, err = part.Write(jpeg)
	}
	if err != nil {
		r.err = fmt.Errorf("write frame %d: %w", r.frames+1, err)
		return
	}
	r.frames++
}

// Close stops the screencast and finishes the stream. The file is kept even
// without frames so every enabled channel leaves an artifact.
func (r *recorder) Close(ctx context.Context) (bool, error) {
	r.mu.Lock()
	pages := append([]crawler.Page{r.target}, r.pages...)
	r.mu.Unlock()
	for _, p := range pages {
		if err := p.Run(ctx, page.StopScreencast()); err != nil {
			r.logger.Debug("stop screencast", zap.String("target_id", p.TargetID()), zap.Error(err))
		}
	}
	r.ackCancel()
	r.acks.Wait()

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return true, r.err
	}
	r.closed = true
	err := r.err
	if cerr := r.mw.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("finish stream: %w", cerr)
	}
	if cerr := r.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close %s: %w", r.path, cerr)
	}
	r.err = err
	r.logger.Debug("recording closed", zap.Int("frames", r.frames))
	return true, err
}
