package capture

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// conversation appends one JSON line per agent step.
type conversation struct {
	path   string
	clock  crawler.Clock
	logger *zap.Logger

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	steps  int
	closed bool
	err    error
}

func openConversation(path string, opts Options) (*conversation, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	buf := bufio.NewWriter(f)
	return &conversation{
		path:   path,
		clock:  opts.Clock,
		logger: opts.Logger.Named("conversation"),
		file:   f,
		buf:    buf,
		enc:    json.NewEncoder(buf),
	}, nil
}

func (c *conversation) Kind() crawler.CaptureKind { return crawler.CaptureConversation }
func (c *conversation) Path() string              { return c.path }

// HandleStep writes the step and flushes, so a killed task keeps every step it reported.
func (c *conversation) HandleStep(step crawler.AgentStep) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return
	}
	if step.At.IsZero() {
		step.At = c.clock.Now()
	}
	if err := c.enc.Encode(step); err != nil {
		c.err = fmt.Errorf("encode step %d: %w", step.Number, err)
		return
	}
	if err := c.buf.Flush(); err != nil {
		c.err = fmt.Errorf("flush step %d: %w", step.Number, err)
		return
	}
	c.steps++
}

// Close removes the transcript when the agent never reported a step.
func (c *conversation) Close(context.Context) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.steps > 0, c.err
	}
	c.closed = true
	err := c.err
	if ferr := c.buf.Flush(); ferr != nil && err == nil {
		err = fmt.Errorf("flush %s: %w", c.path, ferr)
	}
	if cerr := c.file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("close %s: %w", c.path, cerr)
	}
	if c.steps == 0 {
		if rerr := os.Remove(c.path); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = fmt.Errorf("remove empty transcript: %w", rerr)
		}
		c.err = err
		return false, err
	}
	c.err = err
	c.logger.Debug("transcript closed", zap.Int("steps", c.steps))
	return true, err
}
