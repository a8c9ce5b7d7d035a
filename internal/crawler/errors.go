package crawler

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the per-site error taxonomy.
var (
	ErrConfig     = errors.New("config error")
	ErrCapture    = errors.New("capture error")
	ErrNavigation = errors.New("navigation error")
	ErrAgent      = errors.New("agent error")
)

// ConfigError reports a bad site list row or unsupported language.
type ConfigError struct {
	Row   int
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Row > 0 {
		return fmt.Sprintf("row %d: %s: %v", e.Row, e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

// Unwrap exposes both the cause and ErrConfig to errors.Is.
func (e *ConfigError) Unwrap() []error {
	return []error{e.Err, ErrConfig}
}

// CaptureError reports a telemetry sink that failed to initialize.
type CaptureError struct {
	Kind CaptureKind
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("open %s sink: %v", e.Kind, e.Err)
}

// Unwrap exposes both the cause and ErrCapture to errors.Is.
func (e *CaptureError) Unwrap() []error {
	return []error{e.Err, ErrCapture}
}

// Classify maps a task error to its final status. A nil error is a completed crawl.
func Classify(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, ErrConfig):
		return StatusConfigError
	case errors.Is(err, ErrCapture):
		return StatusCaptureError
	case errors.Is(err, ErrNavigation):
		return StatusNavigationError
	case errors.Is(err, context.DeadlineExceeded):
		return StatusTimedOut
	default:
		return StatusAgentError
	}
}
