package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/breeze-rmm/recorder/internal/segwriter"
)

// Kind classifies capture-path failures.
type Kind string

const (
	KindSourceUnavailable      Kind = "source_unavailable"
	KindSourceFailed           Kind = "source_failed"
	KindDestinationUnavailable Kind = "destination_unavailable"
	KindWriteFailed            Kind = "write_failed"
	KindSplitLimitReached      Kind = "split_limit_reached"
	KindCompressionDegraded    Kind = "compression_degraded"
	KindTimeout                Kind = "timeout"
	KindResourceExhausted      Kind = "resource_exhausted"
	KindAborted                Kind = "aborted"
)

var (
	ErrSourceUnavailable = errors.New("capture source unavailable")
	ErrSplitLimitReached = errors.New("split limit reached")
	ErrResourceExhausted = errors.New("host resources exhausted")
	ErrAlreadyStarted    = errors.New("session already started")
	ErrInvalidSettings   = errors.New("invalid session settings")
)

// Error carries enough context to reconstruct what a session salvaged.
type Error struct {
	Kind         Kind
	Op           string
	SegmentIndex int
	Elapsed      time.Duration
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.SegmentIndex > 0 {
		msg += fmt.Sprintf(" (segment %d, elapsed %s)", e.SegmentIndex, e.Elapsed.Round(time.Millisecond))
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf maps err onto the capture taxonomy. Errors from the writer and from
// context deadlines are classified even when they were never wrapped in *Error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	switch {
	case errors.Is(err, segwriter.ErrOpenTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, segwriter.ErrDestinationUnavailable):
		return KindDestinationUnavailable
	case errors.Is(err, segwriter.ErrWriteFailed), errors.Is(err, segwriter.ErrHandleClosed):
		return KindWriteFailed
	case errors.Is(err, ErrSourceUnavailable):
		return KindSourceUnavailable
	case errors.Is(err, ErrSplitLimitReached):
		return KindSplitLimitReached
	case errors.Is(err, ErrResourceExhausted):
		return KindResourceExhausted
	case errors.Is(err, context.Canceled):
		return KindAborted
	}
	return KindSourceFailed
}
