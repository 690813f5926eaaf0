// Package segwriter streams capture chunks for one segment at a time into a
// durable destination without buffering the segment in memory.
package segwriter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("segwriter")

var (
	ErrDestinationUnavailable = errors.New("segwriter: destination unavailable")
	ErrOpenTimeout            = errors.New("segwriter: destination open timed out")
	ErrWriteFailed            = errors.New("segwriter: write failed")
	ErrHandleClosed           = errors.New("segwriter: write to closed handle")
)

// Target is a writable, syncable destination for one segment.
type Target interface {
	io.WriteCloser
	Sync() error
}

// Destination hands out writable targets. Implementations return an error
// wrapping ErrDestinationUnavailable when the host denies the request.
type Destination interface {
	Create(ctx context.Context, name string) (Target, string, error)
}

// Remover is implemented by destinations that can discard a target that was
// created after its open request had already been given up on.
type Remover interface {
	Remove(location string) error
}

// Descriptor identifies the segment a handle is opened for.
type Descriptor struct {
	SessionID string
	Index     int
	Name      string
}

// Totals are the counters of a handle at close time.
type Totals struct {
	ByteCount  int64
	ChunkCount int64
}

// Handle is one open segment target. It is owned by a single chunk sequence.
type Handle struct {
	desc     Descriptor
	location string
	target   Target

	mu        sync.Mutex
	totals    Totals
	unsynced  int
	failed    error
	closed    bool
	closeErr  error
	closeOnce sync.Once
}

// Descriptor returns the descriptor the handle was opened with.
func (h *Handle) Descriptor() Descriptor { return h.desc }

// Location is where the destination placed the segment.
func (h *Handle) Location() string { return h.location }

// Totals returns the counters accumulated so far.
func (h *Handle) Totals() Totals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totals
}

// Options tune a Writer.
type Options struct {
	// OpenTimeout bounds destination acquisition. Zero means no bound.
	OpenTimeout time.Duration
	// SyncEvery forces an fsync after this many chunks. Zero syncs only on close.
	SyncEvery int
}

// Writer appends chunks to destinations handed out by a Destination.
type Writer struct {
	dest Destination
	opts Options
}

// New creates a Writer on top of dest.
func New(dest Destination, opts Options) *Writer {
	return &Writer{dest: dest, opts: opts}
}

type openResult struct {
	target   Target
	location string
	err      error
}

// Open requests a writable destination for desc. A denied request returns an
// error wrapping ErrDestinationUnavailable; an expired OpenTimeout returns one
// wrapping ErrOpenTimeout. Either outcome only concerns this segment.
func (w *Writer) Open(ctx context.Context, desc Descriptor) (*Handle, error) {
	openCtx := ctx
	cancel := func() {}
	if w.opts.OpenTimeout > 0 {
		openCtx, cancel = context.WithTimeout(ctx, w.opts.OpenTimeout)
	}
	defer cancel()

	results := make(chan openResult, 1)
	go func() {
		target, location, err := w.dest.Create(openCtx, desc.Name)
		results <- openResult{target: target, location: location, err: err}
	}()

	select {
	case res := <-results:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: segment %d: %w", ErrOpenTimeout, desc.Index, res.err)
			}
			if errors.Is(res.err, ErrDestinationUnavailable) {
				return nil, fmt.Errorf("segment %d: %w", desc.Index, res.err)
			}
			return nil, fmt.Errorf("%w: segment %d: %w", ErrDestinationUnavailable, desc.Index, res.err)
		}
		log.Debug("segment destination opened",
			zap.String(logging.KeySessionID, desc.SessionID),
			zap.Int(logging.KeySegment, desc.Index),
			zap.String("location", res.location))
		return &Handle{desc: desc, location: res.location, target: res.target}, nil

	case <-openCtx.Done():
		go w.discardLate(results, desc)
		if ctx.Err() != nil {
			return nil, fmt.Errorf("segment %d open cancelled: %w", desc.Index, ctx.Err())
		}
		return nil, fmt.Errorf("%w: segment %d after %s", ErrOpenTimeout, desc.Index, w.opts.OpenTimeout)
	}
}

// discardLate closes and removes a target whose open completed after the
// caller stopped waiting for it.
func (w *Writer) discardLate(results <-chan openResult, desc Descriptor) {
	res := <-results
	if res.err != nil || res.target == nil {
		return
	}
	_ = res.target.Close()
	if r, ok := w.dest.(Remover); ok {
		if err := r.Remove(res.location); err != nil {
			log.Warn("failed to remove abandoned segment destination",
				zap.Int(logging.KeySegment, desc.Index), zap.String("location", res.location), zap.Error(err))
		}
	}
}

// Write appends data to h in call order. The first I/O error poisons the
// handle: it and every later write return an error wrapping ErrWriteFailed.
// Writing to a handle whose Close has begun returns ErrHandleClosed.
func (w *Writer) Write(ctx context.Context, h *Handle, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("%w: segment %d", ErrHandleClosed, h.desc.Index)
	}
	if h.failed != nil {
		return h.failed
	}
	if len(data) == 0 {
		return nil
	}

	n, err := h.target.Write(data)
	h.totals.ByteCount += int64(n)
	if err == nil && n < len(data) {
		err = io.ErrShortWrite
	}
	if err != nil {
		h.failed = fmt.Errorf("%w: segment %d: %w", ErrWriteFailed, h.desc.Index, err)
		return h.failed
	}
	h.totals.ChunkCount++

	h.unsynced++
	if w.opts.SyncEvery > 0 && h.unsynced >= w.opts.SyncEvery {
		if err := h.target.Sync(); err != nil {
			h.failed = fmt.Errorf("%w: segment %d sync: %w", ErrWriteFailed, h.desc.Index, err)
			return h.failed
		}
		h.unsynced = 0
	}
	return nil
}

// Close flushes and finalizes h. It is idempotent: later calls return the same
// totals and error without touching the destination again.
func (w *Writer) Close(ctx context.Context, h *Handle) (Totals, error) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.closed = true

		var errs []error
		if h.failed == nil {
			if err := h.target.Sync(); err != nil {
				errs = append(errs, fmt.Errorf("sync: %w", err))
			}
		}
		if err := h.target.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close: %w", err))
		}
		if len(errs) > 0 {
			h.closeErr = fmt.Errorf("%w: segment %d: %w", ErrWriteFailed, h.desc.Index, errors.Join(errs...))
		}

		log.Debug("segment destination closed",
			zap.String(logging.KeySessionID, h.desc.SessionID),
			zap.Int(logging.KeySegment, h.desc.Index),
			zap.Int64(logging.KeyBytes, h.totals.ByteCount),
			zap.Int64("chunks", h.totals.ChunkCount))
	})

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totals, h.closeErr
}
