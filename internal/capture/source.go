package capture

import (
	"context"

	"github.com/breeze-rmm/recorder/internal/segwriter"
	"github.com/breeze-rmm/recorder/internal/telemetry"
	"github.com/breeze-rmm/recorder/pkg/models"
)

// StreamHandle is a live media stream granted by the host. One handle is
// acquired per session and shared by every segment's chunk source.
type StreamHandle interface {
	ID() string
	Close() error
}

// StreamAcquirer requests a stream from the host. A denied request returns an
// error; the controller reports it as SourceUnavailable.
type StreamAcquirer interface {
	Acquire(ctx context.Context, cfg AcquireConfig) (StreamHandle, error)
}

// SourceEventType discriminates SourceEvent.
type SourceEventType int

const (
	SourceChunk SourceEventType = iota
	SourceStopped
	SourceError
)

// SourceEvent is emitted by a ChunkSource. Stopped and Error are final.
type SourceEvent struct {
	Type  SourceEventType
	Chunk Chunk
	Err   error
}

// EmitFunc receives source events. It may block while the controller's queue
// is full, which applies backpressure to the source.
type EmitFunc func(SourceEvent)

// ChunkSource encodes a stream into chunks at a fixed cadence.
type ChunkSource interface {
	// Stop asks the source to flush buffered data as a final chunk and then
	// emit SourceStopped. It must not wait for those events to be delivered.
	Stop()
}

// SourceFactory begins a new chunk source on an acquired stream.
type SourceFactory interface {
	Begin(ctx context.Context, stream StreamHandle, params EncodingParams, emit EmitFunc) (ChunkSource, error)
}

// SegmentWriter is the streaming persistence layer. *segwriter.Writer
// implements it.
type SegmentWriter interface {
	Open(ctx context.Context, desc segwriter.Descriptor) (*segwriter.Handle, error)
	Write(ctx context.Context, h *segwriter.Handle, data []byte) error
	Close(ctx context.Context, h *segwriter.Handle) (segwriter.Totals, error)
}

// Handoff receives closed segments. Implementations must not block on
// compression: the capture path never waits for it.
type Handoff interface {
	Enqueue(seg models.SegmentInfo)
	// Skip marks an index that will never be enqueued because its segment failed.
	Skip(index int)
	// Fail delivers the terminal failure record after every enqueued segment.
	Fail(rec models.FailureRecord)
	// Finish signals that the session completed and no more segments follow.
	Finish()
}

// Reporter forwards telemetry records to external listeners.
type Reporter interface {
	Report(rec telemetry.Record)
}

// ResourceGuard reports host exhaustion with an error wrapping ErrResourceExhausted.
type ResourceGuard interface {
	Check(ctx context.Context) error
}

type nopHandoff struct{}

func (nopHandoff) Enqueue(models.SegmentInfo) {}
func (nopHandoff) Skip(int)                   {}
func (nopHandoff) Fail(models.FailureRecord)  {}
func (nopHandoff) Finish()                    {}

type nopReporter struct{}

func (nopReporter) Report(telemetry.Record) {}
