package telemetry

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/logging"
)

// Listener receives records. OnRecord is called synchronously on the
// reporting goroutine and must not block.
type Listener interface {
	OnRecord(rec Record)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Record)

func (f ListenerFunc) OnRecord(rec Record) { f(rec) }

// Options tune chunkWritten throttling.
type Options struct {
	// MinInterval drops chunkWritten records for the same segment that arrive
	// sooner than this after the last one sent.
	MinInterval time.Duration
}

// Reporter relays records to listeners. Its only state is the last
// chunkWritten record sent per session, used to drop duplicates.
type Reporter struct {
	opts Options

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	last      map[string]Record
}

// NewReporter creates a Reporter with the given listeners attached.
func NewReporter(opts Options, listeners ...Listener) *Reporter {
	r := &Reporter{
		opts:      opts,
		listeners: make(map[int]Listener),
		last:      make(map[string]Record),
	}
	for _, l := range listeners {
		r.Subscribe(l)
	}
	return r
}

// Subscribe attaches l and returns a function that detaches it.
func (r *Reporter) Subscribe(l Listener) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

// Report forwards rec to every listener unless it is a low-value duplicate.
func (r *Reporter) Report(rec Record) {
	r.mu.Lock()
	if rec.Kind == KindChunkWritten {
		if prev, ok := r.last[rec.SessionID]; ok && r.duplicate(prev, rec) {
			r.mu.Unlock()
			return
		}
		r.last[rec.SessionID] = rec
	}
	if rec.Kind == KindSessionCompleted || (rec.Kind == KindSessionError && rec.Fatal) {
		delete(r.last, rec.SessionID)
	}
	listeners := make([]Listener, 0, len(r.listeners))
	for _, l := range r.listeners {
		listeners = append(listeners, l)
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l.OnRecord(rec)
	}
}

func (r *Reporter) duplicate(prev, rec Record) bool {
	if prev.SegmentIndex != rec.SegmentIndex {
		return false
	}
	if prev.TotalBytes == rec.TotalBytes && prev.SegmentBytes == rec.SegmentBytes {
		return true
	}
	return r.opts.MinInterval > 0 && rec.At.Sub(prev.At) < r.opts.MinInterval
}

// LogListener writes records to a zap logger. chunkWritten progress is logged
// at debug level.
type LogListener struct {
	log *zap.Logger
}

// NewLogListener returns a listener logging under the telemetry component.
func NewLogListener() *LogListener {
	return &LogListener{log: logging.L("telemetry")}
}

func (l *LogListener) OnRecord(rec Record) {
	fields := []zap.Field{
		zap.String(logging.KeySessionID, rec.SessionID),
		zap.String("kind", string(rec.Kind)),
		zap.String("elapsed", rec.ElapsedLabel()),
		zap.Int64("totalBytes", rec.TotalBytes),
	}
	if rec.SegmentIndex > 0 {
		fields = append(fields, zap.Int(logging.KeySegment, rec.SegmentIndex))
	}
	if rec.ErrorKind != "" {
		fields = append(fields, zap.String("errorKind", rec.ErrorKind), zap.String("message", rec.Message))
	}

	switch rec.Kind {
	case KindChunkWritten, KindStatusChanged:
		l.log.Debug("progress", append(fields,
			zap.Int64("totalChunks", rec.TotalChunks),
			zap.Float64("totalMB", rec.TotalMB()),
			zap.Float64("avgBitrate", rec.AvgBitrate))...)
	case KindSessionError:
		if rec.Fatal {
			l.log.Error("session event", fields...)
		} else {
			l.log.Warn("session event", fields...)
		}
	case KindCompressionDegraded:
		l.log.Warn("session event", fields...)
	default:
		l.log.Info("session event", fields...)
	}
}
