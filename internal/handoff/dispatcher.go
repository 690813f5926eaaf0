package handoff

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/delivery"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/telemetry"
	"github.com/breeze-rmm/recorder/internal/workerpool"
	"github.com/breeze-rmm/recorder/pkg/models"
)

var _ capture.Handoff = (*Dispatcher)(nil)

// DispatcherOptions size the compression worker pool.
type DispatcherOptions struct {
	Workers   int
	QueueSize int
}

type slot struct {
	artifact models.Artifact
	skipped  bool
}

type outItem struct {
	artifact *models.Artifact
	failure  *models.FailureRecord
	finish   bool
}

// Dispatcher implements capture.Handoff. Segments are processed concurrently
// on a worker pool; artifacts reach the sink strictly in index order, and the
// terminal Finish or Fail is delivered after every segment enqueued before it.
// No method blocks on compression or delivery.
type Dispatcher struct {
	proc     *Processor
	pool     *workerpool.Pool
	sink     delivery.Sink
	reporter capture.Reporter

	mu          sync.Mutex
	next        int
	ready       map[int]slot
	outstanding int
	terminal    *outItem
	queue       []outItem

	wake   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
}

// NewDispatcher starts the delivery goroutine and worker pool. reporter may be
// nil.
func NewDispatcher(proc *Processor, sink delivery.Sink, reporter capture.Reporter, opts DispatcherOptions) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 1 {
		opts.QueueSize = 16
	}
	if sink == nil {
		sink = delivery.LogSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		proc:     proc,
		pool:     workerpool.New("compression", opts.Workers, opts.QueueSize),
		sink:     sink,
		reporter: reporter,
		next:     1,
		ready:    make(map[int]slot),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go d.deliverLoop()
	return d
}

// Enqueue schedules compression of seg. When the pool is saturated the raw
// segment is released immediately as degraded.
func (d *Dispatcher) Enqueue(seg models.SegmentInfo) {
	d.mu.Lock()
	d.outstanding++
	d.mu.Unlock()

	ok := d.pool.Submit(func(ctx context.Context) {
		d.complete(seg.Index, d.proc.Process(ctx, seg))
	})
	if !ok {
		d.complete(seg.Index, degrade(rawArtifact(seg), "compression queue full"))
	}
}

// Skip records that index will never be enqueued.
func (d *Dispatcher) Skip(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready[index] = slot{skipped: true}
	d.releaseLocked()
}

// Fail queues rec behind every segment already enqueued.
func (d *Dispatcher) Fail(rec models.FailureRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminal = &outItem{failure: &rec}
	d.releaseLocked()
}

// Finish marks the end of a completed session.
func (d *Dispatcher) Finish() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.terminal = &outItem{finish: true}
	d.releaseLocked()
}

// Done is closed once the terminal item has been handed to the sink.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

// Wait blocks until every artifact and the terminal item were delivered or
// ctx expires.
func (d *Dispatcher) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close drains the worker pool within ctx and stops delivery.
func (d *Dispatcher) Close(ctx context.Context) {
	d.pool.Shutdown(ctx)
	d.cancel()
}

func (d *Dispatcher) complete(index int, a models.Artifact) {
	if a.Degraded {
		log.Warn("compression degraded, delivering raw segment",
			zap.String(logging.KeySessionID, a.SessionID),
			zap.Int(logging.KeySegment, index),
			zap.String("reason", a.DegradedWhy))
		d.report(telemetry.Record{
			Kind:         telemetry.KindCompressionDegraded,
			SessionID:    a.SessionID,
			SegmentIndex: index,
			ErrorKind:    string(capture.KindCompressionDegraded),
			Message:      a.DegradedWhy,
		})
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.outstanding--
	d.ready[index] = slot{artifact: a}
	d.releaseLocked()
}

func (d *Dispatcher) releaseLocked() {
	for {
		s, ok := d.ready[d.next]
		if !ok {
			break
		}
		delete(d.ready, d.next)
		d.next++
		if !s.skipped {
			a := s.artifact
			d.queue = append(d.queue, outItem{artifact: &a})
		}
	}

	if d.terminal != nil && d.outstanding == 0 {
		// Indices left behind a gap belong to segments that were never
		// enqueued; release what finished rather than hold the terminal.
		rest := make([]int, 0, len(d.ready))
		for idx := range d.ready {
			rest = append(rest, idx)
		}
		sort.Ints(rest)
		for _, idx := range rest {
			if s := d.ready[idx]; !s.skipped {
				a := s.artifact
				d.queue = append(d.queue, outItem{artifact: &a})
			}
			delete(d.ready, idx)
		}
		d.queue = append(d.queue, *d.terminal)
		d.terminal = nil
	}

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) deliverLoop() {
	for {
		select {
		case <-d.wake:
		case <-d.ctx.Done():
			return
		}
		for {
			d.mu.Lock()
			if len(d.queue) == 0 {
				d.mu.Unlock()
				break
			}
			item := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()

			if d.deliver(item) {
				close(d.done)
				return
			}
		}
	}
}

// deliver hands one item to the sink and reports whether it was terminal.
func (d *Dispatcher) deliver(item outItem) bool {
	switch {
	case item.artifact != nil:
		a := *item.artifact
		if err := d.sink.Deliver(d.ctx, a); err != nil {
			log.Error("artifact delivery failed",
				zap.String(logging.KeySessionID, a.SessionID),
				zap.Int(logging.KeySegment, a.SegmentIndex),
				zap.Error(err))
			d.report(telemetry.Record{
				Kind:         telemetry.KindSessionError,
				SessionID:    a.SessionID,
				SegmentIndex: a.SegmentIndex,
				ErrorKind:    "delivery_failed",
				Message:      err.Error(),
			})
			return false
		}
		d.report(telemetry.Record{
			Kind:         telemetry.KindArtifactDelivered,
			SessionID:    a.SessionID,
			SegmentIndex: a.SegmentIndex,
			Artifact:     &a,
		})
		return false
	case item.failure != nil:
		if err := d.sink.Fail(d.ctx, *item.failure); err != nil {
			log.Error("failure record delivery failed",
				zap.String(logging.KeySessionID, item.failure.SessionID), zap.Error(err))
		}
		return true
	default:
		return item.finish
	}
}

func (d *Dispatcher) report(rec telemetry.Record) {
	if d.reporter == nil {
		return
	}
	if rec.At.IsZero() {
		rec.At = time.Now()
	}
	d.reporter.Report(rec)
}
