package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/segwriter"
	"github.com/breeze-rmm/recorder/internal/telemetry"
	"github.com/breeze-rmm/recorder/pkg/models"
)

type segStatus string

const (
	segOpen    segStatus = "open"
	segClosing segStatus = "closing"
	segClosed  segStatus = "closed"
	segFailed  segStatus = "failed"
	segAborted segStatus = "aborted"
)

type segment struct {
	index     int
	name      string
	location  string
	status    segStatus
	byteCount int64
	chunks    int64
	openedAt  time.Time
	closedAt  time.Time
	err       error

	handle        *segwriter.Handle
	source        ChunkSource
	sourceDone    bool
	stopRequested bool
	lateChunks    int

	// closeBy is when the writer must be closed whether or not the source
	// has drained. Zero means only DrainTimeout applies.
	closeBy time.Time
}

type eventType int

const (
	evSource eventType = iota
	evPoll
	evOverlap
	evDrain
	evResource
	evStop
)

type event struct {
	typ eventType
	seg int
	src SourceEvent
	err error
}

// Deps are the collaborators a Controller drives. Handoff, Reporter, Guard
// and Clock are optional.
type Deps struct {
	Acquirer StreamAcquirer
	Sources  SourceFactory
	Writer   SegmentWriter
	Handoff  Handoff
	Reporter Reporter
	Guard    ResourceGuard
	Clock    Clock
}

// Controller is the state machine of one capture session. All session and
// segment state is mutated on the goroutine running Run; source callbacks,
// timers and Stop are turned into events on a single queue.
type Controller struct {
	id       string
	settings Settings
	sched    *Scheduler

	clock    Clock
	acquirer StreamAcquirer
	sources  SourceFactory
	writer   SegmentWriter
	handoff  Handoff
	reporter Reporter
	guard    ResourceGuard
	log      *zap.Logger

	events   chan event
	done     chan struct{}
	doneOnce sync.Once
	started  atomic.Bool

	mu          sync.RWMutex
	runCtx      context.Context
	status      Status
	startedAt   time.Time
	endedAt     time.Time
	stream      StreamHandle
	segments    []*segment
	current     *segment
	closing     *segment
	totalBytes  int64
	totalChunks int64
	limitHit    bool
	splitHalted bool
	endReason   string
	err         *Error

	pollTimer     Timer
	resourceTimer Timer
	overlapTimer  Timer
	drainTimers   map[int]Timer
}

// NewController validates settings and wires a session. The settings are
// copied; later changes by the caller do not affect the session.
func NewController(id string, settings Settings, deps Deps) (*Controller, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidSettings)
	}
	if deps.Acquirer == nil || deps.Sources == nil || deps.Writer == nil {
		return nil, errors.New("capture: acquirer, source factory and writer are required")
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	settings = settings.withDefaults()

	c := &Controller{
		id:          id,
		settings:    settings,
		sched:       NewScheduler(settings.Split),
		clock:       deps.Clock,
		acquirer:    deps.Acquirer,
		sources:     deps.Sources,
		writer:      deps.Writer,
		handoff:     deps.Handoff,
		reporter:    deps.Reporter,
		guard:       deps.Guard,
		log:         logging.WithSession(logging.L("capture"), id),
		events:      make(chan event, settings.QueueSize),
		done:        make(chan struct{}),
		status:      StatusIdle,
		drainTimers: make(map[int]Timer),
	}
	if c.clock == nil {
		c.clock = RealClock()
	}
	if c.handoff == nil {
		c.handoff = nopHandoff{}
	}
	if c.reporter == nil {
		c.reporter = nopReporter{}
	}
	return c, nil
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// Settings returns the session's settings snapshot.
func (c *Controller) Settings() Settings { return c.settings }

// Done is closed once the session reaches a terminal state.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Status returns the current lifecycle state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Err returns the error that ended the session, or nil if it completed.
func (c *Controller) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.err == nil {
		return nil
	}
	return c.err
}

// Stop requests a graceful stop. It returns immediately; Run returns once the
// open segments are closed. In-flight compression is not waited for.
func (c *Controller) Stop() {
	c.post(event{typ: evStop})
}

// Run starts the session and processes events until it reaches a terminal
// state. Cancelling ctx aborts the session.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.start(ctx)
	for !c.Status().Terminal() {
		select {
		case ev := <-c.events:
			c.handle(ctx, ev)
		case <-ctx.Done():
			c.abort(ctx)
		}
	}
	return c.Err()
}

func (c *Controller) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Controller) emitter(index int) EmitFunc {
	return func(ev SourceEvent) {
		c.post(event{typ: evSource, seg: index, src: ev})
	}
}

func (c *Controller) start(ctx context.Context) {
	c.mu.Lock()
	c.runCtx = ctx
	c.startedAt = c.clock.Now()
	c.setStatus(StatusRequesting)
	c.mu.Unlock()

	// Acquisition can wait on a remote peer; readers must not block on it.
	stream, err := c.acquirer.Acquire(ctx, c.settings.Acquire)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if ctx.Err() != nil {
			c.terminate(ctx, StatusAborted, &Error{Kind: KindAborted, Op: "acquire stream", Err: ctx.Err()})
			return
		}
		c.terminate(ctx, StatusErrored, &Error{
			Kind: KindSourceUnavailable,
			Op:   "acquire stream",
			Err:  fmt.Errorf("%w: %w", ErrSourceUnavailable, err),
		})
		return
	}
	c.stream = stream
	c.log.Info("stream acquired", zap.String("stream", stream.ID()))

	c.sched.Arm(c.clock.Now())
	seg, cerr := c.openSegment(ctx, 1)
	if cerr != nil {
		c.terminate(ctx, StatusErrored, cerr)
		return
	}
	c.current = seg
	c.setStatus(StatusSegmentOpen)
	c.armPoll()
	c.armResourceCheck()
}

func (c *Controller) handle(ctx context.Context, ev event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.status.Terminal() {
		return
	}
	switch ev.typ {
	case evSource:
		c.onSource(ctx, ev.seg, ev.src)
	case evPoll:
		c.pollTimer = nil
		c.evaluateSplit(ctx, c.clock.Now())
		if c.status == StatusSegmentOpen || c.status == StatusSplitting {
			c.armPoll()
		}
	case evOverlap:
		c.overlapTimer = nil
		if seg := c.segment(ev.seg); seg != nil && seg == c.closing && seg.status == segOpen {
			c.beginClose(ctx, seg)
		}
	case evDrain:
		c.onDrainTimeout(ctx, ev.seg)
	case evResource:
		c.onResource(ctx, ev.err)
	case evStop:
		if c.status == StatusSegmentOpen || c.status == StatusSplitting {
			c.endReason = "stopped"
			c.log.Info("stop requested")
			c.finalize(ctx)
		}
	}
}

func (c *Controller) abort(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.terminate(ctx, StatusAborted, &Error{
		Kind:         KindAborted,
		Op:           "session",
		SegmentIndex: c.currentIndex(),
		Elapsed:      c.elapsed(c.clock.Now()),
		Err:          ctx.Err(),
	})
}

func (c *Controller) segment(index int) *segment {
	if index < 1 || index > len(c.segments) {
		return nil
	}
	return c.segments[index-1]
}

func (c *Controller) currentIndex() int {
	if c.current == nil {
		return 0
	}
	return c.current.index
}

func (c *Controller) elapsed(now time.Time) time.Duration {
	if c.startedAt.IsZero() {
		return 0
	}
	if !c.endedAt.IsZero() {
		now = c.endedAt
	}
	return now.Sub(c.startedAt)
}

// openSegment opens the writer and begins a chunk source for index. On
// failure the segment is recorded as failed so its index stays consumed.
func (c *Controller) openSegment(ctx context.Context, index int) (*segment, *Error) {
	now := c.clock.Now()
	seg := &segment{
		index:    index,
		name:     segwriter.SegmentName(c.settings.FilePrefix, c.startedAt, index, c.settings.Encoding.Container),
		openedAt: now,
	}
	c.segments = append(c.segments, seg)

	h, err := c.writer.Open(ctx, segwriter.Descriptor{SessionID: c.id, Index: index, Name: seg.name})
	if err != nil {
		cerr := &Error{Kind: KindOf(err), Op: "open segment", SegmentIndex: index, Elapsed: c.elapsed(now), Err: err}
		if cerr.Kind == KindSourceFailed {
			cerr.Kind = KindDestinationUnavailable
		}
		c.markEnded(seg, segFailed, cerr)
		return nil, cerr
	}
	seg.handle = h
	seg.location = h.Location()

	src, err := c.sources.Begin(ctx, c.stream, c.settings.Encoding, c.emitter(index))
	if err != nil {
		cerr := &Error{
			Kind:         KindSourceUnavailable,
			Op:           "begin source",
			SegmentIndex: index,
			Elapsed:      c.elapsed(now),
			Err:          fmt.Errorf("%w: %w", ErrSourceUnavailable, err),
		}
		if _, closeErr := c.writer.Close(context.WithoutCancel(ctx), h); closeErr != nil {
			c.log.Warn("failed to close segment after source begin failure", zap.Int(logging.KeySegment, index), zap.Error(closeErr))
		}
		c.markEnded(seg, segFailed, cerr)
		return nil, cerr
	}
	seg.source = src
	seg.status = segOpen

	c.log.Info("segment opened", zap.Int(logging.KeySegment, index), zap.String("location", seg.location))
	c.report(telemetry.Record{Kind: telemetry.KindSegmentOpened, SegmentIndex: index, SegmentStatus: string(segOpen)})
	return seg, nil
}

func (c *Controller) onSource(ctx context.Context, index int, ev SourceEvent) {
	seg := c.segment(index)
	if seg == nil {
		return
	}
	switch ev.Type {
	case SourceChunk:
		c.onChunk(ctx, seg, ev.Chunk)
	case SourceStopped:
		seg.sourceDone = true
		c.onSourceEnded(ctx, seg, nil)
	case SourceError:
		seg.sourceDone = true
		c.onSourceEnded(ctx, seg, ev.Err)
	}
}

func (c *Controller) onChunk(ctx context.Context, seg *segment, chunk Chunk) {
	if seg.status != segOpen && seg.status != segClosing {
		seg.lateChunks++
		c.log.Debug("discarding chunk for ended segment",
			zap.Int(logging.KeySegment, seg.index), zap.Uint64("sequence", chunk.Sequence))
		return
	}

	if err := c.writer.Write(ctx, seg.handle, chunk.Data); err != nil {
		if ctx.Err() != nil {
			return
		}
		c.onWriteFailed(ctx, seg, err)
		return
	}

	totals := seg.handle.Totals()
	seg.byteCount, seg.chunks = totals.ByteCount, totals.ChunkCount
	c.totalBytes += int64(len(chunk.Data))
	c.totalChunks++

	now := c.clock.Now()
	c.report(telemetry.Record{
		Kind:          telemetry.KindChunkWritten,
		SegmentIndex:  seg.index,
		SegmentBytes:  seg.byteCount,
		SegmentChunks: seg.chunks,
	})

	if seg == c.current {
		c.evaluateSplit(ctx, now)
	}
}

func (c *Controller) onSourceEnded(ctx context.Context, seg *segment, srcErr error) {
	switch seg.status {
	case segClosing:
		if srcErr != nil {
			c.reportError(&Error{
				Kind:         KindSourceFailed,
				Op:           "flush source",
				SegmentIndex: seg.index,
				Elapsed:      c.elapsed(c.clock.Now()),
				Err:          srcErr,
			}, false)
		}
		c.finishClose(ctx, seg)

	case segOpen:
		if srcErr != nil {
			c.terminate(ctx, StatusErrored, &Error{
				Kind:         KindSourceFailed,
				Op:           "capture",
				SegmentIndex: seg.index,
				Elapsed:      c.elapsed(c.clock.Now()),
				Err:          srcErr,
			})
			return
		}
		if seg == c.closing {
			c.beginClose(ctx, seg)
			return
		}
		c.log.Info("chunk source ended", zap.Int(logging.KeySegment, seg.index))
		c.endReason = "source ended"
		c.finalize(ctx)
	}
}

// evaluateSplit consults the scheduler for the current segment. It only acts
// once per poll interval.
func (c *Controller) evaluateSplit(ctx context.Context, now time.Time) {
	if c.status != StatusSegmentOpen || c.current == nil || !c.sched.Enabled() {
		return
	}
	if !c.sched.Due(now) {
		return
	}

	state := SegmentState{Index: c.current.index, OpenedAt: c.current.openedAt, ByteCount: c.current.byteCount}
	if c.splitHalted {
		if c.settings.Split.OnLimit == OnLimitStop && c.sched.ShouldSplit(state, now) {
			c.endReason = "split limit reached"
			c.finalize(ctx)
		}
		return
	}
	if !c.sched.ShouldPrepare(state, now) {
		return
	}

	next, err := c.sched.NextSegmentIndex(len(c.segments))
	if err != nil {
		c.splitHalted = true
		c.reportLimit(err)
		if c.settings.Split.OnLimit == OnLimitStop && c.sched.ShouldSplit(state, now) {
			c.endReason = "split limit reached"
			c.finalize(ctx)
		}
		return
	}
	c.split(ctx, next)
}

// split opens segment next while the current one keeps accepting chunks. The
// old segment is closed no later than the end of the overlap window.
func (c *Controller) split(ctx context.Context, next int) {
	old := c.current
	c.setStatus(StatusSplitting)
	c.log.Info("split decided", zap.Int(logging.KeySegment, old.index), zap.Int("next", next))
	c.report(telemetry.Record{Kind: telemetry.KindSplitDecided, SegmentIndex: old.index, NextIndex: next})

	seg, cerr := c.openSegment(ctx, next)
	if cerr != nil {
		if ctx.Err() != nil {
			return
		}
		c.reportError(cerr, false)
		c.log.Warn("next segment failed to open, current segment continues",
			zap.Int(logging.KeySegment, old.index), zap.Error(cerr))
		c.setStatus(StatusSegmentOpen)
		return
	}

	c.current = seg
	c.closing = old

	// The old writer must be closed by the end of the overlap window. Its
	// source is stopped early enough to leave room for the final flush.
	window := c.sched.OverlapWindow()
	old.closeBy = seg.openedAt.Add(window)
	lead := window - c.flushReserve(window)
	if lead <= 0 {
		c.beginClose(ctx, old)
		return
	}
	oldIndex := old.index
	c.overlapTimer = c.clock.AfterFunc(lead, func() {
		c.post(event{typ: evOverlap, seg: oldIndex})
	})
}

// flushReserve is the part of the overlap window kept for a stopped source's
// final chunk: one chunk interval, capped by DrainTimeout and the window.
func (c *Controller) flushReserve(window time.Duration) time.Duration {
	reserve := c.settings.DrainTimeout
	if ci := c.settings.Encoding.ChunkInterval; ci > 0 && ci < reserve {
		reserve = ci
	}
	return min(reserve, window)
}

// beginClose stops the segment's source. The writer is closed when the final
// chunk has drained or at the earlier of DrainTimeout and closeBy. Chunks
// arriving after that are discarded.
func (c *Controller) beginClose(ctx context.Context, seg *segment) {
	if seg.status != segOpen {
		return
	}
	seg.status = segClosing
	if seg.sourceDone {
		c.finishClose(ctx, seg)
		return
	}
	seg.stopRequested = true
	seg.source.Stop()

	wait := c.settings.DrainTimeout
	if !seg.closeBy.IsZero() {
		wait = min(wait, seg.closeBy.Sub(c.clock.Now()))
	}
	if wait <= 0 {
		c.finishClose(ctx, seg)
		return
	}
	index := seg.index
	c.drainTimers[index] = c.clock.AfterFunc(wait, func() {
		c.post(event{typ: evDrain, seg: index})
	})
}

func (c *Controller) onDrainTimeout(ctx context.Context, index int) {
	delete(c.drainTimers, index)
	seg := c.segment(index)
	if seg == nil || seg.status != segClosing {
		return
	}
	c.log.Warn("chunk source did not flush before its close deadline",
		zap.Int(logging.KeySegment, index), zap.Duration("drainTimeout", c.settings.DrainTimeout))
	c.finishClose(ctx, seg)
}

func (c *Controller) stopDrainTimer(index int) {
	if t, ok := c.drainTimers[index]; ok {
		t.Stop()
		delete(c.drainTimers, index)
	}
}

func (c *Controller) finishClose(ctx context.Context, seg *segment) {
	c.stopDrainTimer(seg.index)

	totals, err := c.writer.Close(ctx, seg.handle)
	seg.byteCount, seg.chunks = totals.ByteCount, totals.ChunkCount
	if seg == c.closing {
		c.closing = nil
	}

	if err != nil {
		cerr := &Error{Kind: KindWriteFailed, Op: "close segment", SegmentIndex: seg.index, Elapsed: c.elapsed(c.clock.Now()), Err: err}
		c.markEnded(seg, segFailed, cerr)
		if !c.settings.ContinueOnWriteFailure {
			c.terminate(ctx, StatusErrored, cerr)
			return
		}
		c.reportError(cerr, false)
	} else {
		c.markEnded(seg, segClosed, nil)
		c.handoff.Enqueue(c.info(seg))
	}

	if c.status == StatusSplitting && c.closing == nil {
		c.setStatus(StatusSegmentOpen)
	}
	c.maybeComplete(ctx)
}

// markEnded sets closedAt exactly once and reports the segment's outcome.
// Segments that will never reach the handoff are skipped there.
func (c *Controller) markEnded(seg *segment, status segStatus, cerr *Error) {
	seg.status = status
	seg.closedAt = c.clock.Now()
	if cerr != nil {
		seg.err = cerr
	}

	rec := telemetry.Record{
		Kind:          telemetry.KindSegmentClosed,
		SegmentIndex:  seg.index,
		SegmentStatus: string(status),
		SegmentBytes:  seg.byteCount,
		SegmentChunks: seg.chunks,
	}
	if cerr != nil {
		rec.ErrorKind = string(cerr.Kind)
		rec.Message = cerr.Error()
	}
	c.report(rec)

	fields := []zap.Field{
		zap.Int(logging.KeySegment, seg.index),
		zap.String("status", string(status)),
		zap.Int64(logging.KeyBytes, seg.byteCount),
		zap.Int64(logging.KeyDurationMs, seg.closedAt.Sub(seg.openedAt).Milliseconds()),
	}
	if seg.lateChunks > 0 {
		fields = append(fields, zap.Int("lateChunks", seg.lateChunks))
	}
	if status == segClosed {
		c.log.Info("segment closed", fields...)
	} else {
		c.log.Warn("segment ended without completing", append(fields, zap.Error(cerr))...)
	}

	if status != segClosed {
		c.handoff.Skip(seg.index)
	}
}

func (c *Controller) onWriteFailed(ctx context.Context, seg *segment, err error) {
	cerr := &Error{Kind: KindWriteFailed, Op: "write chunk", SegmentIndex: seg.index, Elapsed: c.elapsed(c.clock.Now()), Err: err}
	if !c.settings.ContinueOnWriteFailure {
		c.terminate(ctx, StatusErrored, cerr)
		return
	}

	c.reportError(cerr, false)
	c.abandon(ctx, seg, segFailed, cerr)

	if seg == c.closing {
		c.closing = nil
		if c.status == StatusSplitting {
			c.setStatus(StatusSegmentOpen)
		}
		c.maybeComplete(ctx)
		return
	}
	if seg != c.current {
		return
	}
	if c.status == StatusFinalizing {
		c.maybeComplete(ctx)
		return
	}

	next, lerr := c.sched.NextSegmentIndex(len(c.segments))
	if lerr != nil {
		c.reportLimit(lerr)
		c.current = nil
		c.endReason = "split limit reached"
		c.finalize(ctx)
		return
	}
	replacement, oerr := c.openSegment(ctx, next)
	if oerr != nil {
		c.terminate(ctx, StatusErrored, oerr)
		return
	}
	c.current = replacement
}

// abandon stops a segment's source and closes its writer without handing the
// segment off. Close errors are logged, not returned.
func (c *Controller) abandon(ctx context.Context, seg *segment, status segStatus, cerr *Error) {
	c.stopDrainTimer(seg.index)
	if seg.source != nil && !seg.sourceDone && !seg.stopRequested {
		seg.stopRequested = true
		seg.source.Stop()
	}
	if seg.handle != nil {
		totals, err := c.writer.Close(ctx, seg.handle)
		seg.byteCount, seg.chunks = totals.ByteCount, totals.ChunkCount
		if err != nil {
			c.log.Warn("best-effort segment close failed", zap.Int(logging.KeySegment, seg.index), zap.Error(err))
		}
	}
	c.markEnded(seg, status, cerr)
}

func (c *Controller) onResource(ctx context.Context, err error) {
	if c.status != StatusSegmentOpen && c.status != StatusSplitting {
		return
	}
	if err == nil {
		c.armResourceCheck()
		return
	}
	cerr := &Error{
		Kind:         KindResourceExhausted,
		Op:           "resource check",
		SegmentIndex: c.currentIndex(),
		Elapsed:      c.elapsed(c.clock.Now()),
		Err:          err,
	}
	c.reportError(cerr, false)
	c.endReason = "resources exhausted"
	c.finalize(ctx)
}

func (c *Controller) finalize(ctx context.Context) {
	if c.status != StatusSegmentOpen && c.status != StatusSplitting {
		return
	}
	c.setStatus(StatusFinalizing)
	c.stopTimers()
	for _, seg := range c.segments {
		if seg.status == segOpen {
			c.beginClose(ctx, seg)
		}
	}
	c.maybeComplete(ctx)
}

func (c *Controller) maybeComplete(ctx context.Context) {
	if c.status != StatusFinalizing {
		return
	}
	for _, seg := range c.segments {
		if seg.status == segOpen || seg.status == segClosing {
			return
		}
	}

	c.current = nil
	c.endedAt = c.clock.Now()
	c.closeStream()
	c.setStatus(StatusCompleted)

	stats := c.statsLocked(c.endedAt)
	c.report(telemetry.Record{Kind: telemetry.KindSessionCompleted, Message: c.endReason, Stats: &stats})
	c.log.Info("session completed",
		zap.String("reason", c.endReason),
		zap.Int("segments", stats.SegmentCount),
		zap.Int64(logging.KeyBytes, stats.TotalBytes),
		zap.Int64(logging.KeyDurationMs, stats.Duration.Milliseconds()))

	c.handoff.Finish()
	c.finish()
}

// terminate moves the session to Errored or Aborted. Open segments are closed
// best-effort and the delivery side receives a failure record listing what
// was salvaged.
func (c *Controller) terminate(ctx context.Context, status Status, cerr *Error) {
	if c.status.Terminal() {
		return
	}
	closeCtx := context.WithoutCancel(ctx)
	c.stopTimers()
	c.err = cerr

	for _, seg := range c.segments {
		if seg.status == segOpen || seg.status == segClosing {
			c.abandon(closeCtx, seg, segAborted, cerr)
		}
	}
	c.current, c.closing = nil, nil
	c.endedAt = c.clock.Now()
	c.closeStream()
	c.setStatus(status)
	c.reportError(cerr, true)

	rec := models.FailureRecord{
		SessionID:    c.id,
		Kind:         string(cerr.Kind),
		Message:      cerr.Error(),
		SegmentIndex: cerr.SegmentIndex,
		Elapsed:      cerr.Elapsed,
		At:           c.endedAt,
	}
	for _, seg := range c.segments {
		switch {
		case seg.status == segClosed:
			rec.Completed = append(rec.Completed, c.info(seg))
		case seg.status == segAborted && seg.handle != nil:
			rec.Partial = append(rec.Partial, c.info(seg))
		}
	}
	c.handoff.Fail(rec)
	c.finish()
}

func (c *Controller) finish() {
	c.doneOnce.Do(func() { close(c.done) })
}

func (c *Controller) closeStream() {
	if c.stream == nil {
		return
	}
	if err := c.stream.Close(); err != nil {
		c.log.Warn("failed to release stream", zap.Error(err))
	}
	c.stream = nil
}

func (c *Controller) stopTimers() {
	for _, t := range []*Timer{&c.pollTimer, &c.resourceTimer, &c.overlapTimer} {
		if *t != nil {
			(*t).Stop()
			*t = nil
		}
	}
}

func (c *Controller) armPoll() {
	if !c.sched.Enabled() {
		return
	}
	c.pollTimer = c.clock.AfterFunc(c.sched.Policy().PollInterval, func() {
		c.post(event{typ: evPoll})
	})
}

func (c *Controller) armResourceCheck() {
	if c.guard == nil || c.settings.ResourceCheckInterval <= 0 {
		return
	}
	ctx := c.runCtx
	c.resourceTimer = c.clock.AfterFunc(c.settings.ResourceCheckInterval, func() {
		c.post(event{typ: evResource, err: c.guard.Check(ctx)})
	})
}

func (c *Controller) setStatus(s Status) {
	if c.status == s {
		return
	}
	prev := c.status
	c.status = s
	c.log.Debug("status changed", zap.String("from", string(prev)), zap.String("to", string(s)))
	c.report(telemetry.Record{Kind: telemetry.KindStatusChanged, Message: string(prev)})
}

func (c *Controller) reportLimit(err error) {
	if c.limitHit {
		return
	}
	c.limitHit = true
	c.log.Info("split limit reached", zap.Int("maxSegments", c.settings.Split.MaxSegments),
		zap.String("onLimit", string(c.settings.Split.OnLimit)))
	c.report(telemetry.Record{
		Kind:         telemetry.KindSplitLimitReached,
		SegmentIndex: c.currentIndex(),
		ErrorKind:    string(KindSplitLimitReached),
		Message:      err.Error(),
	})
}

func (c *Controller) reportError(cerr *Error, fatal bool) {
	if fatal {
		c.log.Error("session failed", zap.String("kind", string(cerr.Kind)), zap.Error(cerr))
	} else {
		c.log.Warn("session error", zap.String("kind", string(cerr.Kind)), zap.Error(cerr))
	}
	c.report(telemetry.Record{
		Kind:         telemetry.KindSessionError,
		SegmentIndex: cerr.SegmentIndex,
		ErrorKind:    string(cerr.Kind),
		Message:      cerr.Error(),
		Fatal:        fatal,
	})
}

// report fills the session-wide fields of rec and forwards it.
func (c *Controller) report(rec telemetry.Record) {
	now := c.clock.Now()
	rec.SessionID = c.id
	rec.At = now
	rec.Elapsed = c.elapsed(now)
	rec.Status = string(c.status)
	rec.TotalBytes = c.totalBytes
	rec.TotalChunks = c.totalChunks
	rec.AvgBitrate = telemetry.Bitrate(c.totalBytes, rec.Elapsed)
	c.reporter.Report(rec)
}

func (c *Controller) info(seg *segment) models.SegmentInfo {
	return models.SegmentInfo{
		SessionID:  c.id,
		Index:      seg.index,
		Location:   seg.location,
		Container:  c.settings.Encoding.Container,
		ByteCount:  seg.byteCount,
		ChunkCount: seg.chunks,
		OpenedAt:   seg.openedAt,
		ClosedAt:   seg.closedAt,
	}
}

// Snapshot returns split statistics for the session so far.
func (c *Controller) Snapshot() models.SessionStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.statsLocked(c.clock.Now())
}

func (c *Controller) statsLocked(now time.Time) models.SessionStats {
	st := models.SessionStats{
		SessionID:     c.id,
		Status:        string(c.status),
		StartedAt:     c.startedAt,
		Duration:      c.elapsed(now),
		CurrentIndex:  c.currentIndex(),
		SplitLimitHit: c.limitHit,
		Segments:      make([]models.SegmentStats, 0, len(c.segments)),
	}
	var closedBytes int64
	for _, seg := range c.segments {
		end := seg.closedAt
		if end.IsZero() {
			end = now
		}
		st.Segments = append(st.Segments, models.SegmentStats{
			Index:      seg.index,
			Status:     string(seg.status),
			ByteCount:  seg.byteCount,
			ChunkCount: seg.chunks,
			Duration:   end.Sub(seg.openedAt),
			Location:   seg.location,
		})
		st.TotalBytes += seg.byteCount
		st.TotalChunks += seg.chunks
		if seg.status == segClosed {
			st.SegmentCount++
			closedBytes += seg.byteCount
		}
	}
	if st.SegmentCount > 0 {
		st.AverageSize = closedBytes / int64(st.SegmentCount)
	}
	return st
}
