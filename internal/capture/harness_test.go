package capture

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/recorder/internal/segwriter"
	"github.com/breeze-rmm/recorder/internal/telemetry"
	"github.com/breeze-rmm/recorder/pkg/models"
)

const testChunkSize = 1000

// fakeClock fires AfterFunc callbacks synchronously from Advance.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

// Advance moves time forward, firing due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		c.now = next.at
		c.mu.Unlock()
		next.f()
	}
}

type fakeStream struct {
	closed bool
}

func (s *fakeStream) ID() string { return "stream-1" }

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

type fakeAcquirer struct {
	stream *fakeStream
	err    error
}

func (a *fakeAcquirer) Acquire(context.Context, AcquireConfig) (StreamHandle, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.stream, nil
}

type fakeSource struct {
	emit      EmitFunc
	clock     Clock
	seq       uint64
	flush     int
	hang      bool
	stopCalls int
	ended     bool
}

func (s *fakeSource) live() bool { return s.stopCalls == 0 && !s.ended }

func (s *fakeSource) chunk(n int) {
	s.seq++
	s.emit(SourceEvent{Type: SourceChunk, Chunk: Chunk{
		Sequence:   s.seq,
		Data:       bytes.Repeat([]byte{byte(s.seq)}, n),
		ProducedAt: s.clock.Now(),
	}})
}

func (s *fakeSource) Stop() {
	s.stopCalls++
	if s.hang || s.ended {
		return
	}
	if s.flush > 0 {
		s.chunk(s.flush)
	}
	s.ended = true
	s.emit(SourceEvent{Type: SourceStopped})
}

func (s *fakeSource) fail(err error) {
	s.ended = true
	s.emit(SourceEvent{Type: SourceError, Err: err})
}

func (s *fakeSource) endOnItsOwn() {
	s.ended = true
	s.emit(SourceEvent{Type: SourceStopped})
}

type fakeSources struct {
	clock   Clock
	flush   int
	hang    bool
	err     error
	sources []*fakeSource
}

func (f *fakeSources) Begin(_ context.Context, _ StreamHandle, _ EncodingParams, emit EmitFunc) (ChunkSource, error) {
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSource{emit: emit, clock: f.clock, flush: f.flush, hang: f.hang}
	f.sources = append(f.sources, s)
	return s, nil
}

func (f *fakeSources) last() *fakeSource { return f.sources[len(f.sources)-1] }

type memTarget struct {
	name       string
	buf        bytes.Buffer
	failWrites bool
	closed     bool
}

func (m *memTarget) Write(p []byte) (int, error) {
	if m.failWrites {
		return 0, errors.New("injected i/o error")
	}
	return m.buf.Write(p)
}

func (m *memTarget) Sync() error { return nil }

func (m *memTarget) Close() error {
	m.closed = true
	return nil
}

type memDestination struct {
	targets []*memTarget
	openErr func(name string) error
}

func (d *memDestination) Create(_ context.Context, name string) (segwriter.Target, string, error) {
	if d.openErr != nil {
		if err := d.openErr(name); err != nil {
			return nil, "", err
		}
	}
	t := &memTarget{name: name}
	d.targets = append(d.targets, t)
	return t, "mem://" + name, nil
}

type fakeHandoff struct {
	enqueued []models.SegmentInfo
	skipped  []int
	failures []models.FailureRecord
	finished bool
}

func (h *fakeHandoff) Enqueue(seg models.SegmentInfo) { h.enqueued = append(h.enqueued, seg) }
func (h *fakeHandoff) Skip(index int)                 { h.skipped = append(h.skipped, index) }
func (h *fakeHandoff) Fail(rec models.FailureRecord)  { h.failures = append(h.failures, rec) }
func (h *fakeHandoff) Finish()                        { h.finished = true }

type recorder struct {
	records []telemetry.Record
}

func (r *recorder) Report(rec telemetry.Record) { r.records = append(r.records, rec) }

func (r *recorder) count(kind telemetry.Kind) int {
	n := 0
	for _, rec := range r.records {
		if rec.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recorder) of(kind telemetry.Kind) []telemetry.Record {
	var out []telemetry.Record
	for _, rec := range r.records {
		if rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out
}

func (r *recorder) sawStatus(s Status) bool {
	for _, rec := range r.records {
		if rec.Kind == telemetry.KindStatusChanged && rec.Status == string(s) {
			return true
		}
	}
	return false
}

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *fakeClock
	stream  *fakeStream
	acq     *fakeAcquirer
	dest    *memDestination
	sources *fakeSources
	handoff *fakeHandoff
	rec     *recorder
	ctrl    *Controller
}

func newHarness(t *testing.T, settings Settings, opts ...func(*harness, *Deps)) *harness {
	t.Helper()
	clock := newFakeClock()
	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		stream:  &fakeStream{},
		dest:    &memDestination{},
		sources: &fakeSources{clock: clock, flush: 100},
		handoff: &fakeHandoff{},
		rec:     &recorder{},
	}
	h.acq = &fakeAcquirer{stream: h.stream}
	if settings.QueueSize == 0 {
		settings.QueueSize = 4096
	}

	deps := Deps{
		Acquirer: h.acq,
		Sources:  h.sources,
		Writer:   segwriter.New(h.dest, segwriter.Options{}),
		Handoff:  h.handoff,
		Reporter: h.rec,
		Clock:    clock,
	}
	for _, opt := range opts {
		opt(h, &deps)
	}

	ctrl, err := NewController("sess-test", settings, deps)
	require.NoError(t, err)
	h.ctrl = ctrl
	return h
}

func (h *harness) start() {
	h.ctrl.started.Store(true)
	h.ctrl.start(h.ctx)
	h.drain()
}

// drain handles every queued event, including ones queued while handling.
func (h *harness) drain() {
	for {
		select {
		case ev := <-h.ctrl.events:
			h.ctrl.handle(h.ctx, ev)
		default:
			return
		}
	}
}

// run simulates seconds of capture at a one-second chunk cadence. Every live
// source emits a chunk at each tick, so overlapping segments both receive data.
func (h *harness) run(seconds int) {
	for i := 0; i < seconds; i++ {
		for _, s := range h.sources.sources {
			if s.live() {
				s.chunk(testChunkSize)
			}
		}
		h.drain()
		h.clock.Advance(time.Second)
		h.drain()
	}
}

func (h *harness) stop() {
	h.ctrl.Stop()
	h.drain()
}

func (h *harness) elapsed() time.Duration {
	return h.clock.Now().Sub(h.ctrl.startedAt)
}

func (h *harness) at(ts time.Time) time.Duration {
	return ts.Sub(h.ctrl.startedAt)
}

func timeSplit(interval, overlap time.Duration, max int, onLimit LimitAction) Settings {
	return Settings{
		Encoding: EncodingParams{Container: "webm", ChunkInterval: time.Second},
		Split: SplitPolicy{
			Enabled:      true,
			Mode:         SplitByTime,
			TimeInterval: interval,
			Overlap:      overlap,
			MaxSegments:  max,
			OnLimit:      onLimit,
			PollInterval: 5 * time.Second,
		},
		FilePrefix: "nanocap-split",
	}
}
