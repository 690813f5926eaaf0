package capture

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/recorder/internal/segwriter"
	"github.com/breeze-rmm/recorder/internal/telemetry"
)

func requireContiguous(t *testing.T, h *harness) {
	t.Helper()
	closed := h.rec.of(telemetry.KindSegmentClosed)
	require.Len(t, closed, len(h.ctrl.segments), "one segmentClosed per segment")
	seen := make(map[int]bool)
	for _, rec := range closed {
		require.False(t, seen[rec.SegmentIndex], "segment %d closed twice", rec.SegmentIndex)
		seen[rec.SegmentIndex] = true
	}
	for i := 1; i <= len(closed); i++ {
		require.True(t, seen[i], "missing segment %d", i)
	}
}

func TestTimeSplitProducesContiguousSegmentsOnSchedule(t *testing.T) {
	h := newHarness(t, timeSplit(60*time.Second, 0, 0, ""))
	h.start()
	require.Equal(t, StatusSegmentOpen, h.ctrl.Status())

	h.run(200)
	h.stop()

	require.Equal(t, StatusCompleted, h.ctrl.Status())
	require.NoError(t, h.ctrl.Err())
	requireContiguous(t, h)
	require.Len(t, h.handoff.enqueued, 4)
	require.True(t, h.handoff.finished)
	require.True(t, h.stream.closed)

	poll := 5 * time.Second
	for _, seg := range h.handoff.enqueued[:3] {
		d := seg.Duration()
		require.GreaterOrEqual(t, d, 60*time.Second, "segment %d", seg.Index)
		require.LessOrEqual(t, d, 60*time.Second+poll, "segment %d", seg.Index)
	}
	for i, seg := range h.handoff.enqueued {
		require.Equal(t, i+1, seg.Index, "handoff order follows index")
		require.True(t, strings.HasSuffix(seg.Location, "-part"+string(rune('1'+i))+".webm"), seg.Location)
	}

	completed := h.rec.of(telemetry.KindSessionCompleted)
	require.Len(t, completed, 1)
	require.Equal(t, 4, completed[0].Stats.SegmentCount)
	require.Equal(t, "stopped", completed[0].Message)
}

func TestAutoSplitLosesNoData(t *testing.T) {
	continuous := func(split bool) int64 {
		settings := timeSplit(30*time.Second, 0, 0, "")
		settings.Split.Enabled = split
		h := newHarness(t, settings)
		h.sources.flush = 0
		h.start()
		h.run(125)
		h.stop()
		require.Equal(t, StatusCompleted, h.ctrl.Status())

		var total int64
		for _, target := range h.dest.targets {
			total += int64(target.buf.Len())
		}
		if split {
			require.Greater(t, len(h.dest.targets), 1)
		}
		return total
	}

	single := continuous(false)
	split := continuous(true)
	require.Equal(t, int64(125*testChunkSize), single)
	require.InDelta(t, single, split, testChunkSize)
}

func TestOverlapWindowIsBounded(t *testing.T) {
	overlap := 3 * time.Second
	h := newHarness(t, timeSplit(30*time.Second, overlap, 0, ""))
	h.start()
	h.run(100)
	h.stop()

	segs := h.handoff.enqueued
	require.GreaterOrEqual(t, len(segs), 3)
	for i := 0; i+1 < len(segs); i++ {
		window := segs[i].ClosedAt.Sub(segs[i+1].OpenedAt)
		require.GreaterOrEqual(t, window, time.Duration(0), "no gap between %d and %d", i+1, i+2)
		require.LessOrEqual(t, window, overlap, "overlap between %d and %d", i+1, i+2)
	}

	// Both segments received chunks during the overlap. The old source is
	// stopped one chunk interval before the window ends and flushes at once.
	first := segs[0]
	require.Greater(t, first.ChunkCount, int64(30))
	require.Equal(t, 32*time.Second, first.Duration())
}

func TestHangingSourceDoesNotStretchOverlap(t *testing.T) {
	for _, overlap := range []time.Duration{0, 3 * time.Second} {
		t.Run(overlap.String(), func(t *testing.T) {
			h := newHarness(t, timeSplit(30*time.Second, overlap, 0, ""))
			h.sources.hang = true
			h.start()
			h.run(70)
			h.stop()

			require.Equal(t, StatusFinalizing, h.ctrl.Status())
			h.clock.Advance(DefaultDrainTimeout)
			h.drain()
			require.Equal(t, StatusCompleted, h.ctrl.Status())

			segs := h.handoff.enqueued
			require.Len(t, segs, 3)
			for i := 0; i+1 < len(segs); i++ {
				window := segs[i].ClosedAt.Sub(segs[i+1].OpenedAt)
				require.Equal(t, overlap, window, "writers of %d and %d open together", i+1, i+2)
			}
			for _, src := range h.sources.sources {
				require.Equal(t, 1, src.stopCalls)
			}
			requireContiguous(t, h)
		})
	}
}

func TestZeroOverlapDiscardsFlushAfterCut(t *testing.T) {
	h := newHarness(t, timeSplit(30*time.Second, 0, 0, ""))
	h.start()
	h.run(40)
	h.stop()

	require.Equal(t, StatusCompleted, h.ctrl.Status())
	first := h.ctrl.segments[0]
	require.Equal(t, 1, first.lateChunks)
	require.Equal(t, int64(30*testChunkSize), first.byteCount)
}

func TestSizeSplitUsesWrittenBytes(t *testing.T) {
	settings := timeSplit(0, 0, 0, "")
	settings.Split.Mode = SplitBySize
	settings.Split.SizeLimitBytes = 10 * testChunkSize
	h := newHarness(t, settings)
	h.start()
	h.run(45)
	h.stop()

	require.GreaterOrEqual(t, len(h.handoff.enqueued), 3)
	for _, seg := range h.handoff.enqueued[:len(h.handoff.enqueued)-1] {
		require.GreaterOrEqual(t, seg.ByteCount, int64(10*testChunkSize), "segment %d", seg.Index)
		require.Less(t, seg.ByteCount, int64(16*testChunkSize), "segment %d", seg.Index)
	}
}

func TestMaxSegmentsFinalizesWithoutFurtherSplit(t *testing.T) {
	h := newHarness(t, timeSplit(10*time.Second, 0, 3, OnLimitStop))
	h.start()
	h.run(100)

	require.Equal(t, StatusCompleted, h.ctrl.Status())
	require.True(t, h.rec.sawStatus(StatusFinalizing))
	require.Equal(t, 3, h.rec.count(telemetry.KindSegmentClosed))
	require.Len(t, h.dest.targets, 3, "no fourth segment was opened")
	require.Equal(t, 1, h.rec.count(telemetry.KindSplitLimitReached))

	stats := h.ctrl.Snapshot()
	require.True(t, stats.SplitLimitHit)
	require.Equal(t, 3, stats.SegmentCount)
}

func TestExampleScenarioContinuesLastSegmentUntilStop(t *testing.T) {
	h := newHarness(t, timeSplit(900*time.Second, 3*time.Second, 2, OnLimitContinue))
	h.start()
	h.run(2000)

	require.Equal(t, StatusSegmentOpen, h.ctrl.Status())
	require.Equal(t, 1, h.rec.count(telemetry.KindSplitLimitReached))

	h.stop()
	require.Equal(t, StatusCompleted, h.ctrl.Status())
	require.True(t, h.rec.sawStatus(StatusFinalizing))
	require.Len(t, h.dest.targets, 2, "no third split")
	require.Len(t, h.handoff.enqueued, 2)
	require.Equal(t, 1, h.rec.count(telemetry.KindSplitLimitReached))

	poll := 5 * time.Second
	first, second := h.handoff.enqueued[0], h.handoff.enqueued[1]
	require.InDelta(t, float64(900*time.Second), float64(first.Duration()), float64(poll))
	require.InDelta(t, float64(897*time.Second), float64(h.at(second.OpenedAt)), float64(poll))
	require.Equal(t, 2000*time.Second, h.at(second.ClosedAt))
}

func TestExampleScenarioStopsAtLimit(t *testing.T) {
	h := newHarness(t, timeSplit(900*time.Second, 3*time.Second, 2, OnLimitStop))
	h.start()
	h.run(2000)

	require.Equal(t, StatusCompleted, h.ctrl.Status())
	require.Len(t, h.handoff.enqueued, 2)
	require.Equal(t, 1, h.rec.count(telemetry.KindSplitLimitReached))

	second := h.handoff.enqueued[1]
	require.InDelta(t, float64(900*time.Second), float64(second.Duration()), float64(5*time.Second))
	require.Equal(t, "split limit reached", h.rec.of(telemetry.KindSessionCompleted)[0].Message)
}

func TestDestinationUnavailableOnSplitConsumesIndex(t *testing.T) {
	h := newHarness(t, timeSplit(20*time.Second, 0, 0, ""))
	denied := false
	h.dest.openErr = func(name string) error {
		if strings.Contains(name, "-part2.") && !denied {
			denied = true
			return errors.New("save dialog dismissed")
		}
		return nil
	}
	h.start()
	h.run(50)
	h.stop()

	require.Equal(t, StatusCompleted, h.ctrl.Status())
	requireContiguous(t, h)
	require.Equal(t, []int{2}, h.handoff.skipped)

	var indices []int
	for _, seg := range h.handoff.enqueued {
		indices = append(indices, seg.Index)
	}
	require.Equal(t, []int{1, 3, 4}, indices)

	errs := h.rec.of(telemetry.KindSessionError)
	require.NotEmpty(t, errs)
	require.Equal(t, string(KindDestinationUnavailable), errs[0].ErrorKind)
	require.False(t, errs[0].Fatal)
}

func TestFirstSegmentDestinationFailureErrors(t *testing.T) {
	h := newHarness(t, timeSplit(20*time.Second, 0, 0, ""))
	h.dest.openErr = func(string) error { return errors.New("read-only volume") }
	h.start()

	require.Equal(t, StatusErrored, h.ctrl.Status())
	require.Equal(t, KindDestinationUnavailable, KindOf(h.ctrl.Err()))
	require.ErrorIs(t, h.ctrl.Err(), segwriter.ErrDestinationUnavailable)
	require.Len(t, h.handoff.failures, 1)
	requireContiguous(t, h)
}

func TestSourceUnavailableErrorsSession(t *testing.T) {
	h := newHarness(t, timeSplit(20*time.Second, 0, 0, ""))
	h.acq.err = errors.New("permission denied")
	h.start()

	require.Equal(t, StatusErrored, h.ctrl.Status())
	require.ErrorIs(t, h.ctrl.Err(), ErrSourceUnavailable)
	require.Equal(t, KindSourceUnavailable, KindOf(h.ctrl.Err()))
	require.Len(t, h.handoff.failures, 1)
	require.Empty(t, h.handoff.failures[0].Completed)
	require.Empty(t, h.dest.targets)
}

func TestWriteFailureErrorsAndReportsSalvagedSegments(t *testing.T) {
	h := newHarness(t, timeSplit(10*time.Second, 0, 0, ""))
	h.start()
	h.run(25)

	h.dest.targets[len(h.dest.targets)-1].failWrites = true
	h.run(1)

	require.Equal(t, StatusErrored, h.ctrl.Status())
	require.Equal(t, KindWriteFailed, KindOf(h.ctrl.Err()))
	require.ErrorIs(t, h.ctrl.Err(), segwriter.ErrWriteFailed)

	require.Len(t, h.handoff.failures, 1)
	rec := h.handoff.failures[0]
	require.Equal(t, string(KindWriteFailed), rec.Kind)
	require.Equal(t, 3, rec.SegmentIndex)
	require.Len(t, rec.Completed, 2)
	require.Equal(t, 1, rec.Completed[0].Index)
	require.Equal(t, 2, rec.Completed[1].Index)
	require.Len(t, rec.Partial, 1)
	require.Equal(t, 3, rec.Partial[0].Index)
	requireContiguous(t, h)

	fatal := h.rec.of(telemetry.KindSessionError)
	require.True(t, fatal[len(fatal)-1].Fatal)
	for _, s := range h.sources.sources {
		require.False(t, s.live(), "sources are stopped on error")
	}
}

func TestContinueOnWriteFailureRollsToNewSegment(t *testing.T) {
	settings := timeSplit(10*time.Second, 0, 0, "")
	settings.ContinueOnWriteFailure = true
	h := newHarness(t, settings)
	h.start()
	h.run(25)

	h.dest.targets[len(h.dest.targets)-1].failWrites = true
	h.run(3)
	require.Equal(t, StatusSegmentOpen, h.ctrl.Status())
	require.Equal(t, 4, h.ctrl.Snapshot().CurrentIndex)

	h.stop()
	require.Equal(t, StatusCompleted, h.ctrl.Status())
	require.Equal(t, []int{3}, h.handoff.skipped)
	requireContiguous(t, h)
}

func TestSourceErrorErrorsSession(t *testing.T) {
	h := newHarness(t, timeSplit(10*time.Second, 0, 0, ""))
	h.start()
	h.run(15)

	h.sources.last().fail(errors.New("encoder crashed"))
	h.drain()

	require.Equal(t, StatusErrored, h.ctrl.Status())
	require.Equal(t, KindSourceFailed, KindOf(h.ctrl.Err()))
	require.Len(t, h.handoff.failures[0].Completed, 1)
}

func TestSourceEndingOnItsOwnCompletes(t *testing.T) {
	h := newHarness(t, timeSplit(10*time.Second, 0, 0, ""))
	h.start()
	h.run(5)

	h.sources.last().endOnItsOwn()
	h.drain()

	require.Equal(t, StatusCompleted, h.ctrl.Status())
	require.Len(t, h.handoff.enqueued, 1)
	require.Equal(t, "source ended", h.rec.of(telemetry.KindSessionCompleted)[0].Message)
}

func TestDrainTimeoutClosesUnresponsiveSource(t *testing.T) {
	settings := timeSplit(60*time.Second, 0, 0, "")
	settings.DrainTimeout = 2 * time.Second
	h := newHarness(t, settings)
	h.sources.hang = true
	h.start()
	h.run(10)
	h.stop()

	require.Equal(t, StatusFinalizing, h.ctrl.Status())
	require.Empty(t, h.handoff.enqueued)

	h.clock.Advance(2 * time.Second)
	h.drain()
	require.Equal(t, StatusCompleted, h.ctrl.Status())
	require.Len(t, h.handoff.enqueued, 1)
	require.Equal(t, 12*time.Second, h.handoff.enqueued[0].Duration())
	require.Equal(t, 1, h.sources.sources[0].stopCalls)
}

type fakeGuard struct {
	failAfter int
	calls     int
}

func (g *fakeGuard) Check(context.Context) error {
	g.calls++
	if g.calls > g.failAfter {
		return ErrResourceExhausted
	}
	return nil
}

func TestResourceExhaustionFinalizesGracefully(t *testing.T) {
	guard := &fakeGuard{failAfter: 2}
	settings := timeSplit(60*time.Second, 0, 0, "")
	settings.ResourceCheckInterval = 10 * time.Second
	h := newHarness(t, settings, func(_ *harness, d *Deps) { d.Guard = guard })
	h.start()
	h.run(40)

	require.Equal(t, StatusCompleted, h.ctrl.Status())
	require.NoError(t, h.ctrl.Err())
	require.Len(t, h.handoff.enqueued, 1)
	require.Equal(t, 30*time.Second, h.handoff.enqueued[0].Duration())

	errs := h.rec.of(telemetry.KindSessionError)
	require.Len(t, errs, 1)
	require.Equal(t, string(KindResourceExhausted), errs[0].ErrorKind)
	require.False(t, errs[0].Fatal)
}

func TestRunAbortsOnContextCancel(t *testing.T) {
	h := newHarness(t, timeSplit(60*time.Second, 0, 0, ""))
	ctx, cancel := context.WithCancel(context.Background())

	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Run(ctx) }()

	require.Eventually(t, func() bool { return h.ctrl.Status() == StatusSegmentOpen }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		var cerr *Error
		require.ErrorAs(t, err, &cerr)
		require.Equal(t, KindAborted, cerr.Kind)
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.Equal(t, StatusAborted, h.ctrl.Status())
	<-h.ctrl.Done()
	require.Len(t, h.handoff.failures, 1)
	require.Equal(t, string(KindAborted), h.handoff.failures[0].Kind)
	require.Len(t, h.handoff.failures[0].Partial, 1)

	require.ErrorIs(t, h.ctrl.Run(context.Background()), ErrAlreadyStarted)
}

func TestRunCompletesOnStop(t *testing.T) {
	h := newHarness(t, timeSplit(60*time.Second, 0, 0, ""))
	errc := make(chan error, 1)
	go func() { errc <- h.ctrl.Run(context.Background()) }()

	h.ctrl.Stop()
	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	require.Equal(t, StatusCompleted, h.ctrl.Status())
}

func TestNewControllerRejectsInvalidSettings(t *testing.T) {
	settings := timeSplit(10*time.Second, 10*time.Second, 0, "")
	_, err := NewController("s", settings, Deps{Acquirer: &fakeAcquirer{}, Sources: &fakeSources{}, Writer: segwriter.New(&memDestination{}, segwriter.Options{})})
	require.ErrorIs(t, err, ErrInvalidSettings)
}
