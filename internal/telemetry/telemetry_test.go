package telemetry

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type collect struct{ got []Record }

func (c *collect) OnRecord(rec Record) { c.got = append(c.got, rec) }

func TestReporterDropsDuplicateProgress(t *testing.T) {
	sink := &collect{}
	r := NewReporter(Options{}, sink)
	t0 := time.Unix(0, 0)

	r.Report(Record{Kind: KindChunkWritten, SessionID: "s", At: t0, SegmentIndex: 1, SegmentBytes: 10, TotalBytes: 10})
	r.Report(Record{Kind: KindChunkWritten, SessionID: "s", At: t0.Add(time.Second), SegmentIndex: 1, SegmentBytes: 10, TotalBytes: 10})
	r.Report(Record{Kind: KindChunkWritten, SessionID: "s", At: t0.Add(2 * time.Second), SegmentIndex: 1, SegmentBytes: 20, TotalBytes: 20})

	require.Len(t, sink.got, 2)
	require.Equal(t, int64(20), sink.got[1].TotalBytes)
}

func TestReporterThrottlesByInterval(t *testing.T) {
	sink := &collect{}
	r := NewReporter(Options{MinInterval: time.Second}, sink)
	t0 := time.Unix(0, 0)

	for i := 0; i < 10; i++ {
		r.Report(Record{
			Kind:         KindChunkWritten,
			SessionID:    "s",
			At:           t0.Add(time.Duration(i) * 250 * time.Millisecond),
			SegmentIndex: 1,
			TotalBytes:   int64(i + 1),
			SegmentBytes: int64(i + 1),
		})
	}
	require.Len(t, sink.got, 3, "records at 0s, 1s and 2s pass")

	// A new segment is never throttled against the previous one.
	r.Report(Record{Kind: KindChunkWritten, SessionID: "s", At: t0.Add(2300 * time.Millisecond), SegmentIndex: 2, TotalBytes: 11})
	require.Len(t, sink.got, 4)
}

func TestReporterNeverThrottlesLifecycleRecords(t *testing.T) {
	sink := &collect{}
	r := NewReporter(Options{MinInterval: time.Hour}, sink)
	for i := 0; i < 3; i++ {
		r.Report(Record{Kind: KindSegmentClosed, SessionID: "s", SegmentIndex: 1})
	}
	r.Report(Record{Kind: KindSessionCompleted, SessionID: "s"})
	require.Len(t, sink.got, 4)
	require.Empty(t, r.last)
}

func TestUnsubscribe(t *testing.T) {
	a, b := &collect{}, &collect{}
	r := NewReporter(Options{}, a)
	unsubscribe := r.Subscribe(b)

	r.Report(Record{Kind: KindSplitDecided})
	unsubscribe()
	r.Report(Record{Kind: KindSplitDecided})

	require.Len(t, a.got, 2)
	require.Len(t, b.got, 1)
}

func TestFormatDurationAndBitrate(t *testing.T) {
	require.Equal(t, "00:00:00", FormatDuration(-time.Second))
	require.Equal(t, "00:15:00", FormatDuration(15*time.Minute))
	require.Equal(t, "01:01:01", FormatDuration(time.Hour+time.Minute+time.Second+400*time.Millisecond))

	require.Equal(t, 0.0, Bitrate(100, 0))
	require.InDelta(t, 2_000_000.0, Bitrate(250_000, time.Second), 0.001)

	rec := Record{TotalBytes: 3 * 1024 * 1024, Elapsed: 90 * time.Second}
	require.Equal(t, "00:01:30", rec.ElapsedLabel())
	require.InDelta(t, 3.0, rec.TotalMB(), 0.0001)
}

func TestWSHubStreamsRecords(t *testing.T) {
	hub := NewWSHub(nil)
	srv := httptest.NewServer(hub)
	defer srv.Close()
	defer hub.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)

	hub.OnRecord(Record{Kind: KindSegmentClosed, SessionID: "s", SegmentIndex: 3})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got Record
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, KindSegmentClosed, got.Kind)
	require.Equal(t, 3, got.SegmentIndex)
}
