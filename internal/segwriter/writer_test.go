package segwriter

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	mu       sync.Mutex
	buf      bytes.Buffer
	syncs    int
	closes   int
	writeErr error
}

func (f *fakeTarget) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	return f.buf.Write(p)
}

func (f *fakeTarget) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return nil
}

func (f *fakeTarget) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

type fakeDestination struct {
	target  *fakeTarget
	err     error
	block   chan struct{}
	removed chan string
}

func (d *fakeDestination) Create(ctx context.Context, name string) (Target, string, error) {
	if d.block != nil {
		<-d.block
	}
	if d.err != nil {
		return nil, "", d.err
	}
	return d.target, "mem://" + name, nil
}

func (d *fakeDestination) Remove(location string) error {
	if d.removed != nil {
		d.removed <- location
	}
	return nil
}

func TestWriteAppendsInOrder(t *testing.T) {
	target := &fakeTarget{}
	w := New(&fakeDestination{target: target}, Options{})
	ctx := context.Background()

	h, err := w.Open(ctx, Descriptor{SessionID: "s", Index: 1, Name: "a.webm"})
	require.NoError(t, err)
	require.Equal(t, "mem://a.webm", h.Location())

	for _, chunk := range []string{"one,", "two,", "three"} {
		require.NoError(t, w.Write(ctx, h, []byte(chunk)))
	}

	totals, err := w.Close(ctx, h)
	require.NoError(t, err)
	require.Equal(t, "one,two,three", target.buf.String())
	require.Equal(t, Totals{ByteCount: 13, ChunkCount: 3}, totals)
}

func TestCloseIsIdempotent(t *testing.T) {
	target := &fakeTarget{}
	w := New(&fakeDestination{target: target}, Options{})
	ctx := context.Background()

	h, err := w.Open(ctx, Descriptor{Index: 1, Name: "a"})
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, h, []byte("abc")))

	first, err := w.Close(ctx, h)
	require.NoError(t, err)
	second, err := w.Close(ctx, h)
	require.NoError(t, err)

	require.Equal(t, first, second)
	require.Equal(t, 1, target.syncs, "second close must not flush again")
	require.Equal(t, 1, target.closes)
}

func TestWriteAfterCloseIsRejected(t *testing.T) {
	w := New(&fakeDestination{target: &fakeTarget{}}, Options{})
	ctx := context.Background()

	h, err := w.Open(ctx, Descriptor{Index: 4, Name: "a"})
	require.NoError(t, err)
	_, err = w.Close(ctx, h)
	require.NoError(t, err)

	err = w.Write(ctx, h, []byte("late"))
	require.ErrorIs(t, err, ErrHandleClosed)
	require.Equal(t, int64(0), h.Totals().ChunkCount)
}

func TestWriteFailurePoisonsHandle(t *testing.T) {
	target := &fakeTarget{}
	w := New(&fakeDestination{target: target}, Options{})
	ctx := context.Background()

	h, err := w.Open(ctx, Descriptor{Index: 2, Name: "a"})
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, h, []byte("ok")))

	target.writeErr = errors.New("disk full")
	err = w.Write(ctx, h, []byte("boom"))
	require.ErrorIs(t, err, ErrWriteFailed)

	target.writeErr = nil
	err = w.Write(ctx, h, []byte("again"))
	require.ErrorIs(t, err, ErrWriteFailed, "a failed handle cannot be retried")

	totals, err := w.Close(ctx, h)
	require.NoError(t, err)
	require.Equal(t, Totals{ByteCount: 2, ChunkCount: 1}, totals)
	require.Equal(t, 0, target.syncs, "failed handles are closed without a flush")
}

func TestSyncEvery(t *testing.T) {
	target := &fakeTarget{}
	w := New(&fakeDestination{target: target}, Options{SyncEvery: 2})
	ctx := context.Background()

	h, err := w.Open(ctx, Descriptor{Index: 1, Name: "a"})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Write(ctx, h, []byte("x")))
	}
	require.Equal(t, 2, target.syncs)
}

func TestOpenDeniedIsDestinationUnavailable(t *testing.T) {
	w := New(&fakeDestination{err: errors.New("dialog dismissed")}, Options{})

	_, err := w.Open(context.Background(), Descriptor{Index: 3, Name: "a"})
	require.ErrorIs(t, err, ErrDestinationUnavailable)
	require.Contains(t, err.Error(), "segment 3")
}

func TestOpenTimeoutDiscardsLateTarget(t *testing.T) {
	block := make(chan struct{})
	removed := make(chan string, 1)
	target := &fakeTarget{}
	w := New(&fakeDestination{target: target, block: block, removed: removed}, Options{OpenTimeout: 20 * time.Millisecond})

	_, err := w.Open(context.Background(), Descriptor{Index: 1, Name: "slow"})
	require.ErrorIs(t, err, ErrOpenTimeout)

	close(block)
	select {
	case loc := <-removed:
		require.Equal(t, "mem://slow", loc)
	case <-time.After(2 * time.Second):
		t.Fatal("late target was not removed")
	}
	require.Equal(t, 1, target.closes)
}

func TestDirDestinationStreamsToFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	w := New(NewDirDestination(dir), Options{SyncEvery: 1})
	ctx := context.Background()

	name := SegmentName("nanocap-split", time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC), 2, "webm")
	require.Equal(t, "nanocap-split-2024-05-01T12-30-00Z-part2.webm", name)

	h, err := w.Open(ctx, Descriptor{Index: 2, Name: name})
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, h, []byte("hello ")))
	require.NoError(t, w.Write(ctx, h, []byte("world")))
	_, err = w.Close(ctx, h)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(data))

	_, err = w.Open(ctx, Descriptor{Index: 2, Name: name})
	require.ErrorIs(t, err, ErrDestinationUnavailable, "existing segments are never overwritten")
}

func TestDirDestinationRejectsTraversal(t *testing.T) {
	d := NewDirDestination(t.TempDir())
	_, _, err := d.Create(context.Background(), "../escape.webm")
	require.ErrorIs(t, err, ErrDestinationUnavailable)
}
