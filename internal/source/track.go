package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/capture"
)

// subscriberBuffer is the per-segment packet backlog before packets are dropped.
const subscriberBuffer = 512

// PacketReader returns the next RTP packet of a track.
type PacketReader func() (*rtp.Packet, error)

// RTPWriter receives a copy of every packet read, for mirroring.
type RTPWriter interface {
	WriteRTP(p *rtp.Packet) error
}

// TrackStreamConfig describes one received track.
type TrackStreamConfig struct {
	ID        string
	MimeType  string
	ClockRate uint32
	Channels  uint16
	Read      PacketReader
	// RequestKeyframe asks the sender for a keyframe so a new segment file
	// starts decodable. Optional.
	RequestKeyframe func() error
	// Mirror, when set, is sent every packet. Optional.
	Mirror RTPWriter
	// Close releases the transport the track came from. Optional.
	Close func() error
}

// TrackStream is a capture.StreamHandle for a WebRTC track. One reader pump
// fans packets out to every segment currently recording it, so consecutive
// segments can overlap.
type TrackStream struct {
	cfg TrackStreamConfig

	mu     sync.Mutex
	subs   map[int]chan *rtp.Packet
	nextID int
	err    error
	ended  bool

	closeOnce sync.Once
	dropped   uint64
}

// NewTrackStream starts pumping packets from cfg.Read.
func NewTrackStream(cfg TrackStreamConfig) *TrackStream {
	if cfg.ClockRate == 0 {
		cfg.ClockRate = 48000
	}
	if cfg.Channels == 0 {
		cfg.Channels = 2
	}
	s := &TrackStream{cfg: cfg, subs: make(map[int]chan *rtp.Packet)}
	go s.pump()
	return s
}

func (s *TrackStream) ID() string { return s.cfg.ID }

// MimeType is the negotiated codec.
func (s *TrackStream) MimeType() string { return s.cfg.MimeType }

// IsAudio reports whether the track carries audio.
func (s *TrackStream) IsAudio() bool {
	return strings.HasPrefix(strings.ToLower(s.cfg.MimeType), "audio/")
}

// Close releases the underlying transport. The pump stops once the reader
// fails.
func (s *TrackStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.cfg.Close != nil {
			err = s.cfg.Close()
		}
	})
	return err
}

// Err is the error that ended the track, io.EOF for a normal end.
func (s *TrackStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *TrackStream) pump() {
	for {
		pkt, err := s.cfg.Read()
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.ended = true
			for id, ch := range s.subs {
				close(ch)
				delete(s.subs, id)
			}
			s.mu.Unlock()
			log.Debug("track ended", zap.String("track", s.cfg.ID), zap.Error(err))
			return
		}
		if s.cfg.Mirror != nil {
			if err := s.cfg.Mirror.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				log.Debug("mirror write failed", zap.String("track", s.cfg.ID), zap.Error(err))
			}
		}

		s.mu.Lock()
		for _, ch := range s.subs {
			select {
			case ch <- pkt:
			default:
				s.dropped++
				if s.dropped%100 == 1 {
					log.Warn("segment writer behind, dropping packets",
						zap.String("track", s.cfg.ID), zap.Uint64("dropped", s.dropped))
				}
			}
		}
		s.mu.Unlock()
	}
}

func (s *TrackStream) subscribe() (int, <-chan *rtp.Packet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return 0, nil, fmt.Errorf("%w: track %s ended: %v", capture.ErrSourceUnavailable, s.cfg.ID, s.err)
	}
	id := s.nextID
	s.nextID++
	ch := make(chan *rtp.Packet, subscriberBuffer)
	s.subs[id] = ch
	return id, ch, nil
}

func (s *TrackStream) unsubscribe(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		close(ch)
		delete(s.subs, id)
	}
}

// TrackSources records TrackStream handles into Ogg (Opus) or IVF (VP8).
type TrackSources struct{}

type rtpContainer interface {
	WriteRTP(p *rtp.Packet) error
	Close() error
}

// ContainerFor returns the file container a track codec is recorded into.
func ContainerFor(mimeType string) (string, error) {
	switch {
	case strings.EqualFold(mimeType, webrtc.MimeTypeOpus):
		return "ogg", nil
	case strings.EqualFold(mimeType, webrtc.MimeTypeVP8):
		return "ivf", nil
	default:
		return "", fmt.Errorf("unsupported track codec %q", mimeType)
	}
}

// Begin subscribes a new container writer to the track.
func (TrackSources) Begin(ctx context.Context, stream capture.StreamHandle, params capture.EncodingParams, emit capture.EmitFunc) (capture.ChunkSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ts, ok := stream.(*TrackStream)
	if !ok {
		return nil, fmt.Errorf("track source cannot read stream %s", stream.ID())
	}

	buf := &bytes.Buffer{}
	var (
		w   rtpContainer
		err error
	)
	container, err := ContainerFor(ts.cfg.MimeType)
	if err != nil {
		return nil, err
	}
	switch container {
	case "ogg":
		w, err = oggwriter.NewWith(buf, ts.cfg.ClockRate, ts.cfg.Channels)
	case "ivf":
		w, err = ivfwriter.NewWith(buf)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s writer: %w", container, err)
	}

	id, packets, err := ts.subscribe()
	if err != nil {
		return nil, err
	}
	if !ts.IsAudio() && ts.cfg.RequestKeyframe != nil {
		if err := ts.cfg.RequestKeyframe(); err != nil {
			log.Debug("keyframe request failed", zap.String("track", ts.cfg.ID), zap.Error(err))
		}
	}

	interval := params.ChunkInterval
	if interval <= 0 {
		interval = defaultChunkInterval
	}
	src := &trackSource{
		stream:   ts,
		subID:    id,
		packets:  packets,
		w:        w,
		buf:      buf,
		emit:     emit,
		interval: interval,
		stop:     make(chan struct{}),
	}
	go src.run()
	return src, nil
}

type trackSource struct {
	stream   *TrackStream
	subID    int
	packets  <-chan *rtp.Packet
	w        rtpContainer
	buf      *bytes.Buffer
	emit     capture.EmitFunc
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	seq      uint64
}

func (t *trackSource) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *trackSource) run() {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case pkt, ok := <-t.packets:
			if !ok {
				t.end(t.stream.Err())
				return
			}
			if err := t.w.WriteRTP(pkt); err != nil {
				t.stream.unsubscribe(t.subID)
				t.flush()
				t.emit(capture.SourceEvent{Type: capture.SourceError, Err: fmt.Errorf("write rtp: %w", err)})
				return
			}
		case <-ticker.C:
			t.flush()
		case <-t.stop:
			t.stream.unsubscribe(t.subID)
			t.end(nil)
			return
		}
	}
}

// end finalizes the container, emits what is left and reports how the
// source ended. A track that ended with io.EOF counts as a normal stop.
func (t *trackSource) end(cause error) {
	if err := t.w.Close(); err != nil {
		log.Debug("container close failed", zap.Error(err))
	}
	t.flush()
	if cause == nil || errors.Is(cause, io.EOF) {
		t.emit(capture.SourceEvent{Type: capture.SourceStopped})
		return
	}
	t.emit(capture.SourceEvent{Type: capture.SourceError, Err: fmt.Errorf("track %s: %w", t.stream.cfg.ID, cause)})
}

func (t *trackSource) flush() {
	if t.buf.Len() == 0 {
		return
	}
	data := make([]byte, t.buf.Len())
	copy(data, t.buf.Bytes())
	t.buf.Reset()
	t.seq++
	t.emit(capture.SourceEvent{
		Type:  capture.SourceChunk,
		Chunk: capture.Chunk{Sequence: t.seq, Data: data, ProducedAt: time.Now()},
	})
}
