package source

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/capture"
)

const (
	defaultGatherTimeout  = 10 * time.Second
	defaultAcquireTimeout = 2 * time.Minute
)

// IngestOptions configure WebRTC ingest.
type IngestOptions struct {
	ICEServers []string
	// MirrorAudio sends received audio back to the peer so the person
	// sharing keeps hearing it. Needs a sendrecv audio section in the offer.
	MirrorAudio    bool
	GatherTimeout  time.Duration
	AcquireTimeout time.Duration
}

// Ingest accepts WebRTC offers from a browser and hands received tracks to
// capture sessions. It implements capture.StreamAcquirer.
type Ingest struct {
	opts   IngestOptions
	api    *webrtc.API
	tracks chan *TrackStream

	mu    sync.Mutex
	peers map[*webrtc.PeerConnection]struct{}
}

// NewIngest creates an Ingest with the default codec set.
func NewIngest(opts IngestOptions) (*Ingest, error) {
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = defaultGatherTimeout
	}
	if opts.AcquireTimeout <= 0 {
		opts.AcquireTimeout = defaultAcquireTimeout
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}
	return &Ingest{
		opts:   opts,
		api:    webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		tracks: make(chan *TrackStream, 4),
		peers:  make(map[*webrtc.PeerConnection]struct{}),
	}, nil
}

func (g *Ingest) iceServers() []webrtc.ICEServer {
	if len(g.opts.ICEServers) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: g.opts.ICEServers}}
}

// Answer negotiates a receive-only peer connection for offer and returns the
// answer SDP once ICE gathering completes.
func (g *Ingest) Answer(ctx context.Context, offer string) (string, error) {
	peerConn, err := g.api.NewPeerConnection(webrtc.Configuration{ICEServers: g.iceServers()})
	if err != nil {
		return "", fmt.Errorf("failed to create peer connection: %w", err)
	}
	cleanup := func() { g.closePeer(peerConn) }

	var mirror *webrtc.TrackLocalStaticRTP
	if g.opts.MirrorAudio {
		mirror, err = webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", "breeze-recorder-mirror")
		if err != nil {
			cleanup()
			return "", fmt.Errorf("failed to create mirror track: %w", err)
		}
		if _, err := peerConn.AddTrack(mirror); err != nil {
			cleanup()
			return "", fmt.Errorf("failed to add mirror track: %w", err)
		}
	}

	g.mu.Lock()
	g.peers[peerConn] = struct{}{}
	g.mu.Unlock()

	peerConn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		codec := track.Codec()
		cfg := TrackStreamConfig{
			ID:        track.StreamID() + "/" + track.ID(),
			MimeType:  codec.MimeType,
			ClockRate: codec.ClockRate,
			Channels:  codec.Channels,
			Read: func() (*rtp.Packet, error) {
				pkt, _, err := track.ReadRTP()
				return pkt, err
			},
			RequestKeyframe: func() error {
				return peerConn.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			},
			Close: func() error {
				g.closePeer(peerConn)
				return nil
			},
		}
		if mirror != nil && track.Kind() == webrtc.RTPCodecTypeAudio {
			cfg.Mirror = mirror
		}
		log.Info("track received", zap.String("track", cfg.ID), zap.String("codec", codec.MimeType))

		ts := NewTrackStream(cfg)
		select {
		case g.tracks <- ts:
		default:
			log.Warn("no session waiting for track, ignoring", zap.String("track", cfg.ID))
		}
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info("ingest connection state", zap.String("state", state.String()))
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			g.closePeer(peerConn)
		}
	})

	if err := peerConn.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer}); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to set remote description: %w", err)
	}
	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		cleanup()
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		cleanup()
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	timer := time.NewTimer(g.opts.GatherTimeout)
	defer timer.Stop()
	select {
	case <-gatherComplete:
	case <-timer.C:
		cleanup()
		return "", fmt.Errorf("ICE gathering timed out after %s", g.opts.GatherTimeout)
	case <-ctx.Done():
		cleanup()
		return "", ctx.Err()
	}

	ld := peerConn.LocalDescription()
	if ld == nil {
		cleanup()
		return "", errors.New("local description not available")
	}
	return ld.SDP, nil
}

// Acquire waits for a track matching cfg. Audio-only configs take the first
// audio track, video-only the first video track, otherwise any track.
func (g *Ingest) Acquire(ctx context.Context, cfg capture.AcquireConfig) (capture.StreamHandle, error) {
	ctx, cancel := context.WithTimeout(ctx, g.opts.AcquireTimeout)
	defer cancel()
	for {
		select {
		case ts := <-g.tracks:
			if !trackMatches(ts, cfg) {
				log.Info("skipping track of unwanted kind", zap.String("track", ts.ID()), zap.String("codec", ts.MimeType()))
				g.discard(ts)
				continue
			}
			if _, err := ContainerFor(ts.MimeType()); err != nil {
				log.Warn("skipping track", zap.String("track", ts.ID()), zap.Error(err))
				g.discard(ts)
				continue
			}
			return ts, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: no WebRTC track received: %v", capture.ErrSourceUnavailable, ctx.Err())
		}
	}
}

// discard releases a track Acquire will not record, which also ends its pump.
func (g *Ingest) discard(ts *TrackStream) {
	if err := ts.Close(); err != nil {
		log.Debug("failed to close skipped track", zap.String("track", ts.ID()), zap.Error(err))
	}
}

// Offer delivers a track to the next Acquire. It is used by tests and by
// callers that receive tracks through their own signalling.
func (g *Ingest) Offer(ts *TrackStream) bool {
	select {
	case g.tracks <- ts:
		return true
	default:
		return false
	}
}

// Close closes every peer connection.
func (g *Ingest) Close() error {
	g.mu.Lock()
	peers := make([]*webrtc.PeerConnection, 0, len(g.peers))
	for pc := range g.peers {
		peers = append(peers, pc)
	}
	g.mu.Unlock()
	var errs []error
	for _, pc := range peers {
		errs = append(errs, g.closePeer(pc))
	}
	return errors.Join(errs...)
}

func (g *Ingest) closePeer(pc *webrtc.PeerConnection) error {
	g.mu.Lock()
	_, tracked := g.peers[pc]
	delete(g.peers, pc)
	g.mu.Unlock()
	if !tracked && pc.ConnectionState() == webrtc.PeerConnectionStateClosed {
		return nil
	}
	return pc.Close()
}

func trackMatches(ts *TrackStream, cfg capture.AcquireConfig) bool {
	audio := ts.IsAudio()
	video := strings.HasPrefix(strings.ToLower(ts.MimeType()), "video/")
	switch {
	case cfg.Audio && !cfg.Video:
		return audio
	case cfg.Video && !cfg.Audio:
		return video
	default:
		return audio || video
	}
}
