// Package source provides chunk sources for the capture controller: an
// ffmpeg process encoding a device or URL, and WebRTC tracks received from a
// browser.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/logging"
)

var log = logging.L("source")

const (
	defaultChunkInterval = time.Second
	// stopGrace is how long ffmpeg gets to finish after "q" before it is killed.
	stopGrace  = 10 * time.Second
	readBuffer = 32 * 1024
)

type commandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// FFmpegAcquirer validates that ffmpeg can read the configured input. Each
// segment's source runs its own ffmpeg process on the same input.
type FFmpegAcquirer struct {
	Binary string
}

// Acquire resolves the ffmpeg binary and returns a handle describing the input.
func (a *FFmpegAcquirer) Acquire(ctx context.Context, cfg capture.AcquireConfig) (capture.StreamHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Input == "" {
		return nil, fmt.Errorf("%w: no capture input configured", capture.ErrSourceUnavailable)
	}
	binary := a.Binary
	if binary == "" {
		binary = "ffmpeg"
	}
	path, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", capture.ErrSourceUnavailable, err)
	}
	return &InputStream{binary: path, cfg: cfg}, nil
}

// InputStream is an ffmpeg input: a device, file or network URL.
type InputStream struct {
	binary string
	cfg    capture.AcquireConfig
	closed atomic.Bool
}

func (s *InputStream) ID() string {
	if s.cfg.Format != "" {
		return s.cfg.Format + ":" + s.cfg.Input
	}
	return s.cfg.Input
}

func (s *InputStream) Close() error {
	s.closed.Store(true)
	return nil
}

// FFmpegSources starts one ffmpeg process per segment.
type FFmpegSources struct {
	command commandFunc
}

// NewFFmpegSources returns a SourceFactory for InputStream handles.
func NewFFmpegSources() *FFmpegSources {
	return &FFmpegSources{command: exec.CommandContext}
}

// Begin starts ffmpeg encoding the input to stdout and emits whatever it
// produced every ChunkInterval.
func (f *FFmpegSources) Begin(ctx context.Context, stream capture.StreamHandle, params capture.EncodingParams, emit capture.EmitFunc) (capture.ChunkSource, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	in, ok := stream.(*InputStream)
	if !ok {
		return nil, fmt.Errorf("ffmpeg source cannot read stream %s", stream.ID())
	}
	if in.closed.Load() {
		return nil, fmt.Errorf("%w: stream %s is closed", capture.ErrSourceUnavailable, in.ID())
	}

	// The process must outlive the Begin call; Stop and Kill end it.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := f.command(procCtx, in.binary, buildArgs(in.cfg, params)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = &limitedBuffer{buf: stderr, limit: 4096}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", capture.ErrSourceUnavailable, err)
	}

	interval := params.ChunkInterval
	if interval <= 0 {
		interval = defaultChunkInterval
	}
	s := &ffmpegSource{
		cmd:      cmd,
		stdin:    stdin,
		stderr:   stderr,
		emit:     emit,
		interval: interval,
		cancel:   cancel,
	}
	log.Debug("ffmpeg source started", zap.String("stream", in.ID()), zap.Int("pid", cmd.Process.Pid))
	go s.run(stdout)
	return s, nil
}

type ffmpegSource struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	stderr   *bytes.Buffer
	emit     capture.EmitFunc
	interval time.Duration
	cancel   context.CancelFunc

	stopOnce sync.Once
	stopping atomic.Bool
	seq      uint64
}

// Stop asks ffmpeg to finish the container and exit.
func (s *ffmpegSource) Stop() {
	s.stopOnce.Do(func() {
		s.stopping.Store(true)
		if _, err := io.WriteString(s.stdin, "q\n"); err != nil {
			log.Debug("ffmpeg stdin closed before stop", zap.Error(err))
		}
		_ = s.stdin.Close()
		time.AfterFunc(stopGrace, s.cancel)
	})
}

func (s *ffmpegSource) run(stdout io.Reader) {
	pieces := make(chan []byte, 16)
	go func() {
		defer close(pieces)
		for {
			buf := make([]byte, readBuffer)
			n, err := stdout.Read(buf)
			if n > 0 {
				pieces <- buf[:n]
			}
			if err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	var pending []byte
	for {
		select {
		case p, ok := <-pieces:
			if !ok {
				s.flush(pending)
				s.finish()
				return
			}
			pending = append(pending, p...)
		case <-ticker.C:
			s.flush(pending)
			pending = nil
		}
	}
}

func (s *ffmpegSource) flush(data []byte) {
	if len(data) == 0 {
		return
	}
	s.seq++
	s.emit(capture.SourceEvent{
		Type:  capture.SourceChunk,
		Chunk: capture.Chunk{Sequence: s.seq, Data: data, ProducedAt: time.Now()},
	})
}

func (s *ffmpegSource) finish() {
	err := s.cmd.Wait()
	s.cancel()
	if err == nil || s.stopping.Load() {
		s.emit(capture.SourceEvent{Type: capture.SourceStopped})
		return
	}
	var exitErr *exec.ExitError
	msg := err.Error()
	if errors.As(err, &exitErr) {
		msg = "ffmpeg exited with code " + strconv.Itoa(exitErr.ExitCode())
	}
	s.emit(capture.SourceEvent{
		Type: capture.SourceError,
		Err:  fmt.Errorf("%s: %s", msg, lastLine(s.stderr.String())),
	})
}

// buildArgs encodes the input to the chosen container on stdout.
func buildArgs(in capture.AcquireConfig, p capture.EncodingParams) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if in.Format != "" {
		args = append(args, "-f", in.Format)
	}
	args = append(args, "-i", in.Input)

	container := p.Container
	if container == "" {
		container = "webm"
	}
	videoCodec, audioCodec := "libvpx-vp9", "libopus"
	if container == "mp4" {
		videoCodec, audioCodec = "libx264", "aac"
	}

	if p.Video {
		args = append(args, "-c:v", videoCodec)
		if p.VideoBitrate > 0 {
			args = append(args, "-b:v", strconv.Itoa(p.VideoBitrate))
		}
		if videoCodec == "libvpx-vp9" {
			args = append(args, "-deadline", "realtime", "-cpu-used", "8")
		}
	} else {
		args = append(args, "-vn")
	}
	if p.Audio {
		args = append(args, "-c:a", audioCodec)
		if p.AudioBitrate > 0 {
			args = append(args, "-b:a", strconv.Itoa(p.AudioBitrate))
		}
	} else {
		args = append(args, "-an")
	}

	if container == "mp4" {
		args = append(args, "-movflags", "frag_keyframe+empty_moov+default_base_moof")
	}
	return append(args, "-f", container, "pipe:1")
}

type limitedBuffer struct {
	buf   *bytes.Buffer
	limit int
	mu    sync.Mutex
}

func (w *limitedBuffer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.limit - w.buf.Len(); room > 0 {
		if len(p) > room {
			w.buf.Write(p[:room])
		} else {
			w.buf.Write(p)
		}
	}
	return len(p), nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
