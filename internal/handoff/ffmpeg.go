package handoff

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// ErrTranscoderUnavailable is returned when no ffmpeg binary can be found.
var ErrTranscoderUnavailable = errors.New("ffmpeg not found")

// maxStderrTail bounds the ffmpeg diagnostics kept for error messages.
const maxStderrTail = 4096

// Transcoder runs the second compression stage.
type Transcoder interface {
	IsSupported(p Preset) bool
	Transcode(ctx context.Context, inPath, outPath string, p Preset) error
}

// FFmpegTranscoder shells out to a host ffmpeg binary.
type FFmpegTranscoder struct {
	path string

	once     sync.Once
	encoders map[string]bool
	probeErr error
}

// NewFFmpegTranscoder locates ffmpeg. binary may be a name resolved on PATH or
// an absolute path; empty means "ffmpeg".
func NewFFmpegTranscoder(binary string) (*FFmpegTranscoder, error) {
	if binary == "" {
		binary = "ffmpeg"
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTranscoderUnavailable, err)
	}
	return &FFmpegTranscoder{path: resolved}, nil
}

// Path is the resolved binary.
func (f *FFmpegTranscoder) Path() string { return f.path }

func (f *FFmpegTranscoder) probe() {
	f.once.Do(func() {
		out, err := exec.Command(f.path, "-hide_banner", "-encoders").Output()
		if err != nil {
			f.probeErr = err
			log.Warn("ffmpeg encoder probe failed", zap.String("path", f.path), zap.Error(err))
			return
		}
		f.encoders = parseEncoders(out)
		log.Debug("ffmpeg encoders probed", zap.Int("count", len(f.encoders)))
	})
}

// IsSupported reports whether the host ffmpeg has both encoders p needs.
func (f *FFmpegTranscoder) IsSupported(p Preset) bool {
	f.probe()
	if f.probeErr != nil {
		return false
	}
	return f.encoders[p.VideoCodec] && f.encoders[p.AudioCodec]
}

// Transcode runs ffmpeg and waits for it. Cancelling ctx kills the process.
func (f *FFmpegTranscoder) Transcode(ctx context.Context, inPath, outPath string, p Preset) error {
	cmd := exec.CommandContext(ctx, f.path, p.Args(inPath, outPath)...)
	stderr := &tailWriter{limit: maxStderrTail}
	cmd.Stderr = stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("ffmpeg %s: %w: %s", p.Name, err, strings.TrimSpace(stderr.String()))
	}
	return nil
}

// parseEncoders reads `ffmpeg -encoders` output. Encoder rows start with a
// six-character capability column followed by the encoder name.
func parseEncoders(out []byte) map[string]bool {
	encoders := make(map[string]bool)
	sc := bufio.NewScanner(bytes.NewReader(out))
	inList := false
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		encoders[fields[1]] = true
	}
	return encoders
}

// tailWriter keeps the last limit bytes written to it.
type tailWriter struct {
	limit int
	buf   []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	if over := len(w.buf) - w.limit; over > 0 {
		w.buf = w.buf[over:]
	}
	return len(p), nil
}

func (w *tailWriter) String() string { return string(w.buf) }
