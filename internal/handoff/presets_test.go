package handoff

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	assert.Equal(t, []string{"ultra-compress", "presentation", "balanced", "high-quality", "av1-ultra"}, table.Names())

	av1, err := table.Get("av1-ultra")
	require.NoError(t, err)
	assert.True(t, av1.RequiresAV1)
	assert.Equal(t, "libaom-av1", av1.VideoCodec)

	_, err = table.Get("nope")
	assert.True(t, errors.Is(err, ErrUnknownPreset))
}

func TestPresetArgs(t *testing.T) {
	p, err := DefaultTable().Get("balanced")
	require.NoError(t, err)

	args := strings.Join(p.Args("in.webm", "out.webm"), " ")
	assert.Contains(t, args, "-i in.webm")
	assert.Contains(t, args, "-c:v libvpx-vp9 -crf 35 -b:v 0")
	assert.Contains(t, args, "-deadline good")
	assert.Contains(t, args, "-r 24")
	assert.Contains(t, args, "-c:a libopus -b:a 64k")
	assert.Contains(t, args, "min(1280,iw)")
	assert.NotContains(t, args, "faststart")
	assert.True(t, strings.HasSuffix(args, " out.webm"))

	mp4 := strings.Join(p.Args("in.webm", "out.mp4"), " ")
	assert.Contains(t, mp4, "-movflags +faststart")

	av1, _ := DefaultTable().Get("av1-ultra")
	av1Args := strings.Join(av1.Args("a", "b.webm"), " ")
	assert.Contains(t, av1Args, "-tiles 2x2")
	assert.Contains(t, av1Args, "-cpu-used 3")
}

func TestLoadTableOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "presets.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
presets:
  - name: balanced
    video_codec: libvpx-vp9
    audio_codec: libopus
    crf: 33
  - name: archive
    video_codec: libx264
    audio_codec: aac
    crf: 28
`), 0o644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.Len(t, table.Names(), 6)
	assert.Equal(t, "archive", table.Names()[5])

	b, err := table.Get("balanced")
	require.NoError(t, err)
	assert.Equal(t, 33, b.CRF)

	defaults, err := LoadTable("")
	require.NoError(t, err)
	assert.Len(t, defaults.All(), 5)
}

func TestLoadTableRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("presets:\n  - name: x\n    crf: 20\n"), 0o644))
	_, err := LoadTable(path)
	require.Error(t, err)

	_, err = LoadTable(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestParseEncoders(t *testing.T) {
	out := []byte(`Encoders:
 V..... = Video
 A..... = Audio
 ------
 V....D libvpx-vp9           libvpx VP9 (codec vp9)
 V....D libx264              libx264 H.264 / AVC (codec h264)
 A....D libopus              libopus Opus (codec opus)
`)
	enc := parseEncoders(out)
	assert.True(t, enc["libvpx-vp9"])
	assert.True(t, enc["libopus"])
	assert.False(t, enc["libaom-av1"])
	assert.False(t, enc["="])
}

func TestTailWriterKeepsEnd(t *testing.T) {
	w := &tailWriter{limit: 5}
	_, _ = w.Write([]byte("hello "))
	_, _ = w.Write([]byte("world"))
	assert.Equal(t, "world", w.String())
}
