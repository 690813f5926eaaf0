package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breeze-rmm/recorder/internal/capture"
)

const sampleConfig = `
log:
  level: debug
  format: json
capture:
  input: ":0.0"
  format: x11grab
  container: webm
  chunk_interval: 500ms
split:
  preset: short-sessions
  max_segments: 2
  on_limit: continue
writer:
  output_dir: /tmp/rec
  file_prefix: meeting
compression:
  enabled: false
  preset: presentation
  workers: 2
delivery:
  provider:
    type: s3
    s3:
      bucket: recordings
      region: eu-west-1
  retry:
    max_retries: 5
catalog:
  driver: postgres
  dsn: postgres://localhost/recorder
resources:
  min_free_disk_mb: 100
  check_interval: 1m
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "breeze-recorder.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":0.0", cfg.Capture.Input)
	assert.Equal(t, 500*time.Millisecond, cfg.Capture.ChunkInterval)
	assert.Equal(t, "short-sessions", cfg.Split.Preset)
	assert.Equal(t, "meeting", cfg.Writer.FilePrefix)
	assert.False(t, cfg.Compression.Enabled)
	assert.Equal(t, "presentation", cfg.Compression.Preset)
	assert.Equal(t, 2, cfg.Compression.Workers)
	assert.Equal(t, "s3", cfg.Delivery.Provider.Type)
	assert.Equal(t, "recordings", cfg.Delivery.Provider.S3.Bucket)
	assert.EqualValues(t, 5, cfg.Delivery.Retry.MaxRetries)
	assert.Equal(t, "postgres", cfg.Catalog.Driver)
	assert.EqualValues(t, 100, cfg.Resources.MinFreeDiskMB)
	assert.Equal(t, time.Minute, cfg.Resources.CheckInterval)

	// Untouched keys keep their defaults.
	assert.True(t, cfg.Capture.Audio)
	assert.Equal(t, 16, cfg.Compression.QueueSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Delivery.Retry.InitialInterval)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("BREEZE_RECORDER_SPLIT_INTERVAL", "20m")
	t.Setenv("BREEZE_RECORDER_TELEMETRY_LISTEN_ADDR", "127.0.0.1:7070")
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 20*time.Minute, cfg.Split.Interval)
	assert.Equal(t, "127.0.0.1:7070", cfg.Telemetry.ListenAddr)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestSettingsFromConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	s, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, ":0.0", s.Acquire.Input)
	assert.Equal(t, "x11grab", s.Acquire.Format)
	assert.Equal(t, "webm", s.Encoding.Container)
	assert.Equal(t, "meeting", s.FilePrefix)
	assert.Equal(t, time.Minute, s.ResourceCheckInterval)

	p := s.Split
	assert.True(t, p.Enabled)
	assert.Equal(t, capture.SplitByTime, p.Mode)
	assert.Equal(t, 15*time.Minute, p.TimeInterval)
	assert.Equal(t, 3*time.Second, p.Overlap)
	assert.Equal(t, 2, p.MaxSegments)
	assert.Equal(t, capture.OnLimitContinue, p.OnLimit)
}

func TestSplitPresets(t *testing.T) {
	tests := []struct {
		preset   string
		mode     capture.SplitMode
		interval time.Duration
		size     int64
		overlap  time.Duration
		max      int
	}{
		{"short-sessions", capture.SplitByTime, 15 * time.Minute, 0, 3 * time.Second, 5},
		{"long-recordings", capture.SplitByTime, time.Hour, 0, 5 * time.Second, 10},
		{"size-limited", capture.SplitBySize, 0, 100 * 1024 * 1024, 5 * time.Second, 20},
		{"custom", capture.SplitByTime, 30 * time.Minute, 0, 5 * time.Second, 10},
	}
	for _, tt := range tests {
		t.Run(tt.preset, func(t *testing.T) {
			p, err := SplitConfig{Enabled: true, Preset: tt.preset}.Policy()
			require.NoError(t, err)
			assert.Equal(t, tt.mode, p.Mode)
			assert.Equal(t, tt.interval, p.TimeInterval)
			assert.Equal(t, tt.size, p.SizeLimitBytes)
			assert.Equal(t, tt.overlap, p.Overlap)
			assert.Equal(t, tt.max, p.MaxSegments)
		})
	}
	assert.Len(t, SplitPresets(), 4)
}

func TestSplitExplicitFieldsWithoutPreset(t *testing.T) {
	p, err := SplitConfig{Enabled: true, Mode: "size", SizeLimitMB: 8, MaxSegments: 3}.Policy()
	require.NoError(t, err)
	assert.Equal(t, capture.SplitBySize, p.Mode)
	assert.EqualValues(t, 8*1024*1024, p.SizeLimitBytes)
	assert.Zero(t, p.Overlap)
}

func TestUnknownSplitPreset(t *testing.T) {
	_, err := SplitConfig{Enabled: true, Preset: "weekly"}.Policy()
	require.ErrorIs(t, err, capture.ErrInvalidSettings)

	cfg := Default()
	cfg.Split.Preset = "weekly"
	_, err = cfg.Settings()
	require.ErrorIs(t, err, capture.ErrInvalidSettings)
}

func TestDefaultSettingsAreValid(t *testing.T) {
	s, err := Default().Settings()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, s.Split.TimeInterval)
	assert.Equal(t, capture.OnLimitStop, s.Split.OnLimit)
}

func TestValidateClamps(t *testing.T) {
	cfg := Default()
	cfg.Capture.Input = "testsrc"
	cfg.Capture.ChunkInterval = 0
	cfg.Compression.Workers = 0
	cfg.Compression.QueueSize = 5000
	cfg.Split.MaxSegments = -1
	cfg.Resources.MaxMemoryPercent = 150

	errs := cfg.Validate()
	require.Len(t, errs, 5)
	for _, err := range errs {
		assert.True(t, strings.Contains(err.Error(), "clamping") || strings.Contains(err.Error(), "disabling"), err.Error())
	}
	assert.Equal(t, 100*time.Millisecond, cfg.Capture.ChunkInterval)
	assert.Equal(t, 1, cfg.Compression.Workers)
	assert.Equal(t, 1024, cfg.Compression.QueueSize)
	assert.Equal(t, 0, cfg.Split.MaxSegments)
	assert.Zero(t, cfg.Resources.MaxMemoryPercent)
}

func TestValidateTieredSeparatesFatalsFromClamps(t *testing.T) {
	cfg := Default()
	cfg.Compression.Workers = 0
	result := cfg.ValidateTiered()

	require.True(t, result.HasFatals(), "a missing ffmpeg input must stop the session from starting")
	require.Len(t, result.Fatals, 1)
	assert.Contains(t, result.Fatals[0].Error(), "capture.input")
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Error(), "compression.workers")

	cfg.Capture.Input = "testsrc"
	assert.False(t, cfg.ValidateTiered().HasFatals())
}

func TestValidateReportsInvalidValues(t *testing.T) {
	cfg := Default()
	cfg.Capture.Source = "rtsp"
	cfg.Split.OnLimit = "pause"
	cfg.Delivery.Provider.Type = "ftp"
	cfg.Catalog.Driver = "mysql"
	cfg.Log.Format = "xml"

	errs := cfg.Validate()
	var joined []string
	for _, err := range errs {
		joined = append(joined, err.Error())
	}
	all := strings.Join(joined, "\n")
	assert.Contains(t, all, `capture.source "rtsp"`)
	assert.Contains(t, all, `split.on_limit "pause"`)
	assert.Contains(t, all, `delivery.provider.type "ftp"`)
	assert.Contains(t, all, `catalog.driver "mysql"`)
	assert.Contains(t, all, `log.format "xml"`)
}

func TestValidateWebRTCNeedsListener(t *testing.T) {
	cfg := Default()
	cfg.Capture.Source = SourceWebRTC
	cfg.Capture.Video = false
	errs := cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "listen_addr")

	cfg.Telemetry.ListenAddr = ":7070"
	assert.Empty(t, cfg.Validate())

	s, err := cfg.Settings()
	require.NoError(t, err)
	assert.Equal(t, "ogg", s.Encoding.Container)

	cfg.Capture.Video = true
	errs = cfg.Validate()
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), "one track")
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	var latest atomic.Pointer[Config]
	cfg, err := Watch(path, func(c *Config) { latest.Store(c) })
	require.NoError(t, err)
	assert.Equal(t, "short-sessions", cfg.Split.Preset)

	updated := strings.Replace(sampleConfig, "preset: short-sessions", "preset: long-recordings", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	require.Eventually(t, func() bool {
		c := latest.Load()
		return c != nil && c.Split.Preset == "long-recordings"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWatchWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Watch("", func(*Config) {})
	require.ErrorIs(t, err, ErrNoConfigFile)
}
