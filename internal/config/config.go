package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/catalog"
	"github.com/breeze-rmm/recorder/internal/delivery"
	"github.com/breeze-rmm/recorder/internal/handoff"
	"github.com/breeze-rmm/recorder/internal/resource"
	"github.com/breeze-rmm/recorder/internal/storage/providers"
)

const (
	configName = "breeze-recorder"
	envPrefix  = "BREEZE_RECORDER"
)

// Source types.
const (
	SourceFFmpeg = "ffmpeg"
	SourceWebRTC = "webrtc"
)

type Config struct {
	Log         LogConfig         `mapstructure:"log"`
	Capture     CaptureConfig     `mapstructure:"capture"`
	Split       SplitConfig       `mapstructure:"split"`
	Writer      WriterConfig      `mapstructure:"writer"`
	Compression CompressionConfig `mapstructure:"compression"`
	Delivery    DeliveryConfig    `mapstructure:"delivery"`
	Catalog     catalog.Config    `mapstructure:"catalog"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
	Resources   ResourcesConfig   `mapstructure:"resources"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type CaptureConfig struct {
	Source        string        `mapstructure:"source"`
	FFmpeg        string        `mapstructure:"ffmpeg"`
	Input         string        `mapstructure:"input"`
	Format        string        `mapstructure:"format"`
	Container     string        `mapstructure:"container"`
	MimeType      string        `mapstructure:"mime_type"`
	ChunkInterval time.Duration `mapstructure:"chunk_interval"`
	VideoBitrate  int           `mapstructure:"video_bitrate"`
	AudioBitrate  int           `mapstructure:"audio_bitrate"`
	Audio         bool          `mapstructure:"audio"`
	Video         bool          `mapstructure:"video"`
	WebRTC        WebRTCConfig  `mapstructure:"webrtc"`
}

type WebRTCConfig struct {
	ICEServers     []string      `mapstructure:"ice_servers"`
	MirrorAudio    bool          `mapstructure:"mirror_audio"`
	GatherTimeout  time.Duration `mapstructure:"gather_timeout"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
}

// SplitConfig selects an optional split preset; explicit fields left at
// their zero value are taken from the preset.
type SplitConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Preset       string        `mapstructure:"preset"`
	Mode         string        `mapstructure:"mode"`
	Interval     time.Duration `mapstructure:"interval"`
	SizeLimitMB  int64         `mapstructure:"size_limit_mb"`
	Overlap      time.Duration `mapstructure:"overlap"`
	MaxSegments  int           `mapstructure:"max_segments"`
	OnLimit      string        `mapstructure:"on_limit"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type WriterConfig struct {
	OutputDir              string        `mapstructure:"output_dir"`
	FilePrefix             string        `mapstructure:"file_prefix"`
	OpenTimeout            time.Duration `mapstructure:"open_timeout"`
	SyncEvery              int           `mapstructure:"sync_every"`
	ContinueOnWriteFailure bool          `mapstructure:"continue_on_write_failure"`
	DrainTimeout           time.Duration `mapstructure:"drain_timeout"`
	QueueSize              int           `mapstructure:"queue_size"`
}

type CompressionConfig struct {
	handoff.Config `mapstructure:",squash"`
	PresetsFile    string `mapstructure:"presets_file"`
	FFmpeg         string `mapstructure:"ffmpeg"`
	Workers        int    `mapstructure:"workers"`
	QueueSize      int    `mapstructure:"queue_size"`
}

type DeliveryConfig struct {
	Provider    providers.Config     `mapstructure:"provider"`
	Prefix      string               `mapstructure:"prefix"`
	Retry       delivery.RetryConfig `mapstructure:"retry"`
	RemoveLocal bool                 `mapstructure:"remove_local"`
}

type TelemetryConfig struct {
	MinInterval    time.Duration `mapstructure:"min_interval"`
	ListenAddr     string        `mapstructure:"listen_addr"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type ResourcesConfig struct {
	resource.Limits `mapstructure:",squash"`
	CheckInterval   time.Duration `mapstructure:"check_interval"`
}

func Default() *Config {
	outputDir := filepath.Join(dataDir(), "recordings")
	return &Config{
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 3,
		},
		Capture: CaptureConfig{
			Source:        SourceFFmpeg,
			FFmpeg:        "ffmpeg",
			ChunkInterval: time.Second,
			VideoBitrate:  2_500_000,
			AudioBitrate:  128_000,
			Audio:         true,
			Video:         true,
			WebRTC: WebRTCConfig{
				ICEServers:     []string{"stun:stun.l.google.com:19302"},
				GatherTimeout:  10 * time.Second,
				AcquireTimeout: 2 * time.Minute,
			},
		},
		Split: SplitConfig{
			Enabled:      true,
			Preset:       "custom",
			OnLimit:      string(capture.OnLimitStop),
			PollInterval: capture.DefaultPollInterval,
		},
		Writer: WriterConfig{
			OutputDir:    outputDir,
			FilePrefix:   "recording",
			OpenTimeout:  10 * time.Second,
			SyncEvery:    30,
			DrainTimeout: capture.DefaultDrainTimeout,
			QueueSize:    capture.DefaultQueueSize,
		},
		Compression: CompressionConfig{
			Config: handoff.Config{
				Enabled: true,
				Preset:  "balanced",
				Timeout: handoff.DefaultTranscodeTimeout,
			},
			FFmpeg:    "ffmpeg",
			Workers:   1,
			QueueSize: 16,
		},
		Delivery: DeliveryConfig{
			Retry: delivery.RetryConfig{
				MaxRetries:      3,
				InitialInterval: 500 * time.Millisecond,
				MaxElapsed:      2 * time.Minute,
			},
		},
		Catalog: catalog.Config{
			Driver: "sqlite",
			DSN:    filepath.Join(dataDir(), "catalog.db"),
		},
		Telemetry: TelemetryConfig{
			MinInterval: time.Second,
		},
		Resources: ResourcesConfig{
			Limits: resource.Limits{
				MinFreeDiskMB:    500,
				WarnFreeDiskMB:   2048,
				MaxMemoryPercent: 95,
			},
			CheckInterval: 30 * time.Second,
		},
	}
}

// Load reads cfgFile, or breeze-recorder.yaml from the platform config
// directory or the working directory, over the defaults. Every key can be
// overridden from the environment, e.g. BREEZE_RECORDER_SPLIT_INTERVAL=15m.
func Load(cfgFile string) (*Config, error) {
	v, err := newViper(cfgFile)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(cfgFile string) (*viper.Viper, error) {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName(configName)
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, reflect.TypeOf(Config{}), "")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// bindEnvs registers every leaf key so AutomaticEnv applies to keys absent
// from the config file.
func bindEnvs(v *viper.Viper, t reflect.Type, prefix string) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "-" {
			continue
		}
		if strings.Contains(tag, "squash") {
			bindEnvs(v, f.Type, prefix)
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if f.Type.Kind() == reflect.Struct && f.Type != reflect.TypeOf(time.Duration(0)) {
			bindEnvs(v, f.Type, key)
			continue
		}
		_ = v.BindEnv(key)
	}
}

func configDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze")
	case "darwin":
		return "/Library/Application Support/Breeze"
	default:
		return "/etc/breeze"
	}
}

func dataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Breeze", "recorder")
	case "darwin":
		return "/Library/Application Support/Breeze/recorder"
	default:
		return "/var/lib/breeze/recorder"
	}
}

// Settings resolves the split preset and returns the snapshot a capture
// session runs with.
func (c *Config) Settings() (capture.Settings, error) {
	policy, err := c.Split.Policy()
	if err != nil {
		return capture.Settings{}, err
	}
	s := capture.Settings{
		Acquire: capture.AcquireConfig{
			Input:  c.Capture.Input,
			Format: c.Capture.Format,
			Audio:  c.Capture.Audio,
			Video:  c.Capture.Video,
		},
		Encoding: capture.EncodingParams{
			Container:     c.Capture.Container,
			MimeType:      c.Capture.MimeType,
			VideoBitrate:  c.Capture.VideoBitrate,
			AudioBitrate:  c.Capture.AudioBitrate,
			ChunkInterval: c.Capture.ChunkInterval,
			Audio:         c.Capture.Audio,
			Video:         c.Capture.Video,
		},
		Split:                  policy,
		FilePrefix:             c.Writer.FilePrefix,
		ContinueOnWriteFailure: c.Writer.ContinueOnWriteFailure,
		DrainTimeout:           c.Writer.DrainTimeout,
		ResourceCheckInterval:  c.Resources.CheckInterval,
		QueueSize:              c.Writer.QueueSize,
	}
	if c.Capture.Source == SourceWebRTC {
		// A WebRTC session records one track into its native container.
		s.Encoding.Container = "ivf"
		if c.Capture.Audio && !c.Capture.Video {
			s.Encoding.Container = "ogg"
		}
	}
	return s, s.Validate()
}
