// Package capture runs a segmented capture session: it owns the chunk source
// and the open segment writer, consults the split scheduler and hands closed
// segments to the compression stage.
package capture

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the session lifecycle state.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusRequesting  Status = "requesting"
	StatusSegmentOpen Status = "segment_open"
	StatusSplitting   Status = "splitting"
	StatusFinalizing  Status = "finalizing"
	StatusCompleted   Status = "completed"
	StatusErrored     Status = "errored"
	StatusAborted     Status = "aborted"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusErrored || s == StatusAborted
}

// SplitMode selects what ends a segment.
type SplitMode string

const (
	SplitByTime SplitMode = "time"
	SplitBySize SplitMode = "size"
)

// LimitAction is what happens once MaxSegments segments exist.
type LimitAction string

const (
	// OnLimitStop finalizes the session when the last segment reaches its boundary.
	OnLimitStop LimitAction = "stop"
	// OnLimitContinue keeps the last segment open until a manual stop.
	OnLimitContinue LimitAction = "continue"
)

// SplitPolicy is the immutable auto-split configuration of a session.
type SplitPolicy struct {
	Enabled        bool
	Mode           SplitMode
	TimeInterval   time.Duration
	SizeLimitBytes int64
	Overlap        time.Duration
	MaxSegments    int
	OnLimit        LimitAction
	PollInterval   time.Duration
}

// EncodingParams are handed to the chunk source unchanged.
type EncodingParams struct {
	Container     string
	MimeType      string
	VideoBitrate  int
	AudioBitrate  int
	ChunkInterval time.Duration
	Audio         bool
	Video         bool
}

// AcquireConfig describes the stream to request from the host.
type AcquireConfig struct {
	Input  string
	Format string
	Audio  bool
	Video  bool
}

// Settings is the snapshot a session runs with. It is copied at construction
// and never changes for the session's lifetime.
type Settings struct {
	Acquire    AcquireConfig
	Encoding   EncodingParams
	Split      SplitPolicy
	FilePrefix string

	// ContinueOnWriteFailure aborts only the failing segment and rolls to a
	// fresh one instead of erroring the session.
	ContinueOnWriteFailure bool

	// DrainTimeout bounds the wait for a stopped source's final chunk.
	DrainTimeout time.Duration
	// ResourceCheckInterval is how often the resource guard runs. Zero disables it.
	ResourceCheckInterval time.Duration
	// QueueSize is the capacity of the controller's event queue.
	QueueSize int
}

const (
	DefaultPollInterval = 5 * time.Second
	DefaultDrainTimeout = 5 * time.Second
	DefaultQueueSize    = 256
)

func (s Settings) withDefaults() Settings {
	if s.Split.PollInterval <= 0 {
		s.Split.PollInterval = DefaultPollInterval
	}
	if s.Split.OnLimit == "" {
		s.Split.OnLimit = OnLimitStop
	}
	if s.Split.Mode == "" {
		s.Split.Mode = SplitByTime
	}
	if s.DrainTimeout <= 0 {
		s.DrainTimeout = DefaultDrainTimeout
	}
	if s.QueueSize <= 0 {
		s.QueueSize = DefaultQueueSize
	}
	if s.Encoding.Container == "" {
		s.Encoding.Container = "webm"
	}
	if s.FilePrefix == "" {
		s.FilePrefix = "recording"
	}
	return s
}

// Validate reports settings a session cannot run with.
func (s Settings) Validate() error {
	var errs []error
	p := s.Split
	if p.Enabled {
		switch p.Mode {
		case SplitByTime, "":
			if p.TimeInterval <= 0 {
				errs = append(errs, errors.New("split time interval must be positive"))
			} else if p.Overlap >= p.TimeInterval {
				errs = append(errs, fmt.Errorf("overlap %s must be shorter than the split interval %s", p.Overlap, p.TimeInterval))
			}
		case SplitBySize:
			if p.SizeLimitBytes <= 0 {
				errs = append(errs, errors.New("split size limit must be positive"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown split mode %q", p.Mode))
		}
		if p.Overlap < 0 {
			errs = append(errs, errors.New("overlap must not be negative"))
		}
		if p.MaxSegments < 0 {
			errs = append(errs, errors.New("max segments must not be negative"))
		}
		switch p.OnLimit {
		case OnLimitStop, OnLimitContinue, "":
		default:
			errs = append(errs, fmt.Errorf("unknown split limit action %q", p.OnLimit))
		}
	}
	if strings.ContainsAny(s.FilePrefix, `/\`) {
		errs = append(errs, fmt.Errorf("file prefix %q must not contain path separators", s.FilePrefix))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidSettings, errors.Join(errs...))
}

// Chunk is one unit of encoded data from a chunk source.
type Chunk struct {
	Sequence   uint64
	Data       []byte
	ProducedAt time.Time
}
