package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/breeze-rmm/recorder/internal/capture"
)

// SplitPreset is a named split policy.
type SplitPreset struct {
	Name           string            `json:"name"`
	Description    string            `json:"description"`
	Mode           capture.SplitMode `json:"mode"`
	Interval       time.Duration     `json:"interval,omitempty"`
	SizeLimitBytes int64             `json:"sizeLimitBytes,omitempty"`
	Overlap        time.Duration     `json:"overlap"`
	MaxSegments    int               `json:"maxSegments"`
}

const mb = 1024 * 1024

var splitPresets = map[string]SplitPreset{
	"short-sessions": {
		Name:        "short-sessions",
		Description: "15 minute segments for meetings and short sessions",
		Mode:        capture.SplitByTime,
		Interval:    15 * time.Minute,
		Overlap:     3 * time.Second,
		MaxSegments: 5,
	},
	"long-recordings": {
		Name:        "long-recordings",
		Description: "Hour long segments for lectures and long recordings",
		Mode:        capture.SplitByTime,
		Interval:    time.Hour,
		Overlap:     5 * time.Second,
		MaxSegments: 10,
	},
	"size-limited": {
		Name:           "size-limited",
		Description:    "100MB segments for upload or storage limits",
		Mode:           capture.SplitBySize,
		SizeLimitBytes: 100 * mb,
		Overlap:        5 * time.Second,
		MaxSegments:    20,
	},
	"custom": {
		Name:        "custom",
		Description: "30 minute segments",
		Mode:        capture.SplitByTime,
		Interval:    30 * time.Minute,
		Overlap:     5 * time.Second,
		MaxSegments: 10,
	},
}

// SplitPresets returns the built-in split presets sorted by name.
func SplitPresets() []SplitPreset {
	out := make([]SplitPreset, 0, len(splitPresets))
	for _, p := range splitPresets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LookupSplitPreset returns the preset called name.
func LookupSplitPreset(name string) (SplitPreset, bool) {
	p, ok := splitPresets[name]
	return p, ok
}

// Policy merges the preset, if any, with the explicit fields.
func (s SplitConfig) Policy() (capture.SplitPolicy, error) {
	policy := capture.SplitPolicy{
		Enabled:      s.Enabled,
		Mode:         capture.SplitMode(s.Mode),
		TimeInterval: s.Interval,
		Overlap:      s.Overlap,
		MaxSegments:  s.MaxSegments,
		OnLimit:      capture.LimitAction(s.OnLimit),
		PollInterval: s.PollInterval,
	}
	if s.SizeLimitMB > 0 {
		policy.SizeLimitBytes = s.SizeLimitMB * mb
	}
	if s.Preset == "" {
		return policy, nil
	}

	p, ok := splitPresets[s.Preset]
	if !ok {
		return capture.SplitPolicy{}, fmt.Errorf("%w: unknown split preset %q", capture.ErrInvalidSettings, s.Preset)
	}
	if policy.Mode == "" {
		policy.Mode = p.Mode
	}
	if policy.TimeInterval == 0 {
		policy.TimeInterval = p.Interval
	}
	if policy.SizeLimitBytes == 0 {
		policy.SizeLimitBytes = p.SizeLimitBytes
	}
	if policy.Overlap == 0 {
		policy.Overlap = p.Overlap
	}
	if policy.MaxSegments == 0 {
		policy.MaxSegments = p.MaxSegments
	}
	return policy, nil
}
