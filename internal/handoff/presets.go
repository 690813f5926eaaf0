package handoff

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var defaultPresets []byte

// ErrUnknownPreset is returned by Table.Get for a name not in the table.
var ErrUnknownPreset = errors.New("unknown compression preset")

// Preset is one named second-stage encoding configuration.
type Preset struct {
	Name              string  `yaml:"name" json:"name"`
	Description       string  `yaml:"description" json:"description"`
	VideoCodec        string  `yaml:"video_codec" json:"videoCodec"`
	AudioCodec        string  `yaml:"audio_codec" json:"audioCodec"`
	CRF               int     `yaml:"crf" json:"crf"`
	Speed             string  `yaml:"speed" json:"speed"`
	AudioBitrate      string  `yaml:"audio_bitrate" json:"audioBitrate"`
	MaxWidth          int     `yaml:"max_width" json:"maxWidth"`
	MaxHeight         int     `yaml:"max_height" json:"maxHeight"`
	FPS               int     `yaml:"fps" json:"fps"`
	ExpectedReduction float64 `yaml:"expected_reduction" json:"expectedReduction"`
	RequiresAV1       bool    `yaml:"requires_av1" json:"requiresAv1"`
}

func (p Preset) validate() error {
	if p.Name == "" {
		return errors.New("preset name is required")
	}
	if p.VideoCodec == "" || p.AudioCodec == "" {
		return fmt.Errorf("preset %s: video_codec and audio_codec are required", p.Name)
	}
	if p.CRF < 0 || p.CRF > 63 {
		return fmt.Errorf("preset %s: crf %d out of range 0-63", p.Name, p.CRF)
	}
	return nil
}

// cpuUsed maps the preset speed onto the encoder's cpu-used knob. Higher is
// faster and larger.
func (p Preset) cpuUsed() int {
	base := 2
	if p.isAV1() {
		base = 4
	}
	switch p.Speed {
	case "slow":
		return base - 1
	case "fast":
		return base + 2
	default:
		return base
	}
}

func (p Preset) isAV1() bool {
	return p.RequiresAV1 || strings.Contains(p.VideoCodec, "av1")
}

// Args builds the ffmpeg argument list transcoding in to out.
func (p Preset) Args(in, out string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y", "-i", in,
		"-c:v", p.VideoCodec,
		"-crf", strconv.Itoa(p.CRF),
		"-b:v", "0",
		"-cpu-used", strconv.Itoa(p.cpuUsed()),
		"-row-mt", "1",
	}
	if p.isAV1() {
		args = append(args, "-tiles", "2x2")
	} else {
		args = append(args, "-deadline", "good")
	}
	if p.MaxWidth > 0 && p.MaxHeight > 0 {
		args = append(args, "-vf", fmt.Sprintf(
			"scale=w='min(%d,iw)':h='min(%d,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2",
			p.MaxWidth, p.MaxHeight))
	}
	if p.FPS > 0 {
		args = append(args, "-r", strconv.Itoa(p.FPS))
	}
	args = append(args, "-c:a", p.AudioCodec)
	if p.AudioBitrate != "" {
		args = append(args, "-b:a", p.AudioBitrate)
	}
	if strings.EqualFold(filepath.Ext(out), ".mp4") {
		args = append(args, "-movflags", "+faststart")
	}
	return append(args, out)
}

// Table is an ordered set of presets.
type Table struct {
	order   []string
	presets map[string]Preset
}

type presetFile struct {
	Presets []Preset `yaml:"presets"`
}

// ParseTable decodes a YAML preset list.
func ParseTable(data []byte) (*Table, error) {
	var f presetFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse presets: %w", err)
	}
	t := &Table{presets: make(map[string]Preset)}
	for _, p := range f.Presets {
		if err := t.put(p); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// DefaultTable returns the built-in presets.
func DefaultTable() *Table {
	t, err := ParseTable(defaultPresets)
	if err != nil {
		panic(err)
	}
	return t
}

// LoadTable returns the built-in presets overlaid with those in path. An
// empty path returns the defaults.
func LoadTable(path string) (*Table, error) {
	t := DefaultTable()
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read presets file: %w", err)
	}
	override, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	for _, name := range override.order {
		if err := t.put(override.presets[name]); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) put(p Preset) error {
	if err := p.validate(); err != nil {
		return err
	}
	if _, exists := t.presets[p.Name]; !exists {
		t.order = append(t.order, p.Name)
	}
	t.presets[p.Name] = p
	return nil
}

// Get returns the named preset.
func (t *Table) Get(name string) (Preset, error) {
	p, ok := t.presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	return p, nil
}

// Names lists preset names in table order.
func (t *Table) Names() []string {
	return append([]string(nil), t.order...)
}

// All lists presets in table order.
func (t *Table) All() []Preset {
	out := make([]Preset, 0, len(t.order))
	for _, name := range t.order {
		out = append(out, t.presets[name])
	}
	return out
}
