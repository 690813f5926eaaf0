// Package telemetry relays normalized session progress records to external
// listeners.
package telemetry

import (
	"fmt"
	"time"

	"github.com/breeze-rmm/recorder/pkg/models"
)

// Kind names the internal event a record was produced from.
type Kind string

const (
	KindChunkWritten        Kind = "chunkWritten"
	KindSegmentOpened       Kind = "segmentOpened"
	KindSegmentClosed       Kind = "segmentClosed"
	KindSplitDecided        Kind = "splitDecided"
	KindSplitLimitReached   Kind = "splitLimitReached"
	KindStatusChanged       Kind = "statusChanged"
	KindCompressionDegraded Kind = "compressionDegraded"
	KindArtifactDelivered   Kind = "artifactDelivered"
	KindSessionError        Kind = "sessionError"
	KindSessionCompleted    Kind = "sessionCompleted"
)

// Record is one progress update.
type Record struct {
	Kind      Kind          `json:"kind"`
	SessionID string        `json:"sessionId"`
	At        time.Time     `json:"at"`
	Elapsed   time.Duration `json:"elapsed"`
	Status    string        `json:"status,omitempty"`

	SegmentIndex  int    `json:"segmentIndex,omitempty"`
	SegmentStatus string `json:"segmentStatus,omitempty"`
	SegmentBytes  int64  `json:"segmentBytes,omitempty"`
	SegmentChunks int64  `json:"segmentChunks,omitempty"`
	NextIndex     int    `json:"nextIndex,omitempty"`

	TotalBytes  int64   `json:"totalBytes"`
	TotalChunks int64   `json:"totalChunks"`
	AvgBitrate  float64 `json:"avgBitrate,omitempty"`

	ErrorKind string `json:"errorKind,omitempty"`
	Message   string `json:"message,omitempty"`
	Fatal     bool   `json:"fatal,omitempty"`

	Stats    *models.SessionStats `json:"stats,omitempty"`
	Artifact *models.Artifact     `json:"artifact,omitempty"`
}

// ElapsedLabel formats Elapsed as HH:MM:SS.
func (r Record) ElapsedLabel() string {
	return FormatDuration(r.Elapsed)
}

// TotalMB is TotalBytes in mebibytes.
func (r Record) TotalMB() float64 {
	return float64(r.TotalBytes) / (1024 * 1024)
}

// FormatDuration renders d as HH:MM:SS.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	s := int64(d / time.Second)
	return fmt.Sprintf("%02d:%02d:%02d", s/3600, (s/60)%60, s%60)
}

// Bitrate returns bits per second for bytes over elapsed.
func Bitrate(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / elapsed.Seconds()
}
