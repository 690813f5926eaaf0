// Package models holds the value types exchanged between the capture core,
// the compression handoff and the delivery sinks.
package models

import "time"

// SegmentInfo describes a closed segment that is ready for handoff.
type SegmentInfo struct {
	SessionID  string    `json:"sessionId"`
	Index      int       `json:"index"`
	Location   string    `json:"location"`
	Container  string    `json:"container"`
	ByteCount  int64     `json:"byteCount"`
	ChunkCount int64     `json:"chunkCount"`
	OpenedAt   time.Time `json:"openedAt"`
	ClosedAt   time.Time `json:"closedAt"`
}

// Duration is the wall-clock span the segment was open for.
func (s SegmentInfo) Duration() time.Duration {
	if s.ClosedAt.IsZero() || s.ClosedAt.Before(s.OpenedAt) {
		return 0
	}
	return s.ClosedAt.Sub(s.OpenedAt)
}

// Artifact is the final deliverable produced for one segment.
type Artifact struct {
	SessionID    string        `json:"sessionId"`
	SegmentIndex int           `json:"segmentIndex"`
	Path         string        `json:"path"`
	Container    string        `json:"container"`
	SizeBytes    int64         `json:"sizeBytes"`
	Duration     time.Duration `json:"duration"`
	Transcoded   bool          `json:"transcoded"`
	Preset       string        `json:"preset,omitempty"`
	Degraded     bool          `json:"degraded,omitempty"`
	DegradedWhy  string        `json:"degradedReason,omitempty"`
	OriginalSize int64         `json:"originalSize"`
	ProcessingMs int64         `json:"processingMs,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
}

// ReductionRatio reports how much smaller the artifact is than the raw
// segment, as a fraction in [0,1). Negative values mean it grew.
func (a Artifact) ReductionRatio() float64 {
	if a.OriginalSize <= 0 {
		return 0
	}
	return float64(a.OriginalSize-a.SizeBytes) / float64(a.OriginalSize)
}

// FailureRecord is the terminal notification sent to delivery when a session
// errors or is aborted. Completed lists every segment closed before the failure;
// Partial lists segments that were open at the failure and whose files were
// kept, possibly truncated.
type FailureRecord struct {
	SessionID    string        `json:"sessionId"`
	Kind         string        `json:"kind"`
	Message      string        `json:"message"`
	SegmentIndex int           `json:"segmentIndex,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	Completed    []SegmentInfo `json:"completed"`
	Partial      []SegmentInfo `json:"partial,omitempty"`
	At           time.Time     `json:"at"`
}

// SegmentStats is a per-segment row of SessionStats.
type SegmentStats struct {
	Index      int           `json:"index"`
	Status     string        `json:"status"`
	ByteCount  int64         `json:"byteCount"`
	ChunkCount int64         `json:"chunkCount"`
	Duration   time.Duration `json:"duration"`
	Location   string        `json:"location,omitempty"`
}

// SessionStats aggregates split statistics for a session.
type SessionStats struct {
	SessionID     string         `json:"sessionId"`
	Status        string         `json:"status"`
	StartedAt     time.Time      `json:"startedAt"`
	Duration      time.Duration  `json:"duration"`
	SegmentCount  int            `json:"segmentCount"`
	CurrentIndex  int            `json:"currentIndex"`
	TotalBytes    int64          `json:"totalBytes"`
	TotalChunks   int64          `json:"totalChunks"`
	AverageSize   int64          `json:"averageSize"`
	SplitLimitHit bool           `json:"splitLimitHit"`
	Segments      []SegmentStats `json:"segments"`
}
