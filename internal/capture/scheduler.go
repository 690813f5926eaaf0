package capture

import (
	"fmt"
	"time"
)

// SegmentState is the read-only view of the open segment the scheduler
// decides on.
type SegmentState struct {
	Index     int
	OpenedAt  time.Time
	ByteCount int64
}

// Scheduler decides segment boundaries. It never mutates segments and never
// triggers anything itself; the controller consults it.
//
// Evaluation is polled: Due gates decisions to once per PollInterval, so a
// split can land up to one poll interval after the exact boundary.
type Scheduler struct {
	policy   SplitPolicy
	lastPoll time.Time
}

// NewScheduler returns a scheduler for policy.
func NewScheduler(policy SplitPolicy) *Scheduler {
	if policy.PollInterval <= 0 {
		policy.PollInterval = DefaultPollInterval
	}
	return &Scheduler{policy: policy}
}

// Enabled reports whether auto-split is on.
func (s *Scheduler) Enabled() bool { return s.policy.Enabled }

// Policy returns the policy the scheduler was built with.
func (s *Scheduler) Policy() SplitPolicy { return s.policy }

// OverlapWindow is how long segment N keeps accepting chunks after N+1 opened.
func (s *Scheduler) OverlapWindow() time.Duration { return s.policy.Overlap }

// Arm starts the poll cadence at now.
func (s *Scheduler) Arm(now time.Time) { s.lastPoll = now }

// Due reports whether a poll interval has passed since the last evaluation
// and, if so, starts a new interval.
func (s *Scheduler) Due(now time.Time) bool {
	if now.Sub(s.lastPoll) < s.policy.PollInterval {
		return false
	}
	s.lastPoll = now
	return true
}

// ShouldSplit reports whether seg has reached its boundary. Size mode uses
// the bytes actually written.
func (s *Scheduler) ShouldSplit(seg SegmentState, now time.Time) bool {
	if !s.policy.Enabled {
		return false
	}
	switch s.policy.Mode {
	case SplitBySize:
		return seg.ByteCount >= s.policy.SizeLimitBytes
	default:
		return now.Sub(seg.OpenedAt) >= s.policy.TimeInterval
	}
}

// ShouldPrepare reports whether the next segment should be opened now so that
// seg closes on its boundary after the overlap window. Time mode leads the
// boundary by the overlap; size mode cannot predict bytes and equals
// ShouldSplit.
func (s *Scheduler) ShouldPrepare(seg SegmentState, now time.Time) bool {
	if s.policy.Mode == SplitBySize {
		return s.ShouldSplit(seg, now)
	}
	return s.ShouldSplit(seg, now.Add(s.policy.Overlap))
}

// NextSegmentIndex returns the index the next segment gets given existing
// segments (failed ones included), or ErrSplitLimitReached.
func (s *Scheduler) NextSegmentIndex(existing int) (int, error) {
	next := existing + 1
	if s.policy.MaxSegments > 0 && next > s.policy.MaxSegments {
		return 0, fmt.Errorf("%w: %d of %d segments used", ErrSplitLimitReached, existing, s.policy.MaxSegments)
	}
	return next, nil
}
