package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"strings"
	"time"
)

// progressWindow is how far back milestones are kept for ETA averaging.
const progressWindow = 10 * time.Minute

// ProgressRecorder maintains a rolling window of milestone completion
// timestamps and derives a percentage and ETA against a known or assumed
// total.
//
// Grounded on original_source's helper/ProgressRecorder.java, ported
// near-verbatim in semantics.
type ProgressRecorder struct {
	now        func() time.Time
	reached    int
	timestamps []time.Time
}

// NewProgressRecorder creates a ProgressRecorder. nowFn is injectable for
// tests; pass nil to use time.Now.
func NewProgressRecorder(nowFn func() time.Time) *ProgressRecorder {
	if nowFn == nil {
		nowFn = time.Now
	}
	return &ProgressRecorder{now: nowFn}
}

// SaveMilestone records the completion of one unit of work "now", and
// evicts timestamps older than the rolling window.
func (p *ProgressRecorder) SaveMilestone() {
	now := p.now()
	p.reached++
	p.timestamps = append(p.timestamps, now)

	cutoff := now.Add(-progressWindow)
	i := 0
	for i < len(p.timestamps) && p.timestamps[i].Before(cutoff) {
		i++
	}
	p.timestamps = p.timestamps[i:]
}

// Reached returns the total number of milestones saved so far (never
// evicted, unlike the rolling window used for ETA).
func (p *ProgressRecorder) Reached() int {
	return p.reached
}

// Percentage computes 100 × reached / max(reached, maxMilestones).
func (p *ProgressRecorder) Percentage(maxMilestones int) float64 {
	denom := maxMilestones
	if p.reached > denom {
		denom = p.reached
	}
	if denom == 0 {
		return 0
	}
	return 100 * float64(p.reached) / float64(denom)
}

// ETA estimates the remaining time to reach maxMilestones, based on the
// average time per milestone within the rolling window, truncated to whole
// seconds.
//
// Grounded on original_source's ProgressRecorder.java: the numerator is
// now−windowStart (not last milestone−windowStart) and the divisor is the
// window size itself (not size−1).
func (p *ProgressRecorder) ETA(maxMilestones int) time.Duration {
	remaining := maxMilestones - p.reached
	windowSize := len(p.timestamps)
	if remaining <= 0 || windowSize == 0 {
		return 0
	}

	windowStart := p.timestamps[0]
	recordedDuration := p.now().Sub(windowStart)

	perMilestone := recordedDuration / time.Duration(windowSize)
	eta := perMilestone * time.Duration(remaining)
	return eta.Truncate(time.Second)
}

// ToProgressString formats percentage and ETA as "NN.NN% (ETA: H M S)",
// with H/M/S components space-separated and omitted when zero, matching
// ProgressRecorder.java's toProgressString.
func (p *ProgressRecorder) ToProgressString(maxMilestones int) string {
	pct := p.Percentage(maxMilestones)
	eta := p.ETA(maxMilestones)
	return fmt.Sprintf("%.2f%% (ETA: %s)", pct, formatHMS(eta))
}

func formatHMS(d time.Duration) string {
	total := int64(d.Seconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	var parts []string
	if h > 0 {
		parts = append(parts, fmt.Sprintf("%dh", h))
	}
	if m > 0 {
		parts = append(parts, fmt.Sprintf("%dm", m))
	}
	if s > 0 || len(parts) == 0 {
		parts = append(parts, fmt.Sprintf("%ds", s))
	}
	return strings.Join(parts, " ")
}
