package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestParseISODelay(t *testing.T) {
	cases := map[string]time.Duration{
		"15S":   15 * time.Second,
		"PT15S": 15 * time.Second,
		"1M30S": time.Minute + 30*time.Second,
		"500MS": 500 * time.Millisecond,
	}
	for input, want := range cases {
		got, err := parseISODelay(input)
		assert.NilError(t, err)
		assert.Equal(t, got, want)
	}
}

func TestParseISODelayRejectsEmpty(t *testing.T) {
	_, err := parseISODelay("")
	assert.ErrorContains(t, err, "empty delay value")
}

func TestParseISOPeriodToken(t *testing.T) {
	cases := map[string]time.Duration{
		"7D":  7 * hoursPerDay,
		"52W": 52 * hoursPerWeek,
		"12M": 12 * hoursPerMonth,
		"1Y":  hoursPerYear,
	}
	for input, want := range cases {
		got, err := parseISOPeriodToken(input)
		assert.NilError(t, err)
		assert.Equal(t, got, want)
	}
}

func TestParseISOPeriodTokenRejectsUnknownUnit(t *testing.T) {
	_, err := parseISOPeriodToken("5X")
	assert.ErrorContains(t, err, "unrecognized period unit")
}

func TestParseUpdateInterval(t *testing.T) {
	ui, err := parseUpdateInterval("0D=7D-365D=90D")
	assert.NilError(t, err)
	assert.Equal(t, ui.MinThreshold, time.Duration(0))
	assert.Equal(t, ui.MinDuration, 7*hoursPerDay)
	assert.Equal(t, ui.MaxThreshold, 365*hoursPerDay)
	assert.Equal(t, ui.MaxDuration, 90*hoursPerDay)
}

func TestParseUpdateIntervalRejectsMissingDash(t *testing.T) {
	_, err := parseUpdateInterval("0D=7D")
	assert.ErrorContains(t, err, "exactly one '-'")
}

func TestParseUpdateIntervalRejectsInvertedThresholds(t *testing.T) {
	_, err := parseUpdateInterval("365D=7D-0D=90D")
	assert.ErrorContains(t, err, "exceeds maxThreshold")
}
