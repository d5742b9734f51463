package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"log/slog"
	"time"
)

// nowFunc is the injectable clock used wherever "now" matters for
// freshness calculations; tests substitute a fixed clock.
var nowFunc = time.Now

// RunStats accumulates in-memory, per-run counters surfaced in the
// end-of-run log line. Not persisted — a fresh RunStats is created every
// invocation.
type RunStats struct {
	GalleriesProcessed int
	GalleriesSkipped   int
	GalleriesFailed    int
	DirectoriesRemoved int
	BytesFreed         int64
}

// LogSummary writes a single structured summary line for the run.
func (s *RunStats) LogSummary(logger *slog.Logger, mode Mode) {
	logger.Info("run complete",
		"mode", mode.String(),
		"galleriesProcessed", s.GalleriesProcessed,
		"galleriesSkipped", s.GalleriesSkipped,
		"galleriesFailed", s.GalleriesFailed,
		"directoriesRemoved", s.DirectoriesRemoved,
		"bytesFreed", s.BytesFreed,
	)
}
