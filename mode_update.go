package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

const consecutiveFailureLimit = 3

// UpdateRunner walks the writable archive root, refreshing any gallery
// whose on-disk artifacts have fallen outside the configured update
// interval. Aborts after too many consecutive gallery failures, since
// that pattern usually means the session itself has gone bad rather than
// any one gallery being broken.
//
// Grounded on original_source's service/UpdateModeArchivalService.java.
type UpdateRunner struct {
	ctx            *ArchiverContext
	archivers      []ElementArchiver
	ledger         *SuccessLedger
	progress       *ProgressRecorder
	archiveDir     string
	updateInterval UpdateInterval
	stats          *RunStats
}

// NewUpdateRunner constructs an UpdateRunner.
func NewUpdateRunner(ctx *ArchiverContext, archivers []ElementArchiver, ledger *SuccessLedger, archiveDir string, interval UpdateInterval, stats *RunStats) *UpdateRunner {
	return &UpdateRunner{
		ctx:            ctx,
		archivers:      archivers,
		ledger:         ledger,
		progress:       NewProgressRecorder(nil),
		archiveDir:     archiveDir,
		updateInterval: interval,
		stats:          stats,
	}
}

// Run walks archiveDir for gallery directories and refreshes each.
func (r *UpdateRunner) Run() error {
	dirs, err := findMetadataDirs(r.ctx.Fs, r.archiveDir)
	if err != nil {
		return err
	}

	totalKnown := r.ledger.KnownCount()
	consecutiveFailures := 0

	for _, dir := range dirs {
		g, err := r.buildGallery(dir)
		if err != nil {
			r.ctx.Logger.Error("could not build gallery from directory, skipping", "dir", dir, "error", err)
			r.stats.GalleriesSkipped++
			continue
		}

		if err := runArchiversAggregating(r.ctx, r.archivers, g); err != nil {
			consecutiveFailures++
			r.stats.GalleriesFailed++
			r.ctx.Logger.Error("gallery refresh failed", "gallery", g.ID, "error", err, "consecutiveFailures", consecutiveFailures)
			if consecutiveFailures > consecutiveFailureLimit {
				return fmt.Errorf("%w: %d in a row", ErrTooManyConsecutiveFailures, consecutiveFailures)
			}
			continue
		}
		consecutiveFailures = 0

		if err := r.ledger.AddSuccessId(g.ID); err != nil {
			return err
		}

		r.progress.SaveMilestone()
		r.stats.GalleriesProcessed++
		r.ctx.Logger.Info("gallery refreshed", "gallery", g.ID, "progress", r.progress.ToProgressString(totalKnown))
	}

	return nil
}

// buildGallery parses gid, token and posted out of dir's api-metadata.json
// and precomputes the update threshold.
func (r *UpdateRunner) buildGallery(dir string) (*Gallery, error) {
	metadata, found, err := readMetadataFile(r.ctx.Fs, dir)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("missing api-metadata.json in %s", dir)
	}

	idF, _ := metadata["gid"].(float64)
	token, _ := metadata["token"].(string)
	if idF == 0 || token == "" {
		return nil, fmt.Errorf("api-metadata.json in %s missing gid/token", dir)
	}

	g, err := NewGallery(r.ctx.Fs, uint64(idF), token, dir)
	if err != nil {
		return nil, err
	}
	g.SetMetadata(metadata, MetadataDisk)

	now := nowFunc()
	g.UpdateThreshold = r.updateInterval.Threshold(g.Posted, now)
	return g, nil
}

func readMetadataFile(fs afero.Fs, dir string) (map[string]any, bool, error) {
	path := filepath.Join(dir, "api-metadata.json")
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	f, err := fs.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = f.Close() }()

	var metadata map[string]any
	if err := json.NewDecoder(f).Decode(&metadata); err != nil {
		return nil, false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return metadata, true, nil
}

// findMetadataDirs walks root and returns every directory directly
// containing an api-metadata.json file.
func findMetadataDirs(fs afero.Fs, root string) ([]string, error) {
	var dirs []string
	err := afero.Walk(fs, root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		if filepath.Base(path) == "api-metadata.json" {
			dirs = append(dirs, filepath.Dir(path))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking archive root %s: %w", root, err)
	}
	return dirs, nil
}

// KnownCount returns the total number of ids known across this user's and
// all peer ledgers, used as the UPDATE-mode progress denominator ("you vs.
// the community").
func (l *SuccessLedger) KnownCount() int {
	seen := make(map[uint64]struct{}, len(l.mine))
	for id := range l.mine {
		seen[id] = struct{}{}
	}
	for _, ids := range l.peers {
		for id := range ids {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}
