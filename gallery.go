package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
)

// MetadataState describes the provenance of the metadata currently held by
// a Gallery. The three states gate which archivers may reuse a cached copy
// and which must refetch — treating "metadata present" as a single boolean
// loses that distinction.
//
// Grounded on original_source's MetadataState.java enum.
type MetadataState int

const (
	// MetadataUnloaded means no metadata has been set yet.
	MetadataUnloaded MetadataState = iota
	// MetadataDisk means the metadata was loaded from api-metadata.json
	// without any freshness check.
	MetadataDisk
	// MetadataDiskUpToDate means the on-disk metadata's mtime was found to
	// be newer than the gallery's update threshold.
	MetadataDiskUpToDate
	// MetadataOnline means the metadata was just fetched from the API.
	MetadataOnline
)

func (s MetadataState) String() string {
	switch s {
	case MetadataDisk:
		return "DISK"
	case MetadataDiskUpToDate:
		return "DISK_UP_TO_DATE"
	case MetadataOnline:
		return "ONLINE"
	default:
		return "UNLOADED"
	}
}

// UpdateInterval holds the four durations used to interpolate a
// per-gallery refresh interval in UPDATE mode.
//
// Grounded on original_source's settings/UpdateInterval.java.
type UpdateInterval struct {
	MinThreshold time.Duration
	MinDuration  time.Duration
	MaxThreshold time.Duration
	MaxDuration  time.Duration
}

// Validate checks the UpdateInterval invariants: minThreshold <=
// maxThreshold and minDuration <= maxDuration.
func (u UpdateInterval) Validate() error {
	if u.MinThreshold > u.MaxThreshold {
		return fmt.Errorf("update-interval: minThreshold (%s) exceeds maxThreshold (%s)", u.MinThreshold, u.MaxThreshold)
	}
	if u.MinDuration > u.MaxDuration {
		return fmt.Errorf("update-interval: minDuration (%s) exceeds maxDuration (%s)", u.MinDuration, u.MaxDuration)
	}
	return nil
}

// Interpolate computes the per-gallery refresh interval given the gallery's
// posted instant and the current time: recently posted galleries refresh
// more often, very old ones rarely.
func (u UpdateInterval) Interpolate(posted, now time.Time) time.Duration {
	age := now.Sub(posted)

	var ratio float64
	switch {
	case age < u.MinThreshold:
		ratio = 0
	case age > u.MaxThreshold:
		ratio = 1
	default:
		span := u.MaxThreshold - u.MinThreshold
		if span <= 0 {
			ratio = 1
		} else {
			ratio = float64(age-u.MinThreshold) / float64(span)
		}
	}

	durationSpan := u.MaxDuration - u.MinDuration
	interval := u.MinDuration + time.Duration(ratio*float64(durationSpan))
	// Millisecond precision, rounded.
	return interval.Round(time.Millisecond)
}

// Threshold returns now minus the interpolated interval: files older than
// this instant are considered stale for refresh purposes.
func (u UpdateInterval) Threshold(posted, now time.Time) time.Time {
	return now.Add(-u.Interpolate(posted, now))
}

// Gallery is the central in-memory record the mode orchestrators construct
// for every gallery they process. Identity (ID, Token, Dir) is immutable
// once set; Files, metadata and Expunged are lazily populated.
//
// Grounded on original_source's model/Gallery.java plus the lazy-loading
// behaviour scattered across AbstractElementArchivalService.java and
// UpdateModeArchivalService.java — no single Java file shows this complete
// shape.
type Gallery struct {
	ID    uint64
	Token string
	Dir   string

	fs afero.Fs

	filesLoaded bool
	files       map[string]bool // basenames currently in Dir, snapshot

	metadata      map[string]any
	metadataState MetadataState
	expunged      bool

	// Posted is the gallery's posted instant, populated from metadata or
	// from a locally cached api-metadata.json (UPDATE mode). Zero until
	// known.
	Posted time.Time
	// UpdateThreshold is precomputed once per gallery in UPDATE mode; files
	// older than this are stale. Zero (never stale) in DOWNLOAD/CLEANUP.
	UpdateThreshold time.Time

	// unavailableReason, once set, marks the gallery as unavailable; later
	// archivers skip processing entirely.
	unavailableReason string
}

// NewGallery constructs a Gallery. A gallery is never constructed without
// both id and token.
func NewGallery(fs afero.Fs, id uint64, token string, dir string) (*Gallery, error) {
	if token == "" || id == 0 {
		return nil, ErrMissingIdentity
	}
	return &Gallery{
		ID:    id,
		Token: token,
		Dir:   dir,
		fs:    fs,
		files: make(map[string]bool),
	}, nil
}

// EnsureFilesLoaded lists the regular files currently in g.Dir and caches
// the snapshot. Subsequent calls are no-ops until InvalidateFiles is
// called.
func (g *Gallery) EnsureFilesLoaded() error {
	if g.filesLoaded {
		return nil
	}
	entries, err := afero.ReadDir(g.fs, g.Dir)
	if err != nil {
		if isNotExist(err) {
			g.filesLoaded = true
			return nil
		}
		return fmt.Errorf("listing gallery directory %s: %w", g.Dir, err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			g.files[entry.Name()] = true
		}
	}
	g.filesLoaded = true
	return nil
}

// HasFile reports whether a file with the given basename was present in the
// last-loaded snapshot.
func (g *Gallery) HasFile(name string) bool {
	return g.files[name]
}

// HasFileSuffix reports whether any file in the snapshot ends with the
// given suffix (used for "*.zip"/"*.torrent" existence checks).
func (g *Gallery) HasFileSuffix(suffix string) bool {
	for name := range g.files {
		if len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix {
			return true
		}
	}
	return false
}

// FilesWithSuffix returns all basenames in the snapshot ending with suffix.
func (g *Gallery) FilesWithSuffix(suffix string) []string {
	var out []string
	for name := range g.files {
		if len(name) >= len(suffix) && name[len(name)-len(suffix):] == suffix {
			out = append(out, name)
		}
	}
	return out
}

// RecordFile adds a file to the in-memory snapshot without rescanning disk,
// used when the pipeline itself just wrote a file (e.g. unavailable.txt).
func (g *Gallery) RecordFile(name string) {
	g.files[name] = true
}

// ForgetFile removes a file from the in-memory snapshot (used by the
// torrent archiver after deleting a stale .torrent).
func (g *Gallery) ForgetFile(name string) {
	delete(g.files, name)
}

// Metadata returns the currently held metadata and its provenance state.
func (g *Gallery) Metadata() (map[string]any, MetadataState) {
	return g.metadata, g.metadataState
}

// SetMetadata sets metadata together with its state, and refreshes the
// Expunged flag — the two must never be set independently.
func (g *Gallery) SetMetadata(metadata map[string]any, state MetadataState) {
	g.metadata = metadata
	g.metadataState = state
	if v, ok := metadata["expunged"].(bool); ok {
		g.expunged = v
	} else {
		g.expunged = false
	}
	if posted, ok := metadata["posted"]; ok {
		if t, err := parsePostedInstant(posted); err == nil {
			g.Posted = t
		}
	}
}

// Expunged reports the last-synchronized expunged flag.
func (g *Gallery) Expunged() bool {
	return g.expunged
}

// MarkUnavailable records the sentinel reason and notes unavailable.txt in
// the files snapshot. Subsequent IsUnavailable calls return true.
func (g *Gallery) MarkUnavailable(reason string) {
	g.unavailableReason = reason
	g.RecordFile("unavailable.txt")
}

// IsUnavailable reports whether this gallery was found to be removed by the
// site for copyright reasons.
func (g *Gallery) IsUnavailable() bool {
	return g.unavailableReason != ""
}

// UnavailableReason returns the recorded reason, or "" if not unavailable.
func (g *Gallery) UnavailableReason() string {
	return g.unavailableReason
}

// parsePostedInstant accepts either a JSON number or numeric string holding
// epoch seconds, matching the "gdata" API's encoding of metadata.posted.
func parsePostedInstant(v any) (time.Time, error) {
	switch t := v.(type) {
	case float64:
		return time.Unix(int64(t), 0), nil
	case string:
		var secs int64
		if _, err := fmt.Sscanf(t, "%d", &secs); err != nil {
			return time.Time{}, err
		}
		return time.Unix(secs, 0), nil
	default:
		return time.Time{}, fmt.Errorf("unrecognized posted value type %T", v)
	}
}

func isNotExist(err error) bool {
	return os.IsNotExist(err)
}
