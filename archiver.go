package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"
)

// Mode selects which of the three top-level run behaviours an invocation
// performs, and governs the UPDATE-only "refresh stale files" freshness
// predicate shared by several element archivers.
type Mode int

const (
	ModeDownload Mode = iota
	ModeUpdate
	ModeCleanup
)

func (m Mode) String() string {
	switch m {
	case ModeUpdate:
		return "update"
	case ModeCleanup:
		return "cleanup"
	default:
		return "download"
	}
}

// ParseMode parses the mode positional CLI argument, case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "download":
		return ModeDownload, nil
	case "update":
		return ModeUpdate, nil
	case "cleanup":
		return ModeCleanup, nil
	default:
		return 0, fmt.Errorf("unrecognized mode %q (expected download, update, or cleanup)", s)
	}
}

// elementName identifies one of the seven archivable artifact kinds, used
// both for --skip flag matching and for log attribution.
type elementName string

const (
	elementMetadata    elementName = "metadata"
	elementPage        elementName = "page"
	elementImageList   elementName = "imagelist"
	elementExpungeLog  elementName = "expungelog"
	elementThumbnail   elementName = "thumbnail"
	elementTorrent     elementName = "torrent"
	elementZip         elementName = "zip"
)

// ArchiverContext bundles the collaborators every element archiver needs.
// It is constructed once per run and shared read-only across galleries;
// per-gallery state lives on *Gallery instead.
type ArchiverContext struct {
	Client *HTTPClient
	Fs     afero.Fs
	Logger *slog.Logger
	Mode   Mode
	Skip   map[elementName]bool
}

func (c *ArchiverContext) active(name elementName) bool {
	return !c.Skip[name]
}

// ElementArchiver is implemented by each of the seven artifact handlers.
// Process must be idempotent: calling it again on an already-satisfied
// gallery is a cheap no-op via isRequired.
type ElementArchiver interface {
	Name() elementName
	Process(ctx *ArchiverContext, g *Gallery) error
}

// DefaultArchivers returns the seven element archivers in the registration
// order the orchestrators must call them in — metadata first (everything
// else depends on it), zip last (the heaviest and least reversible step).
func DefaultArchivers() []ElementArchiver {
	return []ElementArchiver{
		&MetadataArchiver{},
		&PageArchiver{},
		&ImageListArchiver{},
		&ExpungeLogArchiver{},
		&ThumbnailArchiver{},
		&TorrentArchiver{},
		&ZipArchiver{},
	}
}

// updateRequired implements the shared UPDATE-mode freshness predicate:
// mtime(f) < g.UpdateThreshold. In DOWNLOAD/CLEANUP mode it is always
// false, since presence alone suffices there.
func updateRequired(ctx *ArchiverContext, g *Gallery, filename string) (bool, error) {
	if ctx.Mode != ModeUpdate {
		return false, nil
	}
	info, err := ctx.Fs.Stat(g.Dir + "/" + filename)
	if err != nil {
		if isNotExist(err) {
			return true, nil
		}
		return false, err
	}
	return info.ModTime().Before(g.UpdateThreshold), nil
}

// writeJSONFile pretty-prints v and writes it transactionally under
// g.Dir/filename.
func writeJSONFile(ctx *ArchiverContext, dir, filename string, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filename, err)
	}
	return save(ctx.Fs, ctx.Logger, dir, filename, func(fs afero.Fs, tmpPath string) error {
		f, err := fs.Create(tmpPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = f.Write(encoded)
		return err
	})
}

// checkUnavailable inspects doc for the "Gallery Not Available" landing
// page shape: a title containing that phrase, with the reason in the
// first <p> under .d. Returns ok=false if the document doesn't match.
func checkUnavailable(doc *goquery.Document) (reason string, ok bool) {
	title := strings.TrimSpace(doc.Find("title").First().Text())
	if !strings.Contains(title, "Gallery Not Available") {
		return "", false
	}
	reason = strings.TrimSpace(doc.Find("div.d p").First().Text())
	if reason == "" {
		reason = "Gallery Not Available"
	}
	return reason, true
}

// markAsUnavailable writes unavailable.txt with reason and updates the
// gallery's in-memory state, per §4.4's shared unavailability contract.
func markAsUnavailable(ctx *ArchiverContext, g *Gallery, reason string) error {
	err := save(ctx.Fs, ctx.Logger, g.Dir, "unavailable.txt", func(fs afero.Fs, tmpPath string) error {
		f, err := fs.Create(tmpPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = f.WriteString(reason)
		return err
	})
	if err != nil {
		return fmt.Errorf("writing unavailable.txt for gallery %d: %w", g.ID, err)
	}
	g.MarkUnavailable(reason)
	ctx.Logger.Info("gallery marked unavailable", "gallery", g.ID, "reason", reason)
	return nil
}
