package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"
)

var (
	reportLinkPattern = regexp.MustCompile(`/g/(\d+)/(\S{10})/?`)
	childLinkPattern  = regexp.MustCompile(`/g/(\d+)/(\S{10})/?`)
)

// galleryDirInfo is what pass 1 of CleanupRunner records for one known
// gallery id.
type galleryDirInfo struct {
	removable []string // directories under the writable root
	retained  []string // directories on read-only roots
	conflicts map[uint64]struct{}
}

// CleanupRunner implements the two-pass parent/child/conflict pruning
// scan over a pool of archive roots, only one of which is writable.
//
// Grounded on original_source's service/CleanupModeArchivalService.java.
type CleanupRunner struct {
	fs           afero.Fs
	ctx          *ArchiverContext
	ledger       *SuccessLedger
	writableRoot string
	allRoots     []string
	stats        *RunStats

	galleries map[uint64]*galleryDirInfo
	// namedAsParent is the set of ids any known gallery names as its
	// "Parent:" — such an id is the superseded original and is outdated.
	// A gallery is never marked outdated merely for having a known parent
	// itself (that would delete the newer copy instead of the older one).
	namedAsParent map[uint64]struct{}
	// declaredChildren[id] holds the child ids gallery id lists via its
	// "#gnd" child-gallery links, keyed by parent id. Resolved against
	// r.galleries only after every root has been scanned, since a parent
	// is outdated on this basis only when the declared child turns out to
	// be an actually scanned (archived) gallery — declaring a successor
	// that was never archived must not delete the only copy that exists.
	declaredChildren map[uint64]map[uint64]struct{}
}

// NewCleanupRunner constructs a CleanupRunner. writableRoot must be the
// first element of allRoots.
func NewCleanupRunner(ctx *ArchiverContext, ledger *SuccessLedger, writableRoot string, allRoots []string, stats *RunStats) *CleanupRunner {
	return &CleanupRunner{
		fs:               ctx.Fs,
		ctx:              ctx,
		ledger:           ledger,
		writableRoot:     writableRoot,
		allRoots:         allRoots,
		stats:            stats,
		galleries:        make(map[uint64]*galleryDirInfo),
		namedAsParent:    make(map[uint64]struct{}),
		declaredChildren: make(map[uint64]map[uint64]struct{}),
	}
}

// Run performs both passes and deletes every directory belonging to an
// outdated gallery id.
func (r *CleanupRunner) Run() error {
	for _, root := range r.allRoots {
		if err := r.scanRoot(root); err != nil {
			return err
		}
	}

	outdated := r.computeOutdated()
	for id := range outdated {
		info := r.galleries[id]
		for _, dir := range info.removable {
			size, err := directorySize(r.fs, dir)
			if err != nil {
				r.ctx.Logger.Error("could not size directory before removal", "dir", dir, "error", err)
			}
			if err := r.fs.RemoveAll(dir); err != nil {
				return fmt.Errorf("removing outdated directory %s: %w", dir, err)
			}
			r.stats.DirectoriesRemoved++
			r.stats.BytesFreed += size
			r.ctx.Logger.Info("removed outdated gallery directory", "gallery", id, "dir", dir, "bytes", size)
		}
		if err := r.ledger.RemoveSuccessId(id); err != nil {
			return err
		}
	}
	return nil
}

// scanRoot is pass 1 for a single archive root: every subdirectory
// directly containing page.html is inspected.
func (r *CleanupRunner) scanRoot(root string) error {
	entries, err := afero.ReadDir(r.fs, root)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("scanning archive root %s: %w", root, err)
	}

	writable := root == r.writableRoot
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if err := r.scanGalleryDir(dir, writable); err != nil {
			return err
		}
	}
	return nil
}

func (r *CleanupRunner) scanGalleryDir(dir string, writable bool) error {
	pagePath := filepath.Join(dir, "page.html")
	exists, err := afero.Exists(r.fs, pagePath)
	if err != nil {
		return fmt.Errorf("checking %s: %w", pagePath, err)
	}
	if !exists {
		return nil
	}

	doc, err := parseLocalHTML(r.fs, pagePath)
	if err != nil {
		return fmt.Errorf("parsing %s: %w", pagePath, err)
	}

	reportHref, ok := doc.Find("#gd5 > .g3 > a").Attr("href")
	if !ok {
		r.ctx.Logger.Warn("page.html missing report-gallery link, skipping", "dir", dir)
		return nil
	}
	m := reportLinkPattern.FindStringSubmatch(reportHref)
	if m == nil {
		r.ctx.Logger.Warn("could not parse gallery id from report link, skipping", "dir", dir)
		return nil
	}
	id, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return nil
	}

	info := r.galleries[id]
	if info == nil {
		info = &galleryDirInfo{conflicts: make(map[uint64]struct{})}
		r.galleries[id] = info
	}
	if writable {
		info.removable = append(info.removable, dir)
	} else {
		info.retained = append(info.retained, dir)
	}

	if parentText := strings.TrimSpace(doc.Find(".gdt1:contains(\"Parent:\")").Next().Find("a").Text()); parentText != "" {
		if parentID, err := strconv.ParseUint(parentText, 10, 64); err == nil {
			r.namedAsParent[parentID] = struct{}{}
		}
	}

	doc.Find("#gnd > a").Each(func(_ int, sel *goquery.Selection) {
		href, ok := sel.Attr("href")
		if !ok {
			return
		}
		if cm := childLinkPattern.FindStringSubmatch(href); cm != nil {
			if childID, err := strconv.ParseUint(cm[1], 10, 64); err == nil {
				if r.declaredChildren[id] == nil {
					r.declaredChildren[id] = make(map[uint64]struct{})
				}
				r.declaredChildren[id][childID] = struct{}{}
			}
		}
	})

	logPath := filepath.Join(dir, "expungelog.html")
	if exists, _ := afero.Exists(r.fs, logPath); exists {
		logDoc, err := parseLocalHTML(r.fs, logPath)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", logPath, err)
		}
		if logDoc.Find(".exp_outer:contains(\"administratively expunged\")").Length() == 0 {
			logDoc.Find(".exp_table a").Each(func(_ int, sel *goquery.Selection) {
				href, ok := sel.Attr("href")
				if !ok {
					return
				}
				if cm := reportLinkPattern.FindStringSubmatch(href); cm != nil {
					if conflictID, err := strconv.ParseUint(cm[1], 10, 64); err == nil && conflictID != id {
						info.conflicts[conflictID] = struct{}{}
					}
				}
			})
		}
	}

	return nil
}

// computeOutdated is pass 2: an id is outdated if it is named as a parent
// of some other known id (directly via "Parent:", or via a "#gnd" child
// link naming a child that was itself actually archived), or if any of its
// recorded conflicts is known. A gallery is never marked outdated merely
// for having a known parent itself — that would delete the newer copy
// instead of the superseded original.
func (r *CleanupRunner) computeOutdated() map[uint64]struct{} {
	outdated := make(map[uint64]struct{})
	for id, info := range r.galleries {
		if _, named := r.namedAsParent[id]; named {
			outdated[id] = struct{}{}
			continue
		}
		named := false
		for childID := range r.declaredChildren[id] {
			if _, known := r.galleries[childID]; known {
				outdated[id] = struct{}{}
				named = true
				break
			}
		}
		if named {
			continue
		}
		for conflictID := range info.conflicts {
			if _, known := r.galleries[conflictID]; known {
				outdated[id] = struct{}{}
				break
			}
		}
	}
	return outdated
}

func parseLocalHTML(fs afero.Fs, path string) (*goquery.Document, error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return goquery.NewDocumentFromReader(f)
}

func directorySize(fs afero.Fs, dir string) (int64, error) {
	var total int64
	err := afero.Walk(fs, dir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total, err
}
