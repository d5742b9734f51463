package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// elementRetryLimit is the total number of tries given to a single failing
// archiver (matching the Java original's remainingTries = 3), not the
// number of retries on top of the first attempt.
const elementRetryLimit = 3

// elementRetryWait is a var, not a const, so tests can shrink it instead of
// sleeping through the real backoff.
var elementRetryWait = 10 * time.Second

// galleryLinkPattern matches a gallery anchor's href, extracting id and
// token.
var galleryLinkPattern = regexp.MustCompile(`/g/(\d+)/([0-9a-f]+)/?`)

// DownloadRunner crawls the configured search URL page by page, archiving
// every gallery row not already recorded in the success ledger.
//
// Grounded on original_source's service/DownloadModeArchivalService.java.
type DownloadRunner struct {
	ctx        *ArchiverContext
	archivers  []ElementArchiver
	ledger     *SuccessLedger
	progress   *ProgressRecorder
	archiveDir string
	catchup    bool
	stats      *RunStats
}

// NewDownloadRunner constructs a DownloadRunner.
func NewDownloadRunner(ctx *ArchiverContext, archivers []ElementArchiver, ledger *SuccessLedger, archiveDir string, catchup bool, stats *RunStats) *DownloadRunner {
	return &DownloadRunner{
		ctx:        ctx,
		archivers:  archivers,
		ledger:     ledger,
		progress:   NewProgressRecorder(nil),
		archiveDir: archiveDir,
		catchup:    catchup,
		stats:      stats,
	}
}

// Run crawls from startURL until a page with no gallery rows is reached,
// or (in catchup mode) a page is entirely composed of already-archived
// galleries.
func (r *DownloadRunner) Run(startURL string) error {
	pageURL := startURL
	for {
		doc, err := r.ctx.Client.LoadDocument(pageURL)
		if err != nil {
			return fmt.Errorf("loading search page: %w", err)
		}
		if doc.Find("#searchbox").Length() == 0 {
			return fmt.Errorf("search page missing #searchbox: %w", ErrVerificationFailed)
		}

		rows := parseGalleryRows(doc)
		if len(rows) == 0 {
			r.ctx.Logger.Info("search page returned no gallery rows, stopping")
			break
		}

		anyProcessed := false
		for _, row := range rows {
			processed, err := r.processGallery(row.id, row.token)
			if err != nil {
				return err
			}
			if processed {
				anyProcessed = true
			}
		}

		if r.catchup && !anyProcessed {
			r.ctx.Logger.Info("catchup mode: entire page already archived, stopping")
			break
		}

		next, ok := findNextPageURL(doc)
		if !ok {
			r.ctx.Logger.Info("no further search pages")
			break
		}
		pageURL = next
	}

	return r.ledger.ClearTempLedger()
}

func (r *DownloadRunner) processGallery(id uint64, token string) (bool, error) {
	if r.ledger.IsInSuccessIds(id) {
		r.ctx.Logger.Debug("gallery already archived, skipping", "gallery", id)
		return false, nil
	}

	if err := r.ledger.AddTempSuccessId(id); err != nil {
		return false, err
	}

	dir := filepath.Join(r.archiveDir, strconv.FormatUint(id, 10))
	g, err := NewGallery(r.ctx.Fs, id, token, dir)
	if err != nil {
		return false, err
	}
	if err := r.ctx.Fs.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("creating gallery directory %s: %w", dir, err)
	}

	if err := runArchiversWithRetry(r.ctx, r.archivers, g); err != nil {
		return false, fmt.Errorf("gallery %d: %w", id, err)
	}

	if err := r.ledger.AddSuccessId(id); err != nil {
		return false, err
	}
	if err := r.ledger.UpdateSuccessIds(); err != nil {
		return false, err
	}

	r.progress.SaveMilestone()
	r.stats.GalleriesProcessed++
	r.ctx.Logger.Info("gallery archived", "gallery", id, "progress", r.progress.ToProgressString(r.progress.Reached()))
	return true, nil
}

type galleryRow struct {
	id    uint64
	token string
}

func parseGalleryRows(doc *goquery.Document) []galleryRow {
	var rows []galleryRow
	doc.Find("table.gltc tr > td.gl1c").Each(func(_ int, cell *goquery.Selection) {
		row := cell.Parent()
		href, ok := row.Find(".glname > a").Attr("href")
		if !ok {
			return
		}
		m := galleryLinkPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		id, err := strconv.ParseUint(m[1], 10, 64)
		if err != nil {
			return
		}
		rows = append(rows, galleryRow{id: id, token: m[2]})
	})
	return rows
}

func findNextPageURL(doc *goquery.Document) (string, bool) {
	if href, ok := doc.Find(".ptds + td:not(.ptdd) > a").Attr("href"); ok {
		return resolveAgainst(doc.Url, href), true
	}
	if href, ok := doc.Find("a#unext").Attr("href"); ok {
		return resolveAgainst(doc.Url, href), true
	}
	return "", false
}

// attemptArchiver runs a single archiver against g, retrying up to
// elementRetryLimit total tries (with elementRetryWait between attempts)
// before giving up on it. An unavailable gallery short-circuits every
// archiver but thumbnail, without counting as a failure.
func attemptArchiver(ctx *ArchiverContext, archiver ElementArchiver, g *Gallery) error {
	var lastErr error
	for attempt := 1; attempt <= elementRetryLimit; attempt++ {
		if g.IsUnavailable() && archiver.Name() != elementThumbnail {
			return nil
		}
		lastErr = archiver.Process(ctx, g)
		if lastErr == nil {
			return nil
		}
		if attempt < elementRetryLimit {
			logRetry(ctx.Logger, archiver.Name(), g.ID, attempt, lastErr)
			time.Sleep(elementRetryWait)
		}
	}
	return fmt.Errorf("element %s: %w", archiver.Name(), lastErr)
}

// runArchiversWithRetry calls every archiver in order, aborting the whole
// gallery as soon as one of them exhausts its retries. Used by DOWNLOAD,
// where a broken gallery should not have later elements attempted against
// possibly-incomplete state.
func runArchiversWithRetry(ctx *ArchiverContext, archivers []ElementArchiver, g *Gallery) error {
	for _, archiver := range archivers {
		if err := attemptArchiver(ctx, archiver, g); err != nil {
			return err
		}
	}
	return nil
}

// runArchiversAggregating calls every archiver in order like
// runArchiversWithRetry, but never aborts early: a failing archiver's error
// is recorded and every remaining archiver is still attempted, so a
// transient failure in one element never withholds a refresh the others
// could still deliver. The last error seen, if any, is returned once every
// archiver has been attempted.
func runArchiversAggregating(ctx *ArchiverContext, archivers []ElementArchiver, g *Gallery) error {
	var lastErr error
	for _, archiver := range archivers {
		if err := attemptArchiver(ctx, archiver, g); err != nil {
			ctx.Logger.Warn("archiver failed, continuing with remaining elements", "element", string(archiver.Name()), "gallery", g.ID, "error", err)
			lastErr = err
		}
	}
	return lastErr
}

func logRetry(logger *slog.Logger, name elementName, id uint64, attempt int, err error) {
	logger.Warn("archiver failed, retrying", "element", string(name), "gallery", id, "attempt", attempt, "error", err)
}
