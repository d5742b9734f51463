package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"io"
	"regexp"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"
)

const maxZipPrepRetries = 30

var setTimeoutPattern = regexp.MustCompile(`setTimeout\([^,]+,\s*(\d+)\)`)

// ZipArchiver fetches and persists the gallery's original ZIP archive via
// the site's archiver-preparation workflow, which may require polling a
// "please wait" page before the direct download link appears.
//
// Grounded on original_source's service/archival/element/ZipArchivalService.java.
type ZipArchiver struct{}

func (a *ZipArchiver) Name() elementName { return elementZip }

func (a *ZipArchiver) Process(ctx *ArchiverContext, g *Gallery) error {
	if !ctx.active(elementZip) || g.IsUnavailable() {
		return nil
	}

	if err := g.EnsureFilesLoaded(); err != nil {
		return err
	}
	if g.HasFileSuffix(".zip") {
		return nil
	}

	if err := ensureMetadataLoadedOnline(ctx, g); err != nil {
		return err
	}
	metadata, _ := g.Metadata()
	archiverKey, _ := metadata["archiver_key"].(string)
	if archiverKey == "" {
		return fmt.Errorf("gallery %d metadata missing archiver_key: %w", g.ID, ErrVerificationFailed)
	}

	archiverURL := fmt.Sprintf("archiver.php?gid=%d&token=%s&or=%s", g.ID, g.Token, archiverKey)
	downloadURL, err := a.resolvePreparationPage(ctx, g, ctx.Client.resolve(archiverURL))
	if err != nil {
		return err
	}
	if g.IsUnavailable() {
		return nil
	}

	var savedName string
	accepted, err := ctx.Client.DownloadFile(downloadURL, func(mimeType, filename string, body io.Reader) (bool, error) {
		if mimeType != "application/zip" {
			return false, nil
		}
		clean, err := sanitizeFilename(g.Dir, filename, true, false)
		if err != nil {
			return false, err
		}
		unique, err := resolveUniqueName(ctx.Fs, g.Dir, clean, true)
		if err != nil {
			return false, err
		}
		err = save(ctx.Fs, ctx.Logger, g.Dir, unique, func(fs afero.Fs, tmpPath string) error {
			f, err := fs.Create(tmpPath)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			_, err = io.Copy(f, body)
			return err
		})
		if err != nil {
			return false, err
		}
		savedName = unique
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("downloading zip for gallery %d: %w", g.ID, err)
	}
	if !accepted {
		return fmt.Errorf("zip for gallery %d was not application/zip: %w", g.ID, ErrMimeMismatch)
	}
	g.RecordFile(savedName)
	return nil
}

// resolvePreparationPage polls the site's archiver preparation page state
// machine: either a direct download link (#db a) appears immediately, or a
// "please wait" page (#continue a) with a setTimeout delay, repeated up to
// maxZipPrepRetries times.
func (a *ZipArchiver) resolvePreparationPage(ctx *ArchiverContext, g *Gallery, url string) (string, error) {
	doc, err := ctx.Client.LoadArchivePreparationPage(url)
	if err != nil {
		return "", fmt.Errorf("loading archive preparation page for gallery %d: %w", g.ID, err)
	}

	for attempt := 0; attempt < maxZipPrepRetries; attempt++ {
		if db := doc.Find("#db a"); db.Length() > 0 {
			href, _ := db.Attr("href")
			return resolveAgainst(doc.Url, href), nil
		}

		cont := doc.Find("#continue a")
		if cont.Length() == 0 {
			if reason, ok := checkUnavailable(doc); ok {
				return "", markAsUnavailable(ctx, g, reason)
			}
			return "", fmt.Errorf("archive preparation page for gallery %d has neither #db nor #continue: %w", g.ID, ErrVerificationFailed)
		}

		delayMs := 2000
		doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			if m := setTimeoutPattern.FindStringSubmatch(sel.Text()); m != nil {
				fmt.Sscanf(m[1], "%d", &delayMs)
				return false
			}
			return true
		})

		time.Sleep(time.Duration(delayMs) * time.Millisecond)

		continueHref, _ := cont.Attr("href")
		nextURL := resolveAgainst(doc.Url, continueHref)
		doc, err = ctx.Client.LoadDocument(nextURL)
		if err != nil {
			return "", fmt.Errorf("polling archive preparation page for gallery %d: %w", g.ID, err)
		}
	}
	return "", fmt.Errorf("gallery %d: %w", g.ID, ErrZipPrepExhausted)
}
