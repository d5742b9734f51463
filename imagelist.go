package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/PuerkitoBio/goquery"
)

// imageListPattern extracts the JSON array assigned to the page's
// "imagelist" JavaScript variable.
var imageListPattern = regexp.MustCompile(`(?s)var\s+imagelist\s*=\s*(\[.*?\]);`)

// ImageListArchiver fetches the multi-page-viewer page and persists its
// embedded image list as imagelist.json.
//
// Grounded on original_source's service/archival/element/ImagelistArchivalService.java.
type ImageListArchiver struct{}

func (a *ImageListArchiver) Name() elementName { return elementImageList }

func (a *ImageListArchiver) Process(ctx *ArchiverContext, g *Gallery) error {
	if !ctx.active(elementImageList) || g.IsUnavailable() {
		return nil
	}

	const filename = "imagelist.json"
	if err := g.EnsureFilesLoaded(); err != nil {
		return err
	}
	if g.HasFile(filename) {
		return nil
	}

	doc, err := ctx.Client.LoadMpvPage(g.ID, g.Token)
	if err != nil {
		return fmt.Errorf("fetching mpv page for gallery %d: %w", g.ID, err)
	}

	if doc.Find("#pane_outer").Length() == 0 {
		if reason, ok := checkUnavailable(doc); ok {
			return markAsUnavailable(ctx, g, reason)
		}
		return fmt.Errorf("mpv page for gallery %d missing #pane_outer: %w", g.ID, ErrVerificationFailed)
	}

	var rawList string
	doc.Find("script").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if m := imageListPattern.FindStringSubmatch(sel.Text()); m != nil {
			rawList = m[1]
			return false
		}
		return true
	})
	if rawList == "" {
		return fmt.Errorf("no imagelist script found for gallery %d: %w", g.ID, ErrVerificationFailed)
	}

	var parsed []any
	if err := json.Unmarshal([]byte(rawList), &parsed); err != nil {
		return fmt.Errorf("parsing imagelist for gallery %d: %w", g.ID, err)
	}

	if err := writeJSONFile(ctx, g.Dir, filename, parsed); err != nil {
		return err
	}
	g.RecordFile(filename)
	return nil
}
