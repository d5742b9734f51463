package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"

	"github.com/spf13/afero"
)

// ExpungeLogArchiver fetches and persists expungelog.html for galleries
// the API reports as expunged.
//
// Grounded on original_source's service/archival/element/ExpungelogArchivalService.java.
type ExpungeLogArchiver struct{}

func (a *ExpungeLogArchiver) Name() elementName { return elementExpungeLog }

func (a *ExpungeLogArchiver) Process(ctx *ArchiverContext, g *Gallery) error {
	if !ctx.active(elementExpungeLog) || g.IsUnavailable() {
		return nil
	}

	const filename = "expungelog.html"
	if err := g.EnsureFilesLoaded(); err != nil {
		return err
	}
	if g.HasFile(filename) {
		return nil
	}

	if err := ensureMetadataLoadedUpToDate(ctx, g, nil); err != nil {
		return err
	}
	if !g.Expunged() {
		return nil
	}

	doc, err := ctx.Client.LoadExpungeLogPage(g.ID, g.Token)
	if err != nil {
		return fmt.Errorf("fetching expunge log for gallery %d: %w", g.ID, err)
	}

	if doc.Find("#form_expunge_vote").Length() == 0 {
		if reason, ok := checkUnavailable(doc); ok {
			return markAsUnavailable(ctx, g, reason)
		}
		return fmt.Errorf("expunge log for gallery %d missing #form_expunge_vote: %w", g.ID, ErrVerificationFailed)
	}

	html, err := doc.Html()
	if err != nil {
		return fmt.Errorf("serializing expunge log for gallery %d: %w", g.ID, err)
	}

	err = save(ctx.Fs, ctx.Logger, g.Dir, filename, func(fs afero.Fs, tmpPath string) error {
		f, err := fs.Create(tmpPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		_, err = f.WriteString(html)
		return err
	})
	if err != nil {
		return err
	}
	g.RecordFile(filename)
	return nil
}
