package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"

	"github.com/spf13/afero"
)

// PageArchiver fetches and persists the gallery's initial HTML page.
//
// Grounded on original_source's service/archival/element/PageArchivalService.java.
type PageArchiver struct{}

func (a *PageArchiver) Name() elementName { return elementPage }

func (a *PageArchiver) Process(ctx *ArchiverContext, g *Gallery) error {
	if !ctx.active(elementPage) || g.IsUnavailable() {
		return nil
	}

	const filename = "page.html"
	if err := g.EnsureFilesLoaded(); err != nil {
		return err
	}

	required := !g.HasFile(filename)
	if !required {
		stale, err := updateRequired(ctx, g, filename)
		if err != nil {
			return err
		}
		required = stale
	}
	if !required {
		return nil
	}

	doc, err := ctx.Client.LoadPage(g.ID, g.Token)
	if err != nil {
		return fmt.Errorf("fetching page for gallery %d: %w", g.ID, err)
	}

	if doc.Find("#rating_label").Length() == 0 {
		if reason, ok := checkUnavailable(doc); ok {
			return markAsUnavailable(ctx, g, reason)
		}
		return fmt.Errorf("page for gallery %d missing #rating_label: %w", g.ID, ErrVerificationFailed)
	}

	html, err := doc.Html()
	if err != nil {
		return fmt.Errorf("serializing page for gallery %d: %w", g.ID, err)
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
