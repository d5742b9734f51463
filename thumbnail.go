package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/afero"
)

// ThumbnailArchiver fetches a high-quality thumbnail derived from
// metadata.thumb. Thumbnails remain worth keeping even for expunged or
// otherwise unavailable galleries, so this is the one archiver that
// ignores g.IsUnavailable.
//
// Grounded on original_source's service/archival/element/ThumbnailArchivalService.java.
type ThumbnailArchiver struct{}

func (a *ThumbnailArchiver) Name() elementName { return elementThumbnail }

func (a *ThumbnailArchiver) Process(ctx *ArchiverContext, g *Gallery) error {
	if !ctx.active(elementThumbnail) {
		return nil
	}

	const filename = "thumbnail.jpg"
	if err := g.EnsureFilesLoaded(); err != nil {
		return err
	}
	if g.HasFile(filename) {
		return nil
	}

	if err := ensureMetadataLoaded(ctx, g); err != nil {
		return err
	}
	metadata, _ := g.Metadata()
	thumb, _ := metadata["thumb"].(string)
	if thumb == "" {
		return fmt.Errorf("gallery %d metadata missing thumb URL: %w", g.ID, ErrVerificationFailed)
	}

	const from, to = "_l.jpg", "_300.jpg"
	if !strings.HasSuffix(thumb, from) {
		return fmt.Errorf("thumbnail URL %q for gallery %d does not end in %s: %w", thumb, g.ID, from, ErrThumbRewriteNoop)
	}
	rewritten := strings.TrimSuffix(thumb, from) + to
	if rewritten == thumb {
		return ErrThumbRewriteNoop
	}

	accepted, err := ctx.Client.DownloadFile(rewritten, func(mimeType, _ string, body io.Reader) (bool, error) {
		if mimeType != "image/jpeg" {
			return false, nil
		}
		err := save(ctx.Fs, ctx.Logger, g.Dir, filename, func(fs afero.Fs, tmpPath string) error {
			f, err := fs.Create(tmpPath)
			if err != nil {
				return err
			}
			defer func() { _ = f.Close() }()
			_, err = io.Copy(f, body)
			return err
		})
		return err == nil, err
	})
	if err != nil {
		return fmt.Errorf("downloading thumbnail for gallery %d: %w", g.ID, err)
	}
	if !accepted {
		return fmt.Errorf("thumbnail for gallery %d was not JPEG: %w", g.ID, ErrMimeMismatch)
	}
	g.RecordFile(filename)
	return nil
}
