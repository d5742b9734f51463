package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// MetadataArchiver fetches and persists api-metadata.json.
//
// Grounded on original_source's service/archival/element/MetadataArchivalService.java.
type MetadataArchiver struct{}

func (a *MetadataArchiver) Name() elementName { return elementMetadata }

func (a *MetadataArchiver) Process(ctx *ArchiverContext, g *Gallery) error {
	if !ctx.active(elementMetadata) {
		return nil
	}

	const filename = "api-metadata.json"
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

	metadata, err := fetchMetadata(ctx, g)
	if err != nil {
		return err
	}

	title, _ := metadata["title"].(string)
	if title == "" {
		return fmt.Errorf("metadata for gallery %d missing non-empty title: %w", g.ID, ErrVerificationFailed)
	}

	if err := writeJSONFile(ctx, g.Dir, filename, metadata); err != nil {
		return err
	}
	g.RecordFile(filename)
	g.SetMetadata(metadata, MetadataOnline)
	return nil
}

// fetchMetadata performs the single-gallery metadata fetch used by every
// archiver that needs "ensureLoadedOnline" semantics.
func fetchMetadata(ctx *ArchiverContext, g *Gallery) (map[string]any, error) {
	results, err := ctx.Client.LoadMetadata([]IDToken{{ID: g.ID, Token: g.Token}})
	if err != nil {
		return nil, fmt.Errorf("fetching metadata for gallery %d: %w", g.ID, err)
	}
	metadata, ok := results[g.ID]
	if !ok {
		return nil, fmt.Errorf("gallery %d absent from metadata response: %w", g.ID, ErrVerificationFailed)
	}
	return metadata, nil
}

// ensureMetadataLoaded implements the C3 ensureLoaded contract: fetch
// online only if nothing is held yet.
func ensureMetadataLoaded(ctx *ArchiverContext, g *Gallery) error {
	if metadata, state := g.Metadata(); state != MetadataUnloaded && metadata != nil {
		return nil
	}
	metadata, err := fetchMetadata(ctx, g)
	if err != nil {
		return err
	}
	g.SetMetadata(metadata, MetadataOnline)
	return nil
}

// ensureMetadataLoadedOnline implements ensureLoadedOnline: fetch
// unconditionally unless already ONLINE this run.
func ensureMetadataLoadedOnline(ctx *ArchiverContext, g *Gallery) error {
	if _, state := g.Metadata(); state == MetadataOnline {
		return nil
	}
	metadata, err := fetchMetadata(ctx, g)
	if err != nil {
		return err
	}
	g.SetMetadata(metadata, MetadataOnline)
	return nil
}

// ensureMetadataLoadedUpToDate implements ensureLoadedUpToDate: load from
// disk if present, promoting to DISK_UP_TO_DATE when fresh enough, else
// fetch online.
func ensureMetadataLoadedUpToDate(ctx *ArchiverContext, g *Gallery, loadFromDisk func() (map[string]any, bool, error)) error {
	if _, state := g.Metadata(); state != MetadataUnloaded {
		if state == MetadataDisk {
			stale, err := updateRequired(ctx, g, "api-metadata.json")
			if err != nil {
				return err
			}
			if stale {
				return ensureMetadataLoadedOnline(ctx, g)
			}
			metadata, _ := g.Metadata()
			g.SetMetadata(metadata, MetadataDiskUpToDate)
		}
		return nil
	}

	if loadFromDisk == nil {
		loadFromDisk = func() (map[string]any, bool, error) { return loadMetadataFromDisk(ctx, g) }
	}
	metadata, found, err := loadFromDisk()
	if err != nil {
		return err
	}
	if found {
		g.SetMetadata(metadata, MetadataDisk)
		return ensureMetadataLoadedUpToDate(ctx, g, loadFromDisk)
	}
	return ensureMetadataLoadedOnline(ctx, g)
}

// loadMetadataFromDisk reads api-metadata.json from g.Dir, if present.
func loadMetadataFromDisk(ctx *ArchiverContext, g *Gallery) (map[string]any, bool, error) {
	path := filepath.Join(g.Dir, "api-metadata.json")
	exists, err := afero.Exists(ctx.Fs, path)
	if err != nil {
		return nil, false, fmt.Errorf("checking %s: %w", path, err)
	}
	if !exists {
		return nil, false, nil
	}
	f, err := ctx.Fs.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var metadata map[string]any
	if err := json.NewDecoder(f).Decode(&metadata); err != nil {
		return nil, false, fmt.Errorf("parsing %s: %w", path, err)
	}
	return metadata, true, nil
}
