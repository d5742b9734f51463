package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"io"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/spf13/afero"
)

// ApiTorrent is one entry of metadata.torrents[], as returned by the
// "gdata" API.
//
// Grounded on original_source's model/ApiTorrent.java.
type ApiTorrent struct {
	Hash  string
	Tsize int64
	Added time.Time
}

func parseAPITorrents(metadata map[string]any) ([]ApiTorrent, error) {
	raw, _ := metadata["torrents"].([]any)
	out := make([]ApiTorrent, 0, len(raw))
	for _, item := range raw {
		obj, ok := item.(map[string]any)
		if !ok {
			continue
		}
		hash, _ := obj["hash"].(string)
		addedV, ok := obj["added"]
		if hash == "" || !ok {
			continue
		}
		tsize, err := parseTsize(obj["tsize"])
		if err != nil {
			return nil, fmt.Errorf("parsing torrent tsize: %w", err)
		}
		added, err := parsePostedInstant(addedV)
		if err != nil {
			return nil, fmt.Errorf("parsing torrent added time: %w", err)
		}
		out = append(out, ApiTorrent{Hash: hash, Tsize: tsize, Added: added})
	}
	return out, nil
}

// parseTsize coerces metadata.torrents[].tsize, which the gdata API returns
// as a JSON string (mirroring the "added" field), tolerating a bare number
// too.
//
// Grounded on original_source's TorrentArchivalService.parseApiTorrents,
// which reads tsize via tsizeElement.getAsString() + Integer.valueOf.
func parseTsize(v any) (int64, error) {
	switch t := v.(type) {
	case float64:
		return int64(t), nil
	case string:
		var size int64
		if _, err := fmt.Sscanf(t, "%d", &size); err != nil {
			return 0, err
		}
		return size, nil
	default:
		return 0, fmt.Errorf("unrecognized tsize value type %T", v)
	}
}

// personalizedTorrentURLPattern extracts a document.location assignment
// from a torrent anchor's onclick attribute.
var personalizedTorrentURLPattern = regexp.MustCompile(`document\.location\s*=\s*'([^']+)'`)

// TorrentArchiver reconciles on-disk .torrent files against the API's
// torrent list, deleting stale files, downloading missing ones, and
// falling back to a cookie-refresh retry when the tracker rejects the
// session.
//
// Grounded on original_source's service/archival/element/TorrentArchivalService.java.
type TorrentArchiver struct{}

func (a *TorrentArchiver) Name() elementName { return elementTorrent }

func (a *TorrentArchiver) Process(ctx *ArchiverContext, g *Gallery) error {
	if !ctx.active(elementTorrent) || g.IsUnavailable() {
		return nil
	}

	if err := ensureMetadataLoadedUpToDate(ctx, g, nil); err != nil {
		return err
	}
	metadata, _ := g.Metadata()
	apiTorrents, err := parseAPITorrents(metadata)
	if err != nil {
		return err
	}

	if err := g.EnsureFilesLoaded(); err != nil {
		return err
	}
	for _, filename := range g.FilesWithSuffix(".torrent") {
		keep, remaining, err := reconcileOne(ctx, g, filename, apiTorrents)
		if err != nil {
			return err
		}
		apiTorrents = remaining
		if !keep {
			if err := ctx.Fs.Remove(filepath.Join(g.Dir, filename)); err != nil && !isNotExist(err) {
				return fmt.Errorf("removing stale torrent %s: %w", filename, err)
			}
			g.ForgetFile(filename)
		}
	}

	if len(apiTorrents) == 0 {
		return nil
	}

	doc, err := ctx.Client.LoadTorrentPage(g.ID, g.Token)
	if err != nil {
		return fmt.Errorf("fetching torrent list for gallery %d: %w", g.ID, err)
	}
	if doc.Find("#torrentinfo").Length() == 0 {
		if reason, ok := checkUnavailable(doc); ok {
			return markAsUnavailable(ctx, g, reason)
		}
		return fmt.Errorf("torrent list for gallery %d missing #torrentinfo: %w", g.ID, ErrVerificationFailed)
	}

	var firstOnclick string
	for _, torrent := range apiTorrents {
		anchor := doc.Find("a").FilterFunction(func(_ int, sel *goquery.Selection) bool {
			href, _ := sel.Attr("href")
			return strings.Contains(href, ".torrent") && strings.Contains(href, torrent.Hash)
		}).First()
		href, ok := anchor.Attr("href")
		if !ok {
			continue
		}
		if firstOnclick == "" {
			firstOnclick, _ = anchor.Attr("onclick")
		}
		resolvedURL := resolveAgainst(doc.Url, href)
		if err := a.downloadOne(ctx, g, resolvedURL, true); err == nil {
			continue
		}

		if firstOnclick == "" {
			return fmt.Errorf("all torrent downloads for gallery %d failed MIME check and no cookie-refresh link is available", g.ID)
		}
		m := personalizedTorrentURLPattern.FindStringSubmatch(firstOnclick)
		if m == nil {
			return fmt.Errorf("could not extract personalized torrent URL from onclick for gallery %d", g.ID)
		}
		if _, err := ctx.Client.LoadDocument(m[1]); err != nil {
			return fmt.Errorf("refreshing tracker cookies for gallery %d: %w", g.ID, err)
		}
		retryURL := resolvedURL + "?cache=bypass"
		if err := a.downloadOne(ctx, g, retryURL, false); err != nil {
			return err
		}
	}
	return nil
}

// reconcileOne checks whether an existing on-disk torrent file matches one
// of the remaining API torrents by size and mtime-after-added, returning
// whether to keep it and the apiTorrents slice with the match (if any)
// removed.
func reconcileOne(ctx *ArchiverContext, g *Gallery, filename string, apiTorrents []ApiTorrent) (bool, []ApiTorrent, error) {
	info, err := ctx.Fs.Stat(filepath.Join(g.Dir, filename))
	if err != nil {
		if isNotExist(err) {
			return false, apiTorrents, nil
		}
		return false, apiTorrents, err
	}
	for i, torrent := range apiTorrents {
		if info.Size() == torrent.Tsize && info.ModTime().After(torrent.Added) {
			remaining := append(append([]ApiTorrent{}, apiTorrents[:i]...), apiTorrents[i+1:]...)
			return true, remaining, nil
		}
	}
	return false, apiTorrents, nil
}

// downloadOne downloads url, requiring MIME application/x-bittorrent, with
// failAcceptable controlling whether a MIME mismatch is a soft failure
// (caller retries) or a hard error.
func (a *TorrentArchiver) downloadOne(ctx *ArchiverContext, g *Gallery, url string, failAcceptable bool) error {
	var savedName string
	accepted, err := ctx.Client.DownloadFile(url, func(mimeType, filename string, body io.Reader) (bool, error) {
		if mimeType != "application/x-bittorrent" {
			return false, nil
		}
		clean, err := sanitizeFilename(g.Dir, filename, true, false)
		if err != nil {
			return false, err
		}
		unique, err := resolveUniqueName(ctx.Fs, g.Dir, clean, false)
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
		return fmt.Errorf("downloading torrent from %s: %w", url, err)
	}
	if !accepted {
		if failAcceptable {
			return ErrMimeMismatch
		}
		return fmt.Errorf("torrent download from %s was not application/x-bittorrent: %w", url, ErrMimeMismatch)
	}
	g.RecordFile(savedName)
	return nil
}

// resolveAgainst resolves href relative to base, falling back to the raw
// href if it fails to parse (callers pass server-controlled input that is
// expected to already be well-formed).
func resolveAgainst(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}
