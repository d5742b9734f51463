package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
)

func metadataTestServer(t *testing.T, title string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"gmetadata":[{"gid":1,"title":%q,"posted":"1700000000"}]}`, title)
	}))
}

func newTestContext(t *testing.T, fs afero.Fs, srv *httptest.Server, mode Mode) *ArchiverContext {
	client := newTestClient(t, srv, 0)
	return &ArchiverContext{Client: client, Fs: fs, Logger: testLogger(), Mode: mode}
}

func TestMetadataArchiverFetchesWhenMissing(t *testing.T) {
	srv := metadataTestServer(t, "a gallery")
	defer srv.Close()

	fs := afero.NewMemMapFs()
	ctx := newTestContext(t, fs, srv, ModeDownload)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)

	a := &MetadataArchiver{}
	assert.NilError(t, a.Process(ctx, g))

	exists, _ := afero.Exists(fs, "/dir/api-metadata.json")
	assert.Equal(t, exists, true)

	_, state := g.Metadata()
	assert.Equal(t, state, MetadataOnline)
}

func TestMetadataArchiverSkipsWhenAlreadyPresent(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/dir/api-metadata.json", []byte(`{"title":"x"}`), 0o644))

	ctx := newTestContext(t, fs, srv, ModeDownload)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)

	a := &MetadataArchiver{}
	assert.NilError(t, a.Process(ctx, g))
	assert.Equal(t, called, false)
}

func TestMetadataArchiverSkippedWhenElementDisabled(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	ctx := newTestContext(t, fs, srv, ModeDownload)
	ctx.Skip = map[elementName]bool{elementMetadata: true}
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)

	a := &MetadataArchiver{}
	assert.NilError(t, a.Process(ctx, g))
	assert.Equal(t, called, false)
}

func TestMetadataArchiverErrorsOnEmptyTitle(t *testing.T) {
	srv := metadataTestServer(t, "")
	defer srv.Close()

	fs := afero.NewMemMapFs()
	ctx := newTestContext(t, fs, srv, ModeDownload)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)

	a := &MetadataArchiver{}
	err = a.Process(ctx, g)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestEnsureMetadataLoadedSkipsWhenAlreadySet(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	ctx := newTestContext(t, fs, srv, ModeDownload)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)
	g.SetMetadata(map[string]any{"title": "x"}, MetadataDisk)

	assert.NilError(t, ensureMetadataLoaded(ctx, g))
	assert.Equal(t, called, false)
}

func TestEnsureMetadataLoadedOnlineAlwaysRefetches(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"gmetadata":[{"gid":1,"title":"x"}]}`)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	ctx := newTestContext(t, fs, srv, ModeDownload)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)
	g.SetMetadata(map[string]any{"title": "stale"}, MetadataDisk)

	assert.NilError(t, ensureMetadataLoadedOnline(ctx, g))
	assert.Equal(t, calls, 1)
	_, state := g.Metadata()
	assert.Equal(t, state, MetadataOnline)
}

func TestEnsureMetadataLoadedUpToDateFromFreshDisk(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/dir/api-metadata.json", []byte(`{"title":"x"}`), 0o644))

	ctx := newTestContext(t, fs, srv, ModeUpdate)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)
	g.UpdateThreshold = time.Now().Add(-time.Hour) // file written "now" > threshold: fresh

	assert.NilError(t, ensureMetadataLoadedUpToDate(ctx, g, nil))
	assert.Equal(t, called, false)
	_, state := g.Metadata()
	assert.Equal(t, state, MetadataDiskUpToDate)
}

func TestEnsureMetadataLoadedUpToDateRefetchesStaleDisk(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"gmetadata":[{"gid":1,"title":"fresh"}]}`)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/dir/api-metadata.json", []byte(`{"title":"x"}`), 0o644))

	ctx := newTestContext(t, fs, srv, ModeUpdate)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)
	g.UpdateThreshold = time.Now().Add(time.Hour) // file mtime is before threshold: stale

	assert.NilError(t, ensureMetadataLoadedUpToDate(ctx, g, nil))
	assert.Equal(t, calls, 1)
	_, state := g.Metadata()
	assert.Equal(t, state, MetadataOnline)
}
