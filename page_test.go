package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
)

func TestPageArchiverFetchesAndSaves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body><div id="rating_label">Average</div></body></html>`)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	ctx := newTestContext(t, fs, srv, ModeDownload)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)

	a := &PageArchiver{}
	assert.NilError(t, a.Process(ctx, g))

	exists, _ := afero.Exists(fs, "/dir/page.html")
	assert.Equal(t, exists, true)
	assert.Equal(t, g.HasFile("page.html"), true)
}

func TestPageArchiverMarksUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `<html><head><title>Gallery Not Available - x</title></head><body><div class="d"><p>Copyright claim.</p></div></body></html>`)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	ctx := newTestContext(t, fs, srv, ModeDownload)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)

	a := &PageArchiver{}
	assert.NilError(t, a.Process(ctx, g))
	assert.Equal(t, g.IsUnavailable(), true)
	assert.Equal(t, g.UnavailableReason(), "Copyright claim.")
}

func TestPageArchiverSkippedWhenAlreadyUnavailable(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	ctx := newTestContext(t, fs, srv, ModeDownload)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)
	g.MarkUnavailable("already known")

	a := &PageArchiver{}
	assert.NilError(t, a.Process(ctx, g))
	assert.Equal(t, called, false)
}

func TestPageArchiverErrorsOnMissingRatingLabel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<html><body>nothing here</body></html>`)
	}))
	defer srv.Close()

	fs := afero.NewMemMapFs()
	ctx := newTestContext(t, fs, srv, ModeDownload)
	g, err := NewGallery(fs, 1, "aaaaaaaaaa", "/dir")
	assert.NilError(t, err)

	a := &PageArchiver{}
	err = a.Process(ctx, g)
	assert.ErrorIs(t, err, ErrVerificationFailed)
}
