package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"testing"
	"time"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
)

func TestFindMetadataDirs(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/archive/1/api-metadata.json", []byte("{}"), 0o644))
	assert.NilError(t, afero.WriteFile(fs, "/archive/2/api-metadata.json", []byte("{}"), 0o644))
	assert.NilError(t, afero.WriteFile(fs, "/archive/2/page.html", []byte("x"), 0o644))

	dirs, err := findMetadataDirs(fs, "/archive")
	assert.NilError(t, err)
	assert.Equal(t, len(dirs), 2)
}

func TestBuildGalleryFromMetadataFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/archive/1/api-metadata.json",
		[]byte(`{"gid":1,"token":"aaaaaaaaaa","posted":"1700000000"}`), 0o644))

	ctx := &ArchiverContext{Fs: fs, Logger: testLogger()}
	runner := NewUpdateRunner(ctx, nil, nil, "/archive", UpdateInterval{}, &RunStats{})

	g, err := runner.buildGallery("/archive/1")
	assert.NilError(t, err)
	assert.Equal(t, g.ID, uint64(1))
	assert.Equal(t, g.Token, "aaaaaaaaaa")
}

func TestBuildGalleryRejectsMissingMetadata(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, fs.MkdirAll("/archive/1", 0o755))

	ctx := &ArchiverContext{Fs: fs, Logger: testLogger()}
	runner := NewUpdateRunner(ctx, nil, nil, "/archive", UpdateInterval{}, &RunStats{})

	_, err := runner.buildGallery("/archive/1")
	assert.ErrorContains(t, err, "missing api-metadata.json")
}

func TestBuildGalleryRejectsMissingGidOrToken(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/archive/1/api-metadata.json", []byte(`{"gid":1}`), 0o644))

	ctx := &ArchiverContext{Fs: fs, Logger: testLogger()}
	runner := NewUpdateRunner(ctx, nil, nil, "/archive", UpdateInterval{}, &RunStats{})

	_, err := runner.buildGallery("/archive/1")
	assert.ErrorContains(t, err, "missing gid/token")
}

func TestUpdateRunnerRefreshesGalleries(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/archive/1/api-metadata.json",
		[]byte(`{"gid":1,"token":"aaaaaaaaaa","posted":"1700000000"}`), 0o644))

	ledger, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)

	var calls int
	archivers := []ElementArchiver{&stubArchiver{name: elementPage, calls: &calls}}
	ctx := &ArchiverContext{Fs: fs, Logger: testLogger()}
	stats := &RunStats{}
	runner := NewUpdateRunner(ctx, archivers, ledger, "/archive", UpdateInterval{}, stats)

	assert.NilError(t, runner.Run())
	assert.Equal(t, calls, 1)
	assert.Equal(t, stats.GalleriesProcessed, 1)
	assert.Equal(t, ledger.IsInSuccessIds(1), true)
}

func TestUpdateRunnerRefreshesRemainingArchiversAfterOneFails(t *testing.T) {
	original := elementRetryWait
	elementRetryWait = time.Millisecond
	defer func() { elementRetryWait = original }()

	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/archive/1/api-metadata.json",
		[]byte(`{"gid":1,"token":"aaaaaaaaaa","posted":"1700000000"}`), 0o644))

	ledger, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)

	var pageCalls, thumbCalls int
	archivers := []ElementArchiver{
		&stubArchiver{name: elementPage, calls: &pageCalls, fn: func(ctx *ArchiverContext, g *Gallery) error {
			return ErrVerificationFailed
		}},
		&stubArchiver{name: elementThumbnail, calls: &thumbCalls},
	}
	ctx := &ArchiverContext{Fs: fs, Logger: testLogger()}
	stats := &RunStats{}
	runner := NewUpdateRunner(ctx, archivers, ledger, "/archive", UpdateInterval{}, stats)

	err = runner.Run()
	assert.NilError(t, err)
	// The failing page archiver still gets attempted every retry, but the
	// thumbnail archiver after it must not be skipped on account of it.
	assert.Equal(t, pageCalls, 3)
	assert.Equal(t, thumbCalls, 1)
	assert.Equal(t, stats.GalleriesFailed, 1)
	assert.Equal(t, stats.GalleriesProcessed, 0)
	assert.Equal(t, ledger.IsInSuccessIds(1), false)
}

func TestUpdateRunnerAbortsAfterTooManyConsecutiveFailures(t *testing.T) {
	original := elementRetryWait
	elementRetryWait = time.Millisecond
	defer func() { elementRetryWait = original }()

	fs := afero.NewMemMapFs()
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		assert.NilError(t, afero.WriteFile(fs, "/archive/"+id+"/api-metadata.json",
			[]byte(`{"gid":`+id+`,"token":"aaaaaaaaaa"}`), 0o644))
	}

	ledger, err := NewSuccessLedger(fs, testLogger(), "/success", "alice")
	assert.NilError(t, err)

	failing := &stubArchiver{name: elementPage, fn: func(ctx *ArchiverContext, g *Gallery) error {
		return ErrVerificationFailed
	}}
	ctx := &ArchiverContext{Fs: fs, Logger: testLogger()}
	runner := NewUpdateRunner(ctx, []ElementArchiver{failing}, ledger, "/archive", UpdateInterval{}, &RunStats{})

	err = runner.Run()
	assert.ErrorIs(t, err, ErrTooManyConsecutiveFailures)
}
