package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"gotest.tools/v3/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSaveWritesNewFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := save(fs, testLogger(), "/dir", "page.html", func(fs afero.Fs, tmpPath string) error {
		return afero.WriteFile(fs, tmpPath, []byte("hello"), 0o644)
	})
	assert.NilError(t, err)

	got, err := afero.ReadFile(fs, "/dir/page.html")
	assert.NilError(t, err)
	assert.Equal(t, string(got), "hello")

	exists, _ := afero.Exists(fs, "/dir/page.html.tmp")
	assert.Equal(t, exists, false)
	exists, _ = afero.Exists(fs, "/dir/page.html.bak")
	assert.Equal(t, exists, false)
}

func TestSaveBacksUpAndReplacesExistingFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/dir/page.html", []byte("old"), 0o644))

	err := save(fs, testLogger(), "/dir", "page.html", func(fs afero.Fs, tmpPath string) error {
		return afero.WriteFile(fs, tmpPath, []byte("new"), 0o644)
	})
	assert.NilError(t, err)

	got, err := afero.ReadFile(fs, "/dir/page.html")
	assert.NilError(t, err)
	assert.Equal(t, string(got), "new")

	// Backup is best-effort deleted after a successful rename.
	exists, _ := afero.Exists(fs, "/dir/page.html.bak")
	assert.Equal(t, exists, false)
}

func TestSaveCleansUpTmpOnWriterError(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeErr := errors.New("boom")

	err := save(fs, testLogger(), "/dir", "page.html", func(fs afero.Fs, tmpPath string) error {
		_ = afero.WriteFile(fs, tmpPath, []byte("partial"), 0o644)
		return writeErr
	})
	assert.ErrorContains(t, err, "boom")

	exists, _ := afero.Exists(fs, "/dir/page.html.tmp")
	assert.Equal(t, exists, false)
	exists, _ = afero.Exists(fs, "/dir/page.html")
	assert.Equal(t, exists, false)
}

func TestSanitizeFilenameReplacesIllegalCharacters(t *testing.T) {
	got, err := sanitizeFilename("/dir", `a/b\c:d?e.jpg`, true, false)
	assert.NilError(t, err)
	assert.Equal(t, got, "a／b＼c：d？e.jpg")
}

func TestSanitizeFilenameStripsControlCharacters(t *testing.T) {
	got, err := sanitizeFilename("/dir", "a\x01b\x7fc.jpg", true, false)
	assert.NilError(t, err)
	assert.Equal(t, got, "abc.jpg")
}

func TestSanitizeFilenameIsIdempotent(t *testing.T) {
	once, err := sanitizeFilename("/dir", strings.Repeat("x", 500)+".jpg", true, false)
	assert.NilError(t, err)

	twice, err := sanitizeFilename("/dir", once, true, false)
	assert.NilError(t, err)
	assert.Equal(t, once, twice)
}

func TestSanitizeFilenameTruncatesLongNames(t *testing.T) {
	long := strings.Repeat("x", 500) + ".jpg"
	got, err := sanitizeFilename("/dir", long, true, false)
	assert.NilError(t, err)
	assert.Equal(t, len(got) <= maxFilenameLength, true)
	assert.Equal(t, strings.HasSuffix(got, ".jpg"), true)
}

func TestSanitizeFilenameRejectsWhenBudgetExhausted(t *testing.T) {
	longDir := "/" + strings.Repeat("d", 300)
	_, err := sanitizeFilename(longDir, "name.jpg", true, true)
	assert.ErrorIs(t, err, ErrFilenameTooLong)
}

func TestResolveUniqueNameReusesOnCollisionWhenUnique(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/dir/a.jpg", []byte("old"), 0o644))

	got, err := resolveUniqueName(fs, "/dir", "a.jpg", true)
	assert.NilError(t, err)
	assert.Equal(t, got, "a.jpg")

	exists, _ := afero.Exists(fs, "/dir/a.jpg")
	assert.Equal(t, exists, false)
}

func TestResolveUniqueNameNumbersOnCollisionWhenNotUnique(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/dir/a.jpg", []byte("old"), 0o644))

	got, err := resolveUniqueName(fs, "/dir", "a.jpg", false)
	assert.NilError(t, err)
	assert.Equal(t, got, "a (2).jpg")
}

func TestResolveUniqueNameExhaustsAtNinetyNine(t *testing.T) {
	fs := afero.NewMemMapFs()
	assert.NilError(t, afero.WriteFile(fs, "/dir/a.jpg", []byte("x"), 0o644))
	for n := 2; n <= 99; n++ {
		assert.NilError(t, afero.WriteFile(fs, "/dir/a ("+strconv.Itoa(n)+").jpg", []byte("x"), 0o644))
	}

	_, err := resolveUniqueName(fs, "/dir", "a.jpg", false)
	assert.ErrorIs(t, err, ErrCollisionExhausted)
}
