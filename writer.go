package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"unicode/utf16"

	"github.com/spf13/afero"
)

// Path-length budget constants, grounded exactly on original_source's
// AbstractElementArchivalService.java (MAX_PATH_LENGTH, MAX_FILENAME_LENGTH,
// and the tmp/non-unique suffix overheads). A non-Windows-aware filesystem
// could relax these, but the bytewise truncation algorithm must be
// preserved so identical inputs produce identical outputs across hosts.
const (
	maxPathLength     = 258
	maxFilenameLength = 255
	tmpOverhead       = 4 // ".tmp"
	nonUniqueOverhead = 5 // " (99)"
)

// illegalCharMapping replaces characters forbidden in Windows filenames
// with their full-width Unicode lookalikes, matching
// AbstractElementArchivalService.java's FILENAME_CLEANUP mapping exactly.
var illegalCharMapping = map[rune]rune{
	'\\': '＼',
	'/':  '／',
	'|':  '｜',
	':':  '：',
	'?':  '？',
	'*':  '＊',
	'"':  '＂',
	'<':  '＜',
	'>':  '＞',
}

// ArchivableElementWriter writes the content of a file being saved
// transactionally. It is handed the temp file path to write to.
type ArchivableElementWriter func(fs afero.Fs, tmpPath string) error

// save implements C2's transactional write algorithm: write to a .tmp file,
// back up any existing target, atomically rename the temp file into place,
// then best-effort delete the backup. On any I/O error while writing,
// backing up or renaming, the .tmp file is removed and the error
// propagated; a .bak left behind by a prior failed attempt remains the
// valid prior version.
//
// Grounded on original_source's api/FilesUtils.java save() method.
func save(fs afero.Fs, logger *slog.Logger, dir, filename string, writer ArchivableElementWriter) error {
	file := filepath.Join(dir, filename)
	tmpFile := file + ".tmp"
	bakFile := file + ".bak"

	logger.Debug("writing to temporary file", "path", tmpFile)
	if err := writer(fs, tmpFile); err != nil {
		if rmErr := fs.Remove(tmpFile); rmErr != nil && !isNotExist(rmErr) {
			logger.Error("could not delete temporary file after write failure", "path", tmpFile, "error", rmErr)
			return fmt.Errorf("could not delete temporary file: %w", rmErr)
		}
		return fmt.Errorf("could not save file %s: %w", file, err)
	}

	if exists, err := afero.Exists(fs, file); err != nil {
		_ = fs.Remove(tmpFile)
		return fmt.Errorf("checking existing file %s: %w", file, err)
	} else if exists {
		logger.Debug("creating backup of existing file", "file", file, "backup", bakFile)
		if err := fs.Rename(file, bakFile); err != nil {
			_ = fs.Remove(tmpFile)
			return fmt.Errorf("could not back up existing file %s: %w", file, err)
		}
	}

	logger.Debug("renaming temporary file into place", "tmp", tmpFile, "file", file)
	if err := fs.Rename(tmpFile, file); err != nil {
		_ = fs.Remove(tmpFile)
		return fmt.Errorf("could not finalize save of %s: %w", file, err)
	}

	if exists, err := afero.Exists(fs, bakFile); err == nil && exists {
		logger.Debug("removing backup file", "backup", bakFile)
		if err := fs.Remove(bakFile); err != nil {
			logger.Warn("removing backup file failed, manual clean-up required", "backup", bakFile, "error", err)
		}
	}

	return nil
}

// sanitizeFilename applies §4.2's character replacement, control-character
// stripping, and three-way length truncation (absolute path, UTF-8 bytes,
// UTF-16 bytes), all relative to dir so the absolute-path budget can be
// computed. withTmp accounts for callers that will also append ".tmp"
// before the rename step (the writer always does, so this is true for
// every call save() makes internally); nonUnique accounts for a possible
// " (99)" numbered suffix.
func sanitizeFilename(dir, filename string, withTmp, nonUnique bool) (string, error) {
	cleaned := stripAndReplace(filename)

	ext := filepath.Ext(cleaned)
	base := strings.TrimSuffix(cleaned, ext)

	suffixOverhead := 0
	if withTmp {
		suffixOverhead += tmpOverhead
	}
	if nonUnique {
		suffixOverhead += nonUniqueOverhead
	}

	// Absolute-path-length budget.
	absBudget := maxPathLength - suffixOverhead - len(dir) - 1 /* separator */ - len(ext)
	// UTF-8 byte budget, plus a UTF-16 code-unit budget since Windows path
	// limits count UTF-16 units (where non-BMP runes cost two units each);
	// compute both and take the tightest.
	utf8Budget := maxFilenameLength - suffixOverhead - len(ext)
	utf16Budget := maxFilenameLength - suffixOverhead*2 - len(utf16.Encode([]rune(ext)))

	maxBaseLen := minInt(absBudget, minInt(utf8Budget, utf16Budget))
	if maxBaseLen <= 0 {
		return "", ErrFilenameTooLong
	}

	base = truncateToByteBudgets(base, maxBaseLen, withTmp, nonUnique)
	base = strings.TrimRight(base, " \t")
	if base == "" {
		return "", ErrFilenameTooLong
	}

	return base + ext, nil
}

func stripAndReplace(name string) string {
	var b strings.Builder
	for _, r := range name {
		if r <= 0x1f || r == 0x7f {
			continue
		}
		if repl, ok := illegalCharMapping[r]; ok {
			b.WriteRune(repl)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// truncateToByteBudgets truncates base so that its UTF-8 byte length and
// UTF-16 code-unit length both fit within maxLen, preferring to cut at a
// rune boundary.
func truncateToByteBudgets(base string, maxLen int, _, _ bool) string {
	runes := []rune(base)
	for len(runes) > 0 {
		candidate := string(runes)
		if len(candidate) <= maxLen && len(utf16.Encode(runes)) <= maxLen {
			return candidate
		}
		runes = runes[:len(runes)-1]
	}
	return ""
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// resolveUniqueName implements §4.2's collision resolution. If unique is
// true and a case-insensitively equal filename already exists in dir, the
// existing file is deleted and candidate is reused. If unique is false,
// candidates "name", "name (2)", ... "name (99)" are tried, stopping at the
// first absent case-insensitive match; exhausting all 99 fails.
func resolveUniqueName(fs afero.Fs, dir, candidate string, unique bool) (string, error) {
	if unique {
		existing, err := findCaseInsensitiveMatch(fs, dir, candidate)
		if err != nil {
			return "", err
		}
		if existing != "" {
			if err := fs.Remove(filepath.Join(dir, existing)); err != nil {
				return "", fmt.Errorf("removing colliding file %s: %w", existing, err)
			}
		}
		return candidate, nil
	}

	ext := filepath.Ext(candidate)
	base := strings.TrimSuffix(candidate, ext)

	for n := 1; n <= 99; n++ {
		try := candidate
		if n > 1 {
			try = fmt.Sprintf("%s (%d)%s", base, n, ext)
		}
		existing, err := findCaseInsensitiveMatch(fs, dir, try)
		if err != nil {
			return "", err
		}
		if existing == "" {
			return try, nil
		}
	}
	return "", ErrCollisionExhausted
}

func findCaseInsensitiveMatch(fs afero.Fs, dir, name string) (string, error) {
	entries, err := afero.ReadDir(fs, dir)
	if err != nil {
		if isNotExist(err) {
			return "", nil
		}
		return "", err
	}
	for _, entry := range entries {
		if strings.EqualFold(entry.Name(), name) {
			return entry.Name(), nil
		}
	}
	return "", nil
}
