package main

// SPDX-License-Identifier: GPL-3.0-only

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

// SuccessLedger tracks which gallery ids are already known to be fully
// archived, by id rather than token, so that cross-run and cross-user
// deduplication is keyed the same way the site's own URLs are. Multiple
// instances of rippanda — typically one per account — can share a success
// directory: each writes only its own ledger and treats every other
// ledger file as a read-only peer.
//
// Grounded on original_source's service/SuccessIdsService.java.
type SuccessLedger struct {
	fs     afero.Fs
	logger *slog.Logger
	dir    string
	myPath string
	myTemp string

	mine map[uint64]struct{}
	order []uint64

	peers     map[string]map[uint64]struct{} // path -> ids, excludes mine
	peerMtime map[string]time.Time
	lastScan  time.Time
}

// NewSuccessLedger constructs the ledger for memberID and runs
// initSuccessIds: any leftover temp ledger from an aborted prior run is
// deleted, and every "success-*.txt" file in dir (including this user's
// own final ledger, if present) is loaded.
func NewSuccessLedger(fs afero.Fs, logger *slog.Logger, dir, memberID string) (*SuccessLedger, error) {
	l := &SuccessLedger{
		fs:        fs,
		logger:    logger,
		dir:       dir,
		myPath:    filepath.Join(dir, "success-"+memberID+".txt"),
		myTemp:    filepath.Join(dir, "success-"+memberID+"-temp.txt"),
		mine:      make(map[uint64]struct{}),
		peers:     make(map[string]map[uint64]struct{}),
		peerMtime: make(map[string]time.Time),
	}
	if err := l.initSuccessIds(); err != nil {
		return nil, err
	}
	return l, nil
}

// initSuccessIds deletes this user's leftover temp ledger (left behind by a
// run that aborted before finishing), then scans dir for success-*.txt
// files and loads each.
func (l *SuccessLedger) initSuccessIds() error {
	if exists, err := afero.Exists(l.fs, l.myTemp); err == nil && exists {
		l.logger.Warn("removing leftover temp success ledger from a prior aborted run", "path", l.myTemp)
		if err := l.fs.Remove(l.myTemp); err != nil {
			return fmt.Errorf("removing leftover temp ledger %s: %w", l.myTemp, err)
		}
	}

	entries, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("scanning success directory %s: %w", l.dir, err)
	}

	l.lastScan = time.Now()
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "success-") || !strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, "-temp.txt") {
			continue
		}
		path := filepath.Join(l.dir, name)
		ids, err := l.loadIDs(path)
		if err != nil {
			return err
		}
		if path == l.myPath {
			l.mine = ids
			for id := range ids {
				l.order = append(l.order, id)
			}
		} else {
			l.peers[path] = ids
			l.peerMtime[path] = entry.ModTime()
		}
	}
	return nil
}

func (l *SuccessLedger) loadIDs(path string) (map[uint64]struct{}, error) {
	f, err := l.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening success ledger %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	ids := make(map[uint64]struct{})
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		id, err := strconv.ParseUint(line, 10, 64)
		if err != nil {
			l.logger.Warn("skipping malformed line in success ledger", "path", path, "line", line)
			continue
		}
		ids[id] = struct{}{}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading success ledger %s: %w", path, err)
	}
	return ids, nil
}

// IsInSuccessIds reports whether id is present in this user's ledger or any
// loaded peer ledger.
func (l *SuccessLedger) IsInSuccessIds(id uint64) bool {
	if _, ok := l.mine[id]; ok {
		return true
	}
	for _, ids := range l.peers {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

// AddTempSuccessId appends id to this user's temp ledger, created on first
// use, marking the gallery as "processing started but not finished".
func (l *SuccessLedger) AddTempSuccessId(id uint64) error {
	return l.appendLine(l.myTemp, id)
}

// AddSuccessId appends id to this user's final ledger and updates the
// in-memory set.
func (l *SuccessLedger) AddSuccessId(id uint64) error {
	if err := l.appendLine(l.myPath, id); err != nil {
		return err
	}
	if _, ok := l.mine[id]; !ok {
		l.mine[id] = struct{}{}
		l.order = append(l.order, id)
	}
	return nil
}

func (l *SuccessLedger) appendLine(path string, id uint64) error {
	if err := l.fs.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("creating success directory %s: %w", l.dir, err)
	}
	f, err := l.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening success ledger %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write([]byte(strconv.FormatUint(id, 10) + "\r\n")); err != nil {
		return fmt.Errorf("appending to success ledger %s: %w", path, err)
	}
	return nil
}

// UpdateSuccessIds rescans peer ledgers, reloading only those whose mtime
// is newer than the previous scan. The new scan timestamp is captured
// before reading directory entries, so a peer write racing with this scan
// is picked up on the *next* call rather than lost.
func (l *SuccessLedger) UpdateSuccessIds() error {
	scanStart := time.Now()

	entries, err := afero.ReadDir(l.fs, l.dir)
	if err != nil {
		if isNotExist(err) {
			return nil
		}
		return fmt.Errorf("rescanning success directory %s: %w", l.dir, err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, "success-") || !strings.HasSuffix(name, ".txt") || strings.HasSuffix(name, "-temp.txt") {
			continue
		}
		path := filepath.Join(l.dir, name)
		if path == l.myPath {
			continue
		}
		if prev, ok := l.peerMtime[path]; ok && !entry.ModTime().After(prev) {
			continue
		}
		ids, err := l.loadIDs(path)
		if err != nil {
			return err
		}
		l.peers[path] = ids
		l.peerMtime[path] = entry.ModTime()
	}

	l.lastScan = scanStart
	return nil
}

// RemoveSuccessId removes id from this user's ledger and rewrites the
// final ledger file transactionally via the C2 writer, preserving
// insertion order of the surviving ids.
func (l *SuccessLedger) RemoveSuccessId(id uint64) error {
	if _, ok := l.mine[id]; !ok {
		return nil
	}
	delete(l.mine, id)

	var kept []uint64
	for _, existing := range l.order {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	l.order = kept

	filename := filepath.Base(l.myPath)
	err := save(l.fs, l.logger, l.dir, filename, func(fs afero.Fs, tmpPath string) error {
		f, err := fs.Create(tmpPath)
		if err != nil {
			return err
		}
		defer func() { _ = f.Close() }()
		w := bufio.NewWriter(f)
		for _, existing := range kept {
			if _, err := w.WriteString(strconv.FormatUint(existing, 10) + "\r\n"); err != nil {
				return err
			}
		}
		return w.Flush()
	})
	if err != nil {
		return fmt.Errorf("rewriting success ledger %s after removal: %w", l.myPath, err)
	}
	return nil
}

// ClearTempLedger deletes this user's temp ledger at the end of a
// successful run.
func (l *SuccessLedger) ClearTempLedger() error {
	if err := l.fs.Remove(l.myTemp); err != nil && !isNotExist(err) {
		return fmt.Errorf("clearing temp success ledger %s: %w", l.myTemp, err)
	}
	return nil
}
