// Package storage implements the durable workspace state for gotn: the
// atomic file layer, per-key write locks, the append-only journal, and the
// graph store that ties them together.
//
// Layout under <workspace>/.gotn/:
//
//	meta.json       workspace metadata, pretty-printed
//	graph.json      current graph snapshot, pretty-printed
//	journal.ndjson  one compact JournalEntry per line
//	runs/           one directory per composed plan
//	cache/          embedder cache
//	locks/          reserved for cross-process locking
//	logs.ndjson     structured log sink
//
// Write discipline: mutations serialize on a per-workspace key, commit the
// snapshot with an atomic temp-write + rename, then append the journal
// event. Readers never lock; they observe either the pre- or post-rename
// snapshot.
package storage

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/gotnhq/gotn/pkg/errs"
)

// WriteFileAtomic writes data to path so that readers never observe a
// partial file: the bytes go to a unique temp file in the same directory,
// the temp file is fsynced, renamed over the target, and the directory
// entry is fsynced. The temp file is removed on any failure.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindIOError, err, "creating directory %s", dir)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "creating temp file in %s", dir)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return errs.Wrap(errs.KindIOError, err, "writing %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return errs.Wrap(errs.KindIOError, err, "syncing %s", tmpName)
	}
	if err := tmp.Chmod(perm); err != nil {
		cleanup()
		return errs.Wrap(errs.KindIOError, err, "chmod %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.KindIOError, err, "closing %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return errs.Wrap(errs.KindIOError, err, "renaming %s over %s", tmpName, path)
	}

	// Persist the directory entry so the rename survives a crash.
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// WriteJSONAtomic marshals v pretty-printed with two-space indent and
// writes it atomically. All persisted .json documents go through here.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "marshaling %s", filepath.Base(path))
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// ReadJSON reads path and unmarshals it into v. A missing file reports
// NotFound; undecodable content reports the given corruption kind so the
// caller can distinguish snapshot corruption from plain IO failure.
func ReadJSON(path string, v any, corruptKind errs.Kind) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.New(errs.KindNotFound, "%s does not exist", path)
		}
		return errs.Wrap(errs.KindIOError, err, "reading %s", path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.Wrap(corruptKind, err, "decoding %s", path)
	}
	return nil
}

// AppendLine appends one line (a terminating newline is added) to path,
// creating the file when absent, and fsyncs before returning.
func AppendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errs.Wrap(errs.KindIOError, err, "creating directory for %s", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.Wrap(errs.KindIOError, err, "opening %s", path)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errs.Wrap(errs.KindIOError, err, "appending to %s", path)
	}
	if err := f.Sync(); err != nil {
		return errs.Wrap(errs.KindIOError, err, "syncing %s", path)
	}
	return nil
}

// fileExists reports whether path exists and is a regular file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
