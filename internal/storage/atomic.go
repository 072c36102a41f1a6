// Package storage implements the BBS's on-disk persistence: users, the
// topic tree, threads/posts, the audit log, and the supplemented admin
// activity log, call history, and node cache. Every single-document write
// goes through writeAtomic, using a temp-file-plus-rename
// pattern with fsync added so a crash between rename and the next read
// cannot leave a half-written document visible.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeAtomic writes data to path by creating a temp file in the same
// directory, flushing and fsyncing it, renaming it over path, then fsyncing
// the containing directory so the rename itself is durable.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file in %s: %w", dir, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("writing temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("fsyncing temp file %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming %s to %s: %w", tmpPath, path, err)
	}

	if dirHandle, err := os.Open(dir); err == nil {
		_ = dirHandle.Sync()
		dirHandle.Close()
	}
	return nil
}

// readResilient reads path and strips a single leading NUL byte if present,
// tolerating partially-truncated files seen in the wild.
func readResilient(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 && data[0] == 0x00 {
		data = data[1:]
	}
	return data, nil
}

// appendAtomic appends a line to an append-only log file, creating it if
// necessary, fsyncing after the write.
func appendAtomic(path string, line []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating dir %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening append-only file %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("appending to %s: %w", path, err)
	}
	return f.Sync()
}
