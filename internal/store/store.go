// Package store provides the line-framed append-only file primitive
// underlying the audit entry log and the checkpoint log. Previously
// written bytes are never rewritten: each record goes to the tail in a
// single write followed by a flush, so a reader opened at any moment
// sees either the old tail or the new tail, never a half-written record.
package store

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// Common errors returned by store operations.
var (
	ErrClosed        = errors.New("store: log is closed")
	ErrEmptyPath     = errors.New("store: empty path")
	ErrSymlink       = errors.New("store: refusing to follow symlink")
	ErrRecordFraming = errors.New("store: record contains newline")
)

// Log is an append-only sequence of newline-framed records backed by a
// single file. One Log owns the write handle; readers open their own
// handles so scanning never contends with appends.
type Log struct {
	path string

	mu     sync.Mutex
	f      *os.File
	closed bool
}

// Open creates or opens the store file at path. Parent directories are
// created as needed. A symlink at path is rejected so a compromised
// process cannot redirect the record stream.
func Open(path string) (*Log, error) {
	if path == "" {
		return nil, ErrEmptyPath
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
	}
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("%w: %s", ErrSymlink, path)
		}
		if fi.IsDir() {
			return nil, fmt.Errorf("store: %s is a directory", path)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", path, err)
	}
	slog.Debug("append-only store opened", "path", path)
	return &Log{path: path, f: f}, nil
}

// Path returns the store's file path.
func (l *Log) Path() string { return l.path }

// Append writes one record to the tail and flushes it to disk before
// returning. The newline is the record frame, so rec must not contain
// one.
func (l *Log) Append(rec []byte) error {
	if bytes.ContainsRune(rec, '\n') {
		return ErrRecordFraming
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}

	buf := make([]byte, 0, len(rec)+1)
	buf = append(buf, rec...)
	buf = append(buf, '\n')
	if _, err := l.f.Write(buf); err != nil {
		return fmt.Errorf("appending to %s: %w", l.path, err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("flushing %s: %w", l.path, err)
	}
	return nil
}

// Scan reads every complete record in order, calling fn for each. A
// torn final line (a crash mid-append) is skipped. An error from fn
// aborts the scan and is returned as-is.
func (l *Log) Scan(fn func(rec []byte) error) error {
	return ScanFile(l.path, fn)
}

// ScanFile reads records from path without an open Log. A missing file
// is an empty store, not an error.
func ScanFile(path string, fn func(rec []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("opening store %s: %w", path, err)
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(line) > 0 {
				// No trailing newline: an interrupted append left a
				// torn tail. Complete records before it are unaffected.
				slog.Warn("ignoring torn record at store tail", "path", path, "bytes", len(line))
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading store %s: %w", path, err)
		}
		line = line[:len(line)-1]
		if len(line) == 0 {
			continue
		}
		if err := fn(line); err != nil {
			return err
		}
	}
}

// Size returns the store file's current size in bytes.
func (l *Log) Size() (int64, error) {
	fi, err := os.Stat(l.path)
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", l.path, err)
	}
	return fi.Size(), nil
}

// Close releases the write handle. Further appends fail with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if err := l.f.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", l.path, err)
	}
	return nil
}

// Exists reports whether a store file is present at path. Absence is
// the fresh-install state, not an error.
func Exists(path string) (bool, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Mode()&os.ModeSymlink != 0 {
		return false, fmt.Errorf("%w: %s", ErrSymlink, path)
	}
	return true, nil
}
