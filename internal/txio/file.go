// Package txio provides atomic, checksummed file writes with crash recovery.
//
// Every write goes to a sibling temp file (<path>.tmp) which is fsynced and
// renamed onto the target, so readers observe either the old or the new
// content and never a partial write. A hex SHA-256 of the payload is stored
// in a sidecar (<path>.sha256) so the file can be integrity-checked later.
//
// Temp files left behind by a crash are removed by Recovery, and files whose
// content no longer matches their sidecar are reported (and optionally
// restored from a backup directory) by Healer. Initialize runs both once at
// startup.
//
// Concurrent writers of the same path within one process must be serialized
// by the caller. No inter-process locking is done on the temp path.
package txio

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"agentd/internal/fileversion"
)

// File naming conventions
const (
	TempSuffix     = ".tmp"
	ChecksumSuffix = ".sha256"
)

// Permission constants
const (
	PermFile os.FileMode = 0644
	PermDir  os.FileMode = 0755
)

// File is a transactional handle on a single data file and its sidecar.
type File struct {
	path string
	perm os.FileMode
}

// Open returns a handle for path. The file does not need to exist.
func Open(path string) *File {
	return &File{path: filepath.Clean(path), perm: PermFile}
}

// Path returns the data file path.
func (f *File) Path() string { return f.path }

// TempPath returns the path used for in-flight writes.
func (f *File) TempPath() string { return f.path + TempSuffix }

// ChecksumPath returns the sidecar path.
func (f *File) ChecksumPath() string { return f.path + ChecksumSuffix }

// WriteAtomic replaces the file content with data.
//
// On failure the temp file is removed and the target keeps its previous
// content.
func (f *File) WriteAtomic(data []byte) error {
	if err := os.MkdirAll(filepath.Dir(f.path), PermDir); err != nil {
		return txErr("mkdir", f.path, err)
	}

	tmpPath := f.TempPath()
	tmp, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.perm)
	if err != nil {
		return txErr("create temp", tmpPath, err)
	}

	abort := func(op string, err error) error {
		tmp.Close()
		os.Remove(tmpPath)
		return txErr(op, f.path, err)
	}

	if _, err := tmp.Write(data); err != nil {
		return abort("write temp", err)
	}
	if err := tmp.Sync(); err != nil {
		return abort("sync temp", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return txErr("close temp", f.path, err)
	}

	prevSum, prevErr := os.ReadFile(f.ChecksumPath())
	restoreSum := func() {
		if prevErr == nil {
			os.WriteFile(f.ChecksumPath(), prevSum, f.perm)
		} else {
			os.Remove(f.ChecksumPath())
		}
	}

	sum := fileversion.HashBytes(data)
	if err := os.WriteFile(f.ChecksumPath(), []byte(sum), f.perm); err != nil {
		os.Remove(tmpPath)
		restoreSum()
		return txErr("write checksum", f.path, err)
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		restoreSum()
		return txErr("rename", f.path, err)
	}

	if err := syncDir(filepath.Dir(f.path)); err != nil {
		return txErr("sync dir", f.path, err)
	}
	return nil
}

// syncDir flushes the directory entry for a completed rename. Windows does
// not support fsync on directories.
func syncDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

// MoveAside renames the data file and its sidecar to
// <path>.<suffix>[.sha256] so fresh content can be written without
// destroying the old. It returns the new data path.
func (f *File) MoveAside(suffix string) (string, error) {
	dst := f.path + "." + suffix
	if err := os.Rename(f.path, dst); err != nil {
		return "", txErr("move aside", f.path, err)
	}
	if err := os.Rename(f.ChecksumPath(), dst+ChecksumSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return dst, txErr("move aside checksum", f.path, err)
	}
	return dst, nil
}

// WriteText writes s atomically as UTF-8.
func (f *File) WriteText(s string) error {
	return f.WriteAtomic([]byte(s))
}

// WriteJSON writes v atomically as indented JSON.
func (f *File) WriteJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return txErr("encode json", f.path, err)
	}
	return f.WriteAtomic(append(data, '\n'))
}

// ReadBytes returns the file content.
func (f *File) ReadBytes() ([]byte, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, txErr("read", f.path, err)
	}
	return data, nil
}

// ReadText returns the file content as a string.
func (f *File) ReadText() (string, error) {
	data, err := f.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// ReadJSON decodes the file content into v.
func (f *File) ReadJSON(v any) error {
	data, err := f.ReadBytes()
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return txErr("decode json", f.path, err)
	}
	return nil
}

// Exists reports whether the data file exists.
func (f *File) Exists() bool {
	_, err := os.Stat(f.path)
	return err == nil
}

// VerifyChecksum compares the on-disk content against the sidecar.
//
// A missing data file or a missing sidecar is a soft pass. A mismatch
// returns false and a *ChecksumMismatchError.
func (f *File) VerifyChecksum() (bool, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, txErr("read", f.path, err)
	}

	expected, err := f.readChecksum()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, txErr("read checksum", f.path, err)
	}

	actual := fileversion.HashBytes(data)
	if actual != expected {
		return false, &ChecksumMismatchError{Path: f.path, Expected: expected, Actual: actual}
	}
	return true, nil
}

func (f *File) readChecksum() (string, error) {
	raw, err := os.ReadFile(f.ChecksumPath())
	if err != nil {
		return "", err
	}
	fields := strings.Fields(string(bytes.TrimSpace(raw)))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), nil
}

// Delete removes the data file and its sidecar.
func (f *File) Delete() error {
	var errs []error
	for _, p := range []string{f.path, f.ChecksumPath()} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return txErr("delete", f.path, errors.Join(errs...))
	}
	return nil
}
