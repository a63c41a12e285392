package txio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"agentd/internal/fileversion"
)

// Healer verifies checksummed files and restores corrupted ones from a
// backup directory.
type Healer struct {
	baseDir     string
	logger      *slog.Logger
	concurrency int
}

// RepairReport lists the outcome for each file that failed verification.
type RepairReport struct {
	Repaired   []string
	Unresolved []string
}

// NewHealer creates a Healer rooted at baseDir. A nil logger discards.
func NewHealer(baseDir string, logger *slog.Logger) *Healer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Healer{
		baseDir:     baseDir,
		logger:      logger,
		concurrency: runtime.NumCPU(),
	}
}

// checksummedFiles returns the data paths of every file with a sidecar.
func (h *Healer) checksummedFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(h.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ChecksumSuffix) {
			return nil
		}
		paths = append(paths, strings.TrimSuffix(path, ChecksumSuffix))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s for checksums: %w", h.baseDir, err)
	}
	sort.Strings(paths)
	return paths, nil
}

// VerifyAll verifies every checksummed file under the base directory and
// returns path -> pass. Read errors count as failures.
func (h *Healer) VerifyAll(ctx context.Context) (map[string]bool, error) {
	paths, err := h.checksummedFiles()
	if err != nil {
		return nil, err
	}

	results := make(map[string]bool, len(paths))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)
	for _, path := range paths {
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			ok, err := Open(path).VerifyChecksum()
			if err != nil {
				h.logger.Error("checksum verification failed", "path", path, "error", err)
			}
			mu.Lock()
			results[path] = ok
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return results, nil
}

// Failed returns the sorted paths that did not pass.
func Failed(results map[string]bool) []string {
	var failed []string
	for path, ok := range results {
		if !ok {
			failed = append(failed, path)
		}
	}
	sort.Strings(failed)
	return failed
}

// Repair re-verifies all files and, for each failure, copies the same-named
// file from backupDir over it and verifies again. Files with no backup, or
// whose backup does not verify either, are left in place and reported as
// unresolved.
func (h *Healer) Repair(ctx context.Context, backupDir string) (*RepairReport, error) {
	results, err := h.VerifyAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &RepairReport{}
	for _, path := range Failed(results) {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		backup, ok := h.findBackup(backupDir, path)
		if !ok {
			h.logger.Error("no backup for corrupted file", "path", path, "backup_dir", backupDir)
			report.Unresolved = append(report.Unresolved, path)
			continue
		}

		if err := restoreFromBackup(backup, path); err != nil {
			h.logger.Error("restore from backup failed", "path", path, "backup", backup, "error", err)
			report.Unresolved = append(report.Unresolved, path)
			continue
		}

		if ok, err := Open(path).VerifyChecksum(); !ok {
			h.logger.Error("restored file still fails verification", "path", path, "error", err)
			report.Unresolved = append(report.Unresolved, path)
			continue
		}

		h.logger.Info("repaired corrupted file from backup", "path", path, "backup", backup)
		report.Repaired = append(report.Repaired, path)
	}

	return report, nil
}

// findBackup looks for path's counterpart under backupDir, first at the
// same relative location, then by base name.
func (h *Healer) findBackup(backupDir, path string) (string, bool) {
	if backupDir == "" {
		return "", false
	}
	var candidates []string
	if rel, err := filepath.Rel(h.baseDir, path); err == nil && !strings.HasPrefix(rel, "..") {
		candidates = append(candidates, filepath.Join(backupDir, rel))
	}
	candidates = append(candidates, filepath.Join(backupDir, filepath.Base(path)))

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return c, true
		}
	}
	return "", false
}

// restoreFromBackup copies backup over path via temp + rename. The backup
// must verify first: against its own sidecar if it has one (which then
// replaces path's sidecar), otherwise against the digest recorded for path.
func restoreFromBackup(backup, path string) error {
	sidecar := backup + ChecksumSuffix
	_, statErr := os.Stat(sidecar)
	hasSidecar := statErr == nil

	if hasSidecar {
		if ok, err := Open(backup).VerifyChecksum(); !ok {
			return fmt.Errorf("backup fails its own checksum: %w", err)
		}
	} else {
		data, err := os.ReadFile(backup)
		if err != nil {
			return txErr("read backup", backup, err)
		}
		expected, err := Open(path).readChecksum()
		if err != nil {
			return txErr("read checksum", path, err)
		}
		if actual := fileversion.HashBytes(data); actual != expected {
			return &ChecksumMismatchError{Path: backup, Expected: expected, Actual: actual}
		}
	}

	if err := copyAtomic(backup, path); err != nil {
		return err
	}
	if hasSidecar {
		if err := copyAtomic(sidecar, path+ChecksumSuffix); err != nil {
			return err
		}
	}
	return nil
}

func copyAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return txErr("open backup", src, err)
	}
	defer in.Close()

	tmpPath := dst + TempSuffix
	out, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, PermFile)
	if err != nil {
		return txErr("create temp", tmpPath, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return txErr("copy", dst, err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(tmpPath)
		return txErr("sync temp", dst, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmpPath)
		return txErr("close temp", dst, err)
	}
	if err := os.Rename(tmpPath, dst); err != nil {
		os.Remove(tmpPath)
		return txErr("rename", dst, err)
	}
	return nil
}
