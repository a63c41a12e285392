package txio

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Recovery removes temp files orphaned by writes that crashed before their
// rename completed.
type Recovery struct {
	baseDir string
	logger  *slog.Logger
}

// NewRecovery creates a Recovery rooted at baseDir. A nil logger discards.
func NewRecovery(baseDir string, logger *slog.Logger) *Recovery {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recovery{baseDir: baseDir, logger: logger}
}

// FindOrphanedTempFiles returns every *.tmp file under the base directory
// whose target (the same path without the suffix) does not exist.
func (r *Recovery) FindOrphanedTempFiles() ([]string, error) {
	var orphans []string

	err := filepath.WalkDir(r.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), TempSuffix) {
			return nil
		}

		target := strings.TrimSuffix(path, TempSuffix)
		if _, err := os.Lstat(target); errors.Is(err, fs.ErrNotExist) {
			orphans = append(orphans, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s for orphaned temp files: %w", r.baseDir, err)
	}

	return orphans, nil
}

// RecoverAll deletes every orphaned temp file and returns how many were
// removed. Files that cannot be removed are reported in the returned error
// but do not stop the sweep.
func (r *Recovery) RecoverAll() (int, error) {
	orphans, err := r.FindOrphanedTempFiles()
	if err != nil {
		return 0, err
	}

	removed := 0
	var errs []error
	for _, path := range orphans {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("failed to remove orphaned temp file", "path", path, "error", err)
			errs = append(errs, err)
			continue
		}
		removed++
		r.logger.Info("removed orphaned temp file", "path", path)
	}

	return removed, errors.Join(errs...)
}
