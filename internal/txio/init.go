package txio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// InitOptions configures Initialize.
type InitOptions struct {
	// BackupDir enables repair of corrupted files when non-empty.
	BackupDir string

	Logger *slog.Logger
}

// InitReport summarizes a startup recovery pass.
type InitReport struct {
	OrphansRemoved int
	Checked        int
	Corrupted      []string
	Repaired       []string
	Unresolved     []string
}

// Initialize prepares baseDir for use: it removes orphaned temp files, then
// verifies every checksummed file and, if a backup directory is configured,
// restores corrupted files from it. It must run before any component reads
// persisted state. Calling it again is safe; a second pass finds nothing to
// recover.
//
// Corruption is reported in the InitReport and logged, not returned as an
// error, so the daemon can still start with the affected files flagged.
func Initialize(ctx context.Context, baseDir string, opts InitOptions) (*InitReport, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(baseDir, PermDir); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	report := &InitReport{}

	removed, err := NewRecovery(baseDir, logger).RecoverAll()
	report.OrphansRemoved = removed
	if err != nil {
		logger.Warn("orphan recovery incomplete", "error", err)
	}

	healer := NewHealer(baseDir, logger)
	results, err := healer.VerifyAll(ctx)
	if err != nil {
		return report, fmt.Errorf("verify checksums: %w", err)
	}
	report.Checked = len(results)
	report.Corrupted = Failed(results)

	if len(report.Corrupted) > 0 && opts.BackupDir != "" {
		repair, err := healer.Repair(ctx, opts.BackupDir)
		if err != nil {
			return report, fmt.Errorf("repair corrupted files: %w", err)
		}
		report.Repaired = repair.Repaired
		report.Unresolved = repair.Unresolved
	} else {
		report.Unresolved = report.Corrupted
	}

	for _, path := range report.Unresolved {
		logger.Error("unresolved corrupted file", "path", path)
	}
	logger.Info("transaction system initialized",
		"base_dir", baseDir,
		"orphans_removed", report.OrphansRemoved,
		"checked", report.Checked,
		"corrupted", len(report.Corrupted),
		"repaired", len(report.Repaired))

	return report, nil
}
