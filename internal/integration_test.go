// Package internal provides integration tests for the agentd coordination
// core.
//
// These tests drive several packages together:
// 1. Agents contend for a file through the lock manager
// 2. Writes go through txio and are versioned with fileversion
// 3. Findings flow through the context store into the history ledger
// 4. A crashed state directory is recovered and reloaded
package internal

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentd/internal/contextstore"
	"agentd/internal/findings"
	"agentd/internal/history"
	"agentd/internal/lock"
	"agentd/internal/txio"
)

// =============================================================================
// INTEGRATION: Concurrent agents on one file
// =============================================================================

// TestConcurrentAgentsPipeline has two agents race for the same file. The
// loser is refused, the winner's write is versioned, and the conflict is
// recorded in the ledger.
func TestConcurrentAgentsPipeline(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "service.go")
	if err := os.WriteFile(target, []byte("package service\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ledger, err := history.Open(filepath.Join(dir, "history.db"), nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	defer ledger.Close()

	m := lock.NewManager(lock.Options{Observer: ledger})
	ctx := context.Background()

	// Baseline before anyone writes.
	changed, before, err := m.CheckVersion(target, "")
	if err != nil || changed {
		t.Fatalf("baseline check: changed=%v err=%v", changed, err)
	}

	err = m.WithLock(ctx, target, "formatter", lock.Exclusive, time.Second, func() error {
		ok, err := m.Acquire(ctx, target, "refactorer", lock.Exclusive, 20*time.Millisecond)
		if err != nil {
			return err
		}
		if ok {
			t.Error("second agent acquired a held exclusive lock")
		}

		if err := txio.Open(target).WriteText("package service\n\nfunc Run() {}\n"); err != nil {
			return err
		}
		if _, err := m.RecordModification(target, "formatter", nil); err != nil {
			return err
		}
		if c := m.DetectConcurrentModifications(target); c == nil {
			t.Error("expected a conflict between formatter and refactorer")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("locked write: %v", err)
	}

	changed, after, err := m.CheckVersion(target, before.ETag)
	if err != nil {
		t.Fatal(err)
	}
	if !changed || after.Equal(before) {
		t.Errorf("write not visible as a new version: %s -> %s", before, after)
	}
	if ok, err := txio.Open(target).VerifyChecksum(); !ok {
		t.Errorf("written file fails checksum: %v", err)
	}

	if _, ok := m.FileStatus(target); !ok {
		t.Error("manager forgot the file")
	}
	if held := m.AllLocks(); len(held) != 0 {
		t.Errorf("locks still held after WithLock: %+v", held)
	}

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Conflicts != 1 {
		t.Errorf("ledger has %d conflicts, want 1", stats.Conflicts)
	}
}

// =============================================================================
// INTEGRATION: Crash recovery of the state directory
// =============================================================================

// TestStateRecoveryPipeline stores findings, simulates a crash that leaves
// a temp file and a corrupted tier, and checks that startup recovery
// restores everything from backup.
func TestStateRecoveryPipeline(t *testing.T) {
	stateDir := filepath.Join(t.TempDir(), ".agentd")
	backupDir := t.TempDir()
	ctx := context.Background()

	store, err := contextstore.New(stateDir, contextstore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	for i, sev := range []findings.Severity{findings.SeverityError, findings.SeverityWarning} {
		f, err := findings.New(findings.Finding{
			ID:        findings.NewID(),
			Agent:     "vet",
			Timestamp: findings.Now(),
			File:      "main.go",
			Severity:  sev,
			Blocking:  i == 0,
		})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := store.AddFinding(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	// Back up the immediate tier, then corrupt it in place.
	tier := txio.Open(filepath.Join(stateDir, "immediate.json"))
	for _, p := range []string{tier.Path(), tier.ChecksumPath()} {
		data, err := os.ReadFile(p)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(backupDir, filepath.Base(p)), data, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(tier.Path(), []byte(`{"tier":"immediate","count":0,"findings":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(stateDir, "auto_fixed.json"+txio.TempSuffix)
	if err := os.WriteFile(orphan, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	report, err := txio.Initialize(ctx, stateDir, txio.InitOptions{BackupDir: backupDir})
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if report.OrphansRemoved != 1 {
		t.Errorf("removed %d orphans, want 1", report.OrphansRemoved)
	}
	if len(report.Repaired) != 1 || len(report.Unresolved) != 0 {
		t.Errorf("repaired %v, unresolved %v", report.Repaired, report.Unresolved)
	}
	if _, err := os.Stat(orphan); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("orphan still present: %v", err)
	}

	restarted, err := contextstore.New(stateDir, contextstore.Options{})
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := restarted.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Total() != 2 || len(loaded.Skipped) != 0 {
		t.Errorf("loaded %d findings, skipped %v", loaded.Total(), loaded.Skipped)
	}
	if n := restarted.Len(findings.TierImmediate); n != 1 {
		t.Errorf("immediate tier has %d findings after repair, want 1", n)
	}
}
