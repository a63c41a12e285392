package history

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"agentd/internal/contextstore"
	"agentd/internal/findings"
	"agentd/internal/lock"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "history.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func testFinding(id, file string) findings.Finding {
	score := 0.7
	return findings.Finding{
		ID:             id,
		Agent:          "staticcheck",
		Timestamp:      "2026-10-18T09:00:00Z",
		File:           file,
		Severity:       findings.SeverityWarning,
		Message:        "unused parameter",
		RelevanceScore: &score,
	}
}

func TestOpenCreatesDirectory(t *testing.T) {
	l, err := Open(filepath.Join(t.TempDir(), "nested", "dir", "history.db"), nil)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer l.Close()

	if err := l.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.db")
	for i := 0; i < 2; i++ {
		l, err := Open(path, nil)
		if err != nil {
			t.Fatalf("Open #%d failed: %v", i, err)
		}
		v, err := SchemaVersion(l.db)
		if err != nil {
			t.Fatalf("SchemaVersion failed: %v", err)
		}
		if v != LatestVersion() {
			t.Errorf("schema version = %d, want %d", v, LatestVersion())
		}
		l.Close()
	}
}

func TestCloseNilDB(t *testing.T) {
	l := &Ledger{}
	if err := l.Close(); err != nil {
		t.Errorf("Close on nil db should not error: %v", err)
	}
}

func TestRecordAndRecent(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	tick := base
	l.clock = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	if err := l.RecordFinding(ctx, testFinding("f1", "a.go"), findings.TierRelevant); err != nil {
		t.Fatalf("RecordFinding failed: %v", err)
	}
	if err := l.RecordTierEvent(ctx, contextstore.TierEvent{
		Kind: contextstore.EventTrim, Tier: findings.TierRelevant, Removed: 251, Remaining: 250,
		At: base.Add(10 * time.Second),
	}); err != nil {
		t.Fatalf("RecordTierEvent failed: %v", err)
	}
	l.OnConflict(lock.Conflict{
		Path:   "/work/a.go",
		Agents: []string{"gofmt", "goimports"},
		First:  base,
		Last:   base.Add(time.Second),
	})

	entries, err := l.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}

	// Trim is stamped +10s, newer than the other two.
	if entries[0].Kind != KindTrim || entries[0].Count != 251 {
		t.Errorf("entries[0] = %+v, want trim of 251", entries[0])
	}
	if entries[1].Kind != KindConflict || entries[1].Agent != "gofmt,goimports" {
		t.Errorf("entries[1] = %+v, want conflict", entries[1])
	}
	if entries[2].Kind != KindFinding || entries[2].Path != "a.go" || entries[2].Tier != "relevant" {
		t.Errorf("entries[2] = %+v, want finding", entries[2])
	}
	if entries[2].Detail != "WARNING: unused parameter" {
		t.Errorf("finding detail = %q", entries[2].Detail)
	}

	limited, err := l.Recent(ctx, 1)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d entries", len(limited))
	}
}

func TestFindingsForFile(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	for _, f := range []findings.Finding{
		testFinding("f1", "a.go"),
		testFinding("f2", "b.go"),
		testFinding("f3", "a.go"),
	} {
		if err := l.RecordFinding(ctx, f, findings.TierBackground); err != nil {
			t.Fatalf("RecordFinding failed: %v", err)
		}
	}

	got, err := l.FindingsForFile(ctx, "a.go", 0)
	if err != nil {
		t.Fatalf("FindingsForFile failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d findings, want 2", len(got))
	}
	if got[0].ID != "f3" || got[1].ID != "f1" {
		t.Errorf("order = %s, %s; want f3, f1", got[0].ID, got[1].ID)
	}
	if got[0].RelevanceScore == nil || *got[0].RelevanceScore != 0.7 {
		t.Errorf("score not round-tripped: %v", got[0].RelevanceScore)
	}
}

func TestStats(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.RecordFinding(ctx, testFinding("f1", "a.go"), findings.TierImmediate); err != nil {
		t.Fatal(err)
	}
	for _, kind := range []contextstore.EventKind{contextstore.EventTrim, contextstore.EventClear, contextstore.EventClear} {
		if err := l.RecordTierEvent(ctx, contextstore.TierEvent{Kind: kind, Tier: findings.TierImmediate}); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.RecordConflict(ctx, lock.Conflict{Path: "x", Agents: []string{"a", "b"}}); err != nil {
		t.Fatal(err)
	}

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	want := Stats{Findings: 1, Trims: 1, Clears: 2, Conflicts: 1}
	if s != want {
		t.Errorf("Stats = %+v, want %+v", s, want)
	}
}

func TestLedgerAsStoreRecorder(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	store, err := contextstore.New(t.TempDir(), contextstore.Options{Recorder: l})
	if err != nil {
		t.Fatalf("contextstore.New failed: %v", err)
	}
	f, err := findings.New(testFinding("f1", "a.go"))
	if err != nil {
		t.Fatalf("findings.New failed: %v", err)
	}
	if _, err := store.AddFinding(ctx, f); err != nil {
		t.Fatalf("AddFinding failed: %v", err)
	}
	if _, err := store.Clear(ctx); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	s, err := l.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if s.Findings != 1 || s.Clears != int64(len(findings.Tiers)) {
		t.Errorf("Stats = %+v", s)
	}
}
