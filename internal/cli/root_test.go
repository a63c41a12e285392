package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentd/internal/contextstore"
	"agentd/internal/findings"
	"agentd/internal/history"
)

func TestRootCommandHasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	for _, want := range []string{"init", "run", "status", "summary", "findings", "clear",
		"recover", "verify", "history", "locks", "version"} {
		if !names[want] {
			t.Errorf("root command missing subcommand %q", want)
		}
	}
}

func TestVersionOutput(t *testing.T) {
	// version vars are set via ldflags; in tests they have their defaults
	if version != "dev" {
		t.Errorf("expected default version %q, got %q", "dev", version)
	}
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "agentd dev") {
		t.Errorf("unexpected version output %q", out)
	}
}

// execute runs the root command with args and returns combined output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// seed stores findings in root's state directory the way the daemon would.
func seed(t *testing.T, root string) string {
	t.Helper()
	stateDir := filepath.Join(root, ".agentd")

	ledger, err := history.Open(filepath.Join(stateDir, "history.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()

	store, err := contextstore.New(stateDir, contextstore.Options{Recorder: ledger})
	if err != nil {
		t.Fatal(err)
	}
	line := 12
	for _, f := range []findings.Finding{
		{Agent: "vet", File: "main.go", Line: &line, Severity: "error", Blocking: true, Message: "unreachable code"},
		{Agent: "gofmt", File: "main.go", Severity: "style", AutoFixable: true, Message: "not formatted"},
		{Agent: "lint", File: "util.go", Severity: "info", Message: "exported func lacks comment"},
	} {
		f.ID = findings.NewID()
		f.Timestamp = findings.Now()
		nf, err := findings.New(f)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := store.AddFinding(context.Background(), nf); err != nil {
			t.Fatal(err)
		}
	}
	return stateDir
}

func TestStatusWithoutState(t *testing.T) {
	root := t.TempDir()
	out, err := execute(t, "status", "--root", root)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "not running") || !strings.Contains(out, "No findings recorded yet.") {
		t.Errorf("unexpected status output:\n%s", out)
	}
}

func TestInspectCommands(t *testing.T) {
	root := t.TempDir()
	seed(t, root)

	out, err := execute(t, "summary", "--root", root)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"Check now: 1 (1 error)", "main.go:12", "unreachable code", "Auto-fixed: 1"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "findings", "--root", root, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var docs []contextstore.TierDocument
	if err := json.Unmarshal([]byte(out), &docs); err != nil {
		t.Fatalf("findings --json: %v\n%s", err, out)
	}
	total := 0
	for _, doc := range docs {
		total += len(doc.Findings)
	}
	if len(docs) != len(findings.Tiers) || total != 3 {
		t.Errorf("got %d tiers with %d findings, want %d tiers with 3", len(docs), total, len(findings.Tiers))
	}

	out, err = execute(t, "history", "--root", root, "--stats")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "findings:  3") {
		t.Errorf("unexpected history stats:\n%s", out)
	}
}

func TestClearOffline(t *testing.T) {
	root := t.TempDir()
	stateDir := seed(t, root)

	out, err := execute(t, "clear", "--root", root)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Removed 3 findings") {
		t.Errorf("unexpected clear output %q", out)
	}

	ix, err := contextstore.ReadIndex(stateDir)
	if err != nil {
		t.Fatal(err)
	}
	if ix.Total() != 0 {
		t.Errorf("index still counts %d findings", ix.Total())
	}
	if _, err := os.Stat(filepath.Join(stateDir, "agentd.pid")); !os.IsNotExist(err) {
		t.Errorf("pid file left behind: %v", err)
	}
}

func TestRecoverAndVerify(t *testing.T) {
	root := t.TempDir()
	stateDir := seed(t, root)

	orphan := filepath.Join(stateDir, "relevant.json.tmp")
	if err := os.WriteFile(orphan, []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "recover", "--root", root)
	if err != nil {
		t.Fatalf("recover: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Removed 1 orphaned temp files") {
		t.Errorf("unexpected recover output:\n%s", out)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphan not removed: %v", err)
	}

	out, err = execute(t, "verify", "--root", root)
	if err != nil {
		t.Fatalf("verify clean state: %v\n%s", err, out)
	}

	tier := filepath.Join(stateDir, "immediate.json")
	if err := os.WriteFile(tier, []byte(`{"tier":"immediate","count":0,"findings":[]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err = execute(t, "verify", "--root", root)
	if err == nil {
		t.Fatalf("verify should fail on a tampered file:\n%s", out)
	}
	if !strings.Contains(out, "corrupted: "+tier) {
		t.Errorf("tampered file not reported:\n%s", out)
	}
}

func TestLocksRequiresDaemon(t *testing.T) {
	_, err := execute(t, "locks", "--root", t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "not running") {
		t.Errorf("expected not-running error, got %v", err)
	}
}
