package daemon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentd/internal/config"
	"agentd/internal/findings"
	"agentd/internal/health"
	"agentd/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Workspace.Root = t.TempDir()
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.Resolve())
	require.NoError(t, cfg.Validate())
	return cfg
}

func startRuntime(t *testing.T, cfg *config.Config) *Runtime {
	t.Helper()
	rt, err := New(cfg, Options{Version: "test", Logger: logging.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { rt.Close() })

	_, err = rt.Start(context.Background())
	require.NoError(t, err)
	return rt
}

// =============================================================================
// PID file
// =============================================================================

func TestPIDFile_SingleInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.pid")

	first, err := AcquirePIDFile(path)
	require.NoError(t, err)

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	_, err = AcquirePIDFile(path)
	require.ErrorIs(t, err, ErrAlreadyRunning)

	running, probed, err := Probe(path)
	require.NoError(t, err)
	assert.True(t, running)
	assert.Equal(t, os.Getpid(), probed)

	require.NoError(t, first.Release())
	require.NoError(t, first.Release(), "second release is a no-op")
	assert.NoFileExists(t, path)

	running, _, err = Probe(path)
	require.NoError(t, err)
	assert.False(t, running)

	second, err := AcquirePIDFile(path)
	require.NoError(t, err)
	require.NoError(t, second.Release())
}

func TestPIDFile_StaleFileIsReused(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentd.pid")
	require.NoError(t, os.WriteFile(path, []byte("999999\n"), 0o644))

	p, err := AcquirePIDFile(path)
	require.NoError(t, err, "an unlocked file left by a crash must not block startup")
	defer p.Release()

	pid, err := ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

// =============================================================================
// Runtime
// =============================================================================

func TestRuntime_StartRestoresFindings(t *testing.T) {
	cfg := testConfig(t)
	rt := startRuntime(t, cfg)

	f, err := findings.New(findings.Finding{
		ID: "f-1", Agent: "vet", Timestamp: findings.Now(), File: "main.go",
		Severity: findings.SeverityError, Blocking: true,
	})
	require.NoError(t, err)
	tier, err := rt.Store.AddFinding(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, findings.TierImmediate, tier)
	require.NoError(t, rt.Close())

	// Leave an orphan behind to be cleaned on the next start.
	orphan := filepath.Join(cfg.Workspace.StateDir, "relevant.json.tmp")
	require.NoError(t, os.WriteFile(orphan, []byte("partial"), 0o644))

	rt2, err := New(cfg, Options{Logger: logging.Nop()})
	require.NoError(t, err)
	defer rt2.Close()

	report, err := rt2.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Init.OrphansRemoved)
	assert.Equal(t, 1, report.Load.Total())
	assert.Equal(t, 1, rt2.Store.Len(findings.TierImmediate))
	assert.NoFileExists(t, orphan)
	assert.True(t, rt2.Health.IsReady())
}

func TestRuntime_HealthChecks(t *testing.T) {
	rt := startRuntime(t, testConfig(t))

	results := rt.Health.Check(context.Background())
	for _, name := range []string{"state_dir", "context_store", "history", "locks"} {
		require.Contains(t, results, name)
		assert.Equal(t, health.StatusHealthy, results[name].Status, name)
	}
	assert.NotEqual(t, health.StatusUnhealthy, rt.Health.OverallStatus())
}

func TestRuntime_HistoryDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.History.Enabled = false
	rt := startRuntime(t, cfg)

	assert.Nil(t, rt.History)
	assert.NotContains(t, rt.Health.Names(), "history")
	assert.NoFileExists(t, cfg.History.Path)
}

func TestRuntime_ApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	rt := startRuntime(t, cfg)

	next := cfg.Clone()
	next.Policy.ImmediateThreshold = 0.95
	require.NoError(t, rt.ApplyConfig(next))
	assert.Equal(t, 0.95, rt.Store.Policy().ImmediateThreshold)

	bad := cfg.Clone()
	bad.Policy.TrimTarget = 0
	assert.Error(t, rt.ApplyConfig(bad))
	assert.Equal(t, 0.95, rt.Store.Policy().ImmediateThreshold, "rejected policy must not apply")
}

// =============================================================================
// HTTP API
// =============================================================================

func TestAPI_FindingsRoundTrip(t *testing.T) {
	rt := startRuntime(t, testConfig(t))
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	resp, err := c.AddFinding(ctx, findings.Finding{
		Agent: "golint", File: "lock/manager.go", Severity: "style", AutoFixable: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.ID, "missing IDs are generated")
	assert.Equal(t, findings.TierAutoFixed, resp.Tier)

	_, err = c.AddFinding(ctx, findings.Finding{Agent: "golint", Severity: "fatal", File: "x.go"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "severity")

	all, err := c.Findings(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	ix, err := c.Index(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, ix.AutoFixed.Count)

	n, err := c.Clear(ctx, findings.TierAutoFixed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	none, err := c.Findings(ctx, findings.TierAutoFixed)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAPI_Locks(t *testing.T) {
	cfg := testConfig(t)
	rt := startRuntime(t, cfg)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()
	c := NewClient(srv.URL)
	ctx := context.Background()

	target := filepath.Join(cfg.Workspace.Root, "main.go")
	require.NoError(t, os.WriteFile(target, []byte("package main\n"), 0o644))

	ok, err := c.Acquire(ctx, AcquireRequest{Path: "main.go", Agent: "formatter"})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Acquire(ctx, AcquireRequest{Path: "main.go", Agent: "linter", TimeoutMs: 20})
	require.NoError(t, err)
	assert.False(t, ok, "exclusive lock is held")

	held, err := c.Locks(ctx)
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, target, held[0].Path, "relative paths resolve against the workspace root")
	assert.Equal(t, []string{"formatter"}, held[0].Holders)

	err = c.Release(ctx, "main.go", "linter")
	require.Error(t, err)

	require.NoError(t, c.Release(ctx, "main.go", "formatter"))
	held, err = c.Locks(ctx)
	require.NoError(t, err)
	assert.Empty(t, held)
}

func TestAPI_ModificationsAndVersions(t *testing.T) {
	cfg := testConfig(t)
	rt := startRuntime(t, cfg)
	h := rt.Handler()

	target := filepath.Join(cfg.Workspace.Root, "a.go")
	require.NoError(t, os.WriteFile(target, []byte("v1"), 0o644))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/modifications",
		stringsReader(`{"path":"a.go","agent":"fmt"}`)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"modified_by":"fmt"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/versions?path=a.go", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changed":false`)

	require.NoError(t, os.WriteFile(target, []byte("v2"), 0o644))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/versions?path=a.go", nil))
	assert.Contains(t, rec.Body.String(), `"changed":true`)
}

func TestAPI_ContextAndMetrics(t *testing.T) {
	rt := startRuntime(t, testConfig(t))
	h := rt.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/context",
		stringsReader(`{"phase":"pre_commit","editing":["main.go"]}`)))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPut, "/v1/context", stringsReader(`{"phase":"sleeping"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "agentd_")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// =============================================================================
// Run
// =============================================================================

func TestRun_LifecycleAndSingleInstance(t *testing.T) {
	cfg := testConfig(t)
	cfg.HTTP.Enabled = true
	cfg.HTTP.Listen = "127.0.0.1:0"

	path := filepath.Join(cfg.Workspace.Root, "agentd.toml")
	require.NoError(t, config.SaveConfig(cfg, path))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, config.NewLoader(path), RunOptions{
			Version:   "test",
			NoSignals: true,
			Ready:     func(rt *Runtime, srv *Server) { ready <- srv.Addr() },
		})
	}()

	var addr string
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("Run exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not start")
	}

	st, err := ReadState(cfg.Workspace.StateDir)
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, addr, st.HTTPListen)

	c, err := ClientFor(cfg.Workspace.StateDir)
	require.NoError(t, err)
	_, err = c.Locks(ctx)
	require.NoError(t, err)

	err = Run(ctx, config.NewLoader(path), RunOptions{NoSignals: true})
	require.ErrorIs(t, err, ErrAlreadyRunning)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.NoFileExists(t, cfg.PIDFile)
	_, err = ReadState(cfg.Workspace.StateDir)
	assert.ErrorIs(t, err, os.ErrNotExist)
	_, err = ClientFor(cfg.Workspace.StateDir)
	assert.ErrorIs(t, err, ErrNotRunning)
}

func stringsReader(s string) *strings.Reader { return strings.NewReader(s) }
