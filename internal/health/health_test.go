package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(ctx context.Context) CheckResult   { return CheckResult{Status: StatusHealthy} }
func unhealthy(ctx context.Context) CheckResult { return CheckResult{Status: StatusUnhealthy} }

// =============================================================================
// Aggregation
// =============================================================================

func TestOverallStatus(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("store", true, healthy)
	assert.Equal(t, StatusUnknown, c.OverallStatus(), "critical component never checked")

	c.Check(context.Background())
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("disk", false, unhealthy)
	c.Check(context.Background())
	assert.Equal(t, StatusDegraded, c.OverallStatus())

	c.RegisterFunc("history", true, unhealthy)
	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
}

func TestCheckTimeout(t *testing.T) {
	c := NewChecker()
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			time.Sleep(time.Second)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)
}

func TestCheckPanic(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("bad", true, func(ctx context.Context) CheckResult { panic("nope") })

	result, ok := c.CheckComponent(context.Background(), "bad")
	require.True(t, ok)
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "nope", result.Error)

	_, ok = c.CheckComponent(context.Background(), "missing")
	assert.False(t, ok)
}

// =============================================================================
// Checks
// =============================================================================

func TestWritableDirCheck(t *testing.T) {
	dir := t.TempDir()
	assert.Equal(t, StatusHealthy, WritableDirCheck(dir)(context.Background()).Status)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "probe file should be removed")

	missing := filepath.Join(dir, "missing")
	assert.Equal(t, StatusUnhealthy, WritableDirCheck(missing)(context.Background()).Status)
}

func TestDatabaseCheck(t *testing.T) {
	ok := DatabaseCheck(func(ctx context.Context) error { return nil })
	assert.Equal(t, StatusHealthy, ok(context.Background()).Status)

	bad := DatabaseCheck(func(ctx context.Context) error { return errors.New("closed") })
	result := bad(context.Background())
	assert.Equal(t, StatusUnhealthy, result.Status)
	assert.Equal(t, "closed", result.Error)
}

func TestDiskSpaceCheck(t *testing.T) {
	dir := t.TempDir()
	if _, _, err := diskUsage(dir); err != nil {
		t.Skipf("disk usage unavailable: %v", err)
	}

	assert.Equal(t, StatusHealthy, DiskSpaceCheck(dir, 1)(context.Background()).Status)
	assert.Equal(t, StatusDegraded, DiskSpaceCheck(dir, ^uint64(0))(context.Background()).Status)
}

func TestCustomCheckDetails(t *testing.T) {
	check := CustomCheck(
		func(ctx context.Context) error { return nil },
		func() map[string]any { return map[string]any{"locks_held": 2} },
	)
	result := check(context.Background())
	assert.Equal(t, StatusHealthy, result.Status)
	assert.Equal(t, 2, result.Details["locks_held"])
}

// =============================================================================
// HTTP
// =============================================================================

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("store", true, healthy)
	mux := http.NewServeMux()
	c.Mount(mux)

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	assert.Equal(t, http.StatusOK, get("/healthz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code, "not ready before startup completes")

	c.SetReady(true)
	assert.Equal(t, http.StatusOK, get("/readyz").Code)

	rec := get("/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "store")

	c.RegisterFunc("history", true, unhealthy)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").Code)
	assert.Equal(t, http.StatusServiceUnavailable, get("/health").Code)
}
