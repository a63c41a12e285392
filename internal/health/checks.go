package health

import (
	"context"
	"fmt"
	"os"
)

// DatabaseCheck reports whether ping succeeds.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "database connection failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "database connection ok",
		}
	}
}

// WritableDirCheck verifies that a file can be created and removed in dir.
func WritableDirCheck(dir string) Check {
	return func(ctx context.Context) CheckResult {
		details := map[string]any{"path": dir}

		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "directory not writable",
				Details: details,
				Error:   err.Error(),
			}
		}
		name := f.Name()
		f.Close()
		if err := os.Remove(name); err != nil {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "probe file not removed",
				Details: details,
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "directory writable",
			Details: details,
		}
	}
}

// DiskSpaceCheck degrades when the filesystem holding path has less than
// minFreeBytes available.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, total, err := diskUsage(path)
		details := map[string]any{
			"path":           path,
			"min_free_bytes": minFreeBytes,
		}
		if err != nil {
			return CheckResult{
				Status:  StatusUnknown,
				Message: "disk usage unavailable",
				Details: details,
				Error:   err.Error(),
			}
		}
		details["free_bytes"] = free
		details["total_bytes"] = total

		if free < minFreeBytes {
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("low disk space: %d bytes free", free),
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "disk space ok",
			Details: details,
		}
	}
}

// CustomCheck creates a check from fn. details, if non-nil, is called on
// success to annotate the result.
func CustomCheck(fn func(ctx context.Context) error, details func() map[string]any) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "check failed",
				Error:   err.Error(),
			}
		}
		result := CheckResult{
			Status:  StatusHealthy,
			Message: "check passed",
		}
		if details != nil {
			result.Details = details()
		}
		return result
	}
}
