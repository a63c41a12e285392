package cli

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"agentd/internal/contextstore"
	"agentd/internal/daemon"
	"agentd/internal/findings"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the daemon is running and how many findings it holds",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().Bool("json", false, "output JSON")
}

type statusReport struct {
	Root     string                `json:"root"`
	StateDir string                `json:"state_dir"`
	Running  bool                  `json:"running"`
	PID      int                   `json:"pid,omitempty"`
	Daemon   *daemon.State         `json:"daemon,omitempty"`
	Index    *contextstore.Index   `json:"index,omitempty"`
	Counts   map[findings.Tier]int `json:"counts"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	running, pid, err := daemon.Probe(cfg.PIDFile)
	if err != nil {
		return fmt.Errorf("checking pid file: %w", err)
	}

	report := statusReport{
		Root:     cfg.Workspace.Root,
		StateDir: cfg.Workspace.StateDir,
		Running:  running,
		PID:      pid,
		Counts:   make(map[findings.Tier]int, len(findings.Tiers)),
	}
	if running {
		if st, err := daemon.ReadState(cfg.Workspace.StateDir); err == nil {
			report.Daemon = &st
		}
	}

	ix, err := contextstore.ReadIndex(cfg.Workspace.StateDir)
	switch {
	case err == nil:
		report.Index = &ix
		for _, tier := range findings.Tiers {
			report.Counts[tier] = ix.Count(tier)
		}
	case !errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("reading index: %w", err)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), report)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Workspace: %s\n", report.Root)
	fmt.Fprintf(out, "State:     %s\n", report.StateDir)
	switch {
	case report.Daemon != nil:
		fmt.Fprintf(out, "Daemon:    running (pid %d, version %s, up %s)\n",
			report.PID, report.Daemon.Version, time.Since(report.Daemon.StartedAt).Round(time.Second))
		if report.Daemon.HTTPListen != "" {
			fmt.Fprintf(out, "HTTP:      %s\n", report.Daemon.HTTPListen)
		}
	case running:
		fmt.Fprintf(out, "Daemon:    running (pid %d)\n", report.PID)
	default:
		fmt.Fprintln(out, "Daemon:    not running")
	}

	if report.Index == nil {
		fmt.Fprintln(out, "No findings recorded yet.")
		return nil
	}
	fmt.Fprintf(out, "Updated:   %s\n\n", report.Index.LastUpdated)
	for _, tier := range findings.Tiers {
		fmt.Fprintf(out, "  %-12s %d\n", tier, report.Counts[tier])
	}
	return nil
}
