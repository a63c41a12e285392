package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agentd/internal/contextstore"
	"agentd/internal/txio"
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Remove temp files left by interrupted writes",
	Long: `Delete orphaned *.tmp files in the state directory, then verify checksums
and restore corrupted files from the backup directory if one is configured.
Refuses to run while the daemon is up.`,
	RunE: runRecover,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify checksums of every file in the state directory",
	Long: `Check each state file against its checksum sidecar and, when all pass, the
tier files and index against their JSON schemas. With --backup, restore
corrupted files from a backup directory. Exits non-zero if any file remains
corrupted.`,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().String("backup", "", "restore corrupted files from this directory")
}

func runRecover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	return offline(cfg, func() error {
		report, err := txio.Initialize(context.Background(), cfg.Workspace.StateDir, txio.InitOptions{
			BackupDir: cfg.Workspace.BackupDir,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Removed %d orphaned temp files\n", report.OrphansRemoved)
		fmt.Fprintf(out, "Checked %d files, %d corrupted, %d repaired\n",
			report.Checked, len(report.Corrupted), len(report.Repaired))
		for _, path := range report.Unresolved {
			fmt.Fprintf(out, "  unresolved: %s\n", path)
		}
		if len(report.Unresolved) > 0 {
			return fmt.Errorf("%d files remain corrupted", len(report.Unresolved))
		}
		return nil
	})
}

func runVerify(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	backup, _ := cmd.Flags().GetString("backup")
	ctx := context.Background()
	out := cmd.OutOrStdout()

	healer := txio.NewHealer(cfg.Workspace.StateDir, nil)
	results, err := healer.VerifyAll(ctx)
	if err != nil {
		return err
	}
	failed := txio.Failed(results)
	fmt.Fprintf(out, "Verified %d files, %d corrupted\n", len(results), len(failed))
	for _, path := range failed {
		fmt.Fprintf(out, "  corrupted: %s\n", path)
	}
	if len(failed) == 0 {
		if err := contextstore.CheckFiles(cfg.Workspace.StateDir); err != nil {
			return fmt.Errorf("schema check: %w", err)
		}
		return nil
	}
	if backup == "" {
		return fmt.Errorf("%d files failed verification", len(failed))
	}

	return offline(cfg, func() error {
		repair, err := healer.Repair(ctx, backup)
		if err != nil {
			return err
		}
		for _, path := range repair.Repaired {
			fmt.Fprintf(out, "  repaired:  %s\n", path)
		}
		if len(repair.Unresolved) > 0 {
			return fmt.Errorf("%d files could not be repaired", len(repair.Unresolved))
		}
		return nil
	})
}
