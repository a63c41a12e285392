package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentd/internal/history"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show the finding, trim, clear and conflict ledger",
	RunE:  runHistory,
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 50, "number of entries")
	historyCmd.Flags().String("file", "", "show findings recorded for this file instead")
	historyCmd.Flags().Bool("stats", false, "show totals only")
	historyCmd.Flags().Bool("json", false, "output JSON")
}

func runHistory(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if !cfg.History.Enabled {
		return fmt.Errorf("history is disabled in %s", cfg.Workspace.StateDir)
	}
	if _, err := os.Stat(cfg.History.Path); err != nil {
		return fmt.Errorf("no history at %s: %w", cfg.History.Path, err)
	}

	ledger, err := history.Open(cfg.History.Path, nil)
	if err != nil {
		return err
	}
	defer ledger.Close()

	ctx := context.Background()
	limit, _ := cmd.Flags().GetInt("limit")
	asJSON, _ := cmd.Flags().GetBool("json")
	out := cmd.OutOrStdout()

	if stats, _ := cmd.Flags().GetBool("stats"); stats {
		s, err := ledger.Stats(ctx)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(out, s)
		}
		fmt.Fprintf(out, "findings:  %d\ntrims:     %d\nclears:    %d\nconflicts: %d\n",
			s.Findings, s.Trims, s.Clears, s.Conflicts)
		return nil
	}

	if file, _ := cmd.Flags().GetString("file"); file != "" {
		fs, err := ledger.FindingsForFile(ctx, file, limit)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(out, fs)
		}
		for _, f := range fs {
			fmt.Fprintf(out, "%s  %s\n", f.Timestamp, formatFinding(f))
		}
		return nil
	}

	entries, err := ledger.Recent(ctx, limit)
	if err != nil {
		return err
	}
	if asJSON {
		return printJSON(out, entries)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tKIND\tTIER\tAGENT\tPATH\tDETAIL")
	for _, e := range entries {
		detail := e.Detail
		if detail == "" && e.Count > 0 {
			detail = fmt.Sprintf("%d removed", e.Count)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.At.Local().Format(time.DateTime), e.Kind, e.Tier, e.Agent, e.Path, detail)
	}
	return tw.Flush()
}
