package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"agentd/internal/contextstore"
	"agentd/internal/findings"
)

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize findings by tier",
	Long: `Print what needs attention now, what is worth mentioning, and how much
was deferred or fixed automatically.`,
	RunE: runSummary,
}

func init() {
	summaryCmd.Flags().Int("limit", 10, "findings listed per tier")
}

func runSummary(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	dir := cfg.Workspace.StateDir
	out := cmd.OutOrStdout()

	ix, err := contextstore.ReadIndex(dir)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintln(out, "No findings recorded yet.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading index: %w", err)
	}

	fmt.Fprintf(out, "Check now: %d", ix.CheckNow.Count)
	if len(ix.CheckNow.SeverityBreakdown) > 0 {
		var parts []string
		for _, sev := range findings.Severities {
			if n := ix.CheckNow.SeverityBreakdown[sev]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(string(sev))))
			}
		}
		fmt.Fprintf(out, " (%s)", strings.Join(parts, ", "))
	}
	fmt.Fprintln(out)
	if err := listTier(out, dir, findings.TierImmediate, limit); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nMention if relevant: %d\n", ix.MentionIfRelevant.Count)
	if err := listTier(out, dir, findings.TierRelevant, limit); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nDeferred: %d\n", ix.Deferred.Count)
	fmt.Fprintf(out, "Auto-fixed: %d\n", ix.AutoFixed.Count)
	return nil
}

func listTier(w io.Writer, dir string, tier findings.Tier, limit int) error {
	doc, err := contextstore.ReadTier(dir, tier)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading %s tier: %w", tier, err)
	}
	for i, f := range doc.Findings {
		if limit > 0 && i == limit {
			fmt.Fprintf(w, "  ... and %d more\n", len(doc.Findings)-limit)
			break
		}
		fmt.Fprintf(w, "  %s\n", formatFinding(f))
	}
	return nil
}

func formatFinding(f findings.Finding) string {
	loc := f.File
	if f.Line != nil {
		loc = fmt.Sprintf("%s:%d", loc, *f.Line)
	}
	msg := f.Message
	if msg == "" {
		msg = f.Category
	}
	return fmt.Sprintf("%-7s %s  %s [%s, %.2f]", f.Severity, loc, msg, f.Agent, f.Score())
}
