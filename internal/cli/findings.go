package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentd/internal/contextstore"
	"agentd/internal/daemon"
	"agentd/internal/findings"
	"agentd/internal/history"
)

var findingsCmd = &cobra.Command{
	Use:   "findings",
	Short: "List stored findings",
	RunE:  runFindings,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove findings from one or more tiers",
	Long: `Empty the named tiers, or every tier when --tier is not given. A running
daemon is asked to clear its own store; otherwise the state directory is
edited directly.`,
	RunE: runClear,
}

func init() {
	findingsCmd.Flags().StringSlice("tier", nil, "tiers to list: immediate, relevant, background, auto_fixed")
	findingsCmd.Flags().String("file", "", "only findings for this file")
	findingsCmd.Flags().Bool("json", false, "output JSON")

	clearCmd.Flags().StringSlice("tier", nil, "tiers to clear (default: all)")
}

func parseTiers(cmd *cobra.Command) ([]findings.Tier, error) {
	names, _ := cmd.Flags().GetStringSlice("tier")
	if len(names) == 0 {
		return findings.Tiers, nil
	}
	tiers := make([]findings.Tier, 0, len(names))
	for _, name := range names {
		tier, err := findings.ParseTier(name)
		if err != nil {
			return nil, err
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

func runFindings(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tiers, err := parseTiers(cmd)
	if err != nil {
		return err
	}
	file, _ := cmd.Flags().GetString("file")

	var docs []contextstore.TierDocument
	for _, tier := range tiers {
		doc, err := contextstore.ReadTier(cfg.Workspace.StateDir, tier)
		if errors.Is(err, os.ErrNotExist) {
			doc = contextstore.TierDocument{Tier: tier, Findings: []findings.Finding{}}
		} else if err != nil {
			return fmt.Errorf("reading %s tier: %w", tier, err)
		}
		if file != "" {
			kept := doc.Findings[:0]
			for _, f := range doc.Findings {
				if f.File == file {
					kept = append(kept, f)
				}
			}
			doc.Findings = kept
			doc.Count = len(kept)
		}
		docs = append(docs, doc)
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(cmd.OutOrStdout(), docs)
	}

	out := cmd.OutOrStdout()
	for i, doc := range docs {
		if i > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintf(out, "%s (%d)\n", doc.Tier, len(doc.Findings))
		for _, f := range doc.Findings {
			fmt.Fprintf(out, "  %s\n", formatFinding(f))
		}
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	tiers, err := parseTiers(cmd)
	if err != nil {
		return err
	}
	ctx := context.Background()

	var removed int
	if client, err := daemon.ClientFor(cfg.Workspace.StateDir); err == nil {
		if removed, err = client.Clear(ctx, tiers...); err != nil {
			return err
		}
	} else {
		err = offline(cfg, func() error {
			opts := contextstore.Options{Policy: cfg.Policy}
			if cfg.History.Enabled {
				ledger, err := history.Open(cfg.History.Path, nil)
				if err != nil {
					return err
				}
				defer ledger.Close()
				opts.Recorder = ledger
			}
			store, err := contextstore.New(cfg.Workspace.StateDir, opts)
			if err != nil {
				return err
			}
			if _, err := store.Load(ctx); err != nil {
				return err
			}
			removed, err = store.Clear(ctx, tiers...)
			return err
		})
		if err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d findings\n", removed)
	return nil
}
