package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"agentd/internal/daemon"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List locks held in the running daemon",
	Long: `Locks live in the daemon's memory, so this command needs a daemon with the
HTTP API enabled.`,
	RunE: runLocks,
}

func init() {
	locksCmd.Flags().Bool("json", false, "output JSON")
}

func runLocks(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	client, err := daemon.ClientFor(cfg.Workspace.StateDir)
	if errors.Is(err, daemon.ErrNotRunning) {
		return fmt.Errorf("%w (or its HTTP API is disabled)", err)
	}
	if err != nil {
		return err
	}

	held, err := client.Locks(context.Background())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		return printJSON(out, held)
	}
	if len(held) == 0 {
		fmt.Fprintln(out, "No locks held.")
		return nil
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PATH\tMODE\tHOLDERS\tWAITING")
	for _, st := range held {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", st.Path, st.Mode, strings.Join(st.Holders, ","), len(st.Queue))
	}
	return tw.Flush()
}
