package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"agentd/internal/config"
	"agentd/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon in the foreground",
	Long: `Start agentd for the workspace: take the PID file, recover the state
directory, reload persisted findings, serve the HTTP API if enabled and watch
the config file. Stops on SIGINT or SIGTERM; SIGHUP reloads the config.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("listen", "", "serve the HTTP API on this address (overrides config)")
}

func runRun(cmd *cobra.Command, args []string) error {
	var extra []func(*config.Config)
	if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
		extra = append(extra, func(c *config.Config) {
			c.HTTP.Enabled = true
			c.HTTP.Listen = listen
		})
	}
	loader, err := newLoader(cmd, extra...)
	if err != nil {
		return err
	}

	return daemon.Run(context.Background(), loader, daemon.RunOptions{
		Version: version,
		Ready: func(rt *daemon.Runtime, srv *daemon.Server) {
			if srv != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "agentd %s serving %s on %s\n",
					version, rt.Config.Workspace.Root, srv.Addr())
			}
		},
	})
}
