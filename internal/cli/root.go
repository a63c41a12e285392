// Package cli implements the agentd command line.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentd/internal/config"
	"agentd/internal/daemon"
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Coordinate agents editing a shared working tree",
	Long: `agentd serializes file modifications between concurrent agents and keeps
their findings in priority tiers under the workspace state directory.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to config file (default: auto-detect)")
	rootCmd.PersistentFlags().StringP("root", "r", "", "workspace root (default: current directory)")

	rootCmd.AddCommand(initCmd, runCmd, statusCmd, summaryCmd, findingsCmd, clearCmd,
		recoverCmd, verifyCmd, historyCmd, locksCmd, versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// newLoader builds a config loader honouring --config and --root. extra
// overrides apply after --root.
func newLoader(cmd *cobra.Command, extra ...func(*config.Config)) (*config.Loader, error) {
	root, _ := cmd.Flags().GetString("root")
	path, _ := cmd.Flags().GetString("config")

	if root == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		root = wd
	}
	if path == "" {
		path = config.FindConfigFile(root)
	}

	return config.NewLoader(path, append(rootOverrides(cmd), extra...)...), nil
}

// rootOverrides applies an explicit --root on top of the config file.
func rootOverrides(cmd *cobra.Command) []func(*config.Config) {
	if !cmd.Flags().Changed("root") {
		return nil
	}
	root, _ := cmd.Flags().GetString("root")
	return []func(*config.Config){func(c *config.Config) { c.Workspace.Root = root }}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	loader, err := newLoader(cmd)
	if err != nil {
		return nil, err
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// offline runs fn while holding the PID file, so no daemon can start and
// mutate the state directory underneath it.
func offline(cfg *config.Config, fn func() error) error {
	pid, err := daemon.AcquirePIDFile(cfg.PIDFile)
	if err != nil {
		if errors.Is(err, daemon.ErrAlreadyRunning) {
			return fmt.Errorf("%w; stop it first", err)
		}
		return err
	}
	return errors.Join(fn(), pid.Release())
}
