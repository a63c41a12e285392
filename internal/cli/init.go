package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"agentd/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration for the workspace",
	Long: `Create the state directory and a default config file. An existing
config file is left untouched.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	loader, err := newLoader(cmd)
	if err != nil {
		return err
	}

	cfg, created, err := config.LoadOrCreate(loader.Path(), rootOverrides(cmd)...)
	if err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !created {
		fmt.Fprintf(out, "Config already exists at %s\n", loader.Path())
		return nil
	}
	fmt.Fprintf(out, "Wrote %s\n", loader.Path())
	fmt.Fprintf(out, "State directory: %s\n", cfg.Workspace.StateDir)
	return nil
}
