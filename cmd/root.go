// Package cmd implements the brain CLI.
package cmd

import (
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/grovetools/brain/config"
	"github.com/grovetools/brain/logging"
)

// NewRootCmd returns the brain root command with all subcommands attached.
func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "brain",
		Short:        "Second brain daemon for coding agent sessions",
		Long:         "Watches agent session logs, distills them into knowledge nodes, and answers questions about past work.",
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("config", "c", "", "Path to config file")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose logging")

	cmd.AddCommand(newDaemonCmd(version))
	cmd.AddCommand(newHealthCmd())
	cmd.AddCommand(newPromptCmd())
	cmd.AddCommand(newQueryCmd())
	cmd.AddCommand(newStatusCmd())

	return cmd
}

// loadConfig resolves and loads the config for a command invocation,
// returning the effective config file path alongside it.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, config.ResolvePath(path), nil
}

// newLogger builds a component logger with file sinks under the data root.
func newLogger(cmd *cobra.Command, cfg *config.Config, component string) *logrus.Entry {
	logging.SetLogDir(filepath.Join(cfg.DataRoot, "logs"))
	entry := logging.NewLogger(component)
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		entry.Logger.SetLevel(logrus.DebugLevel)
	}
	return entry
}
