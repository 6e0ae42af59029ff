package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/grovetools/brain/command"
	"github.com/grovetools/brain/internal/daemon/analyzer"
	"github.com/grovetools/brain/internal/daemon/store"
)

func newPromptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Inspect and version the analyzer system prompt",
	}
	cmd.AddCommand(newPromptShowCmd())
	cmd.AddCommand(newPromptBumpCmd())
	return cmd
}

func newPromptShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current prompt version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg, "brain")

			st, err := store.Open(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			invoker := analyzer.New(cfg, logger, st, &command.RealExecutor{})
			pv, err := invoker.CurrentVersion(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("Version:  %s\nSequence: %d\nHash:     %s\nFile:     %s\n",
				pv.VersionLabel, pv.Sequence, pv.ContentHash, cfg.PromptFile())
			return nil
		},
	}
}

func newPromptBumpCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "bump",
		Short: "Archive the current prompt and advance the version",
		Long:  "Records a new prompt version after editing the prompt file. Nodes analyzed under older versions become eligible for scheduled reanalysis.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg, "brain")

			st, err := store.Open(cfg, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			invoker := analyzer.New(cfg, logger, st, &command.RealExecutor{})
			pv, err := invoker.Bump(cmd.Context(), reason)
			if err != nil {
				return err
			}
			fmt.Printf("Active prompt version: %s\n", pv.VersionLabel)
			if pv.ArchivedPath != "" {
				fmt.Printf("Archived copy: %s\n", pv.ArchivedPath)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Why the prompt changed")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}
