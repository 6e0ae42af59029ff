package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/grovetools/brain/command"
	"github.com/grovetools/brain/internal/daemon/analyzer"
	"github.com/grovetools/brain/internal/daemon/health"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/logging"
)

func newHealthCmd() *cobra.Command {
	var shallow bool
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Verify the analyzer toolchain and data stores",
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

			executor := &command.RealExecutor{}
			invoker := analyzer.New(cfg, logger, st, executor)
			runner := health.New(cfg, logger, st, invoker, executor)

			report := runner.Run(cmd.Context(), !shallow)
			for _, c := range report.Checks {
				mark := "ok"
				if !c.Passed {
					mark = "WARN"
					if c.Fatal {
						mark = "FAIL"
					}
				}
				fmt.Printf("%-20s %-4s  %s\n", c.Name, mark, c.Message)
			}

			if !report.Healthy {
				fmt.Fprintf(os.Stderr, "\nunhealthy, see logs at %s\n", logging.LogDir())
				os.Exit(1)
			}
			fmt.Println("\nhealthy")
			return nil
		},
	}
	cmd.Flags().BoolVar(&shallow, "shallow", false, "Skip the analyzer roundtrip probe")
	return cmd
}
