package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/grovetools/brain/command"
	"github.com/grovetools/brain/internal/daemon/analyzer"
	"github.com/grovetools/brain/internal/daemon/query"
	"github.com/grovetools/brain/internal/daemon/store"
	"github.com/grovetools/brain/pkg/embedder"
)

func newQueryCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "query <question>",
		Short: "Ask the knowledge base a question",
		Args:  cobra.MinimumNArgs(1),
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
			var emb query.Embedder
			if client := embedder.New(cfg, logger); client != nil {
				emb = client
			}
			engine := query.New(cfg, logger, st, invoker, emb)

			result, err := engine.Ask(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			fmt.Println(result.Answer)
			if len(result.Sources) > 0 {
				fmt.Println("\nSources:")
				for _, src := range result.Sources {
					line := "  " + src.NodeID
					if src.Project != "" {
						line += " (" + src.Project + ")"
					}
					if src.Summary != "" {
						line += " " + src.Summary
					}
					fmt.Println(line)
				}
			}
			fmt.Printf("\nConfidence: %.2f\n", result.Confidence)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw result as JSON")
	return cmd
}
