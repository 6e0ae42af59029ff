package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/grovetools/brain/internal/daemon"
	"github.com/grovetools/brain/internal/daemon/pidfile"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			running, pid, err := pidfile.IsRunning(daemon.PidPath(cfg))
			if err != nil {
				return err
			}
			if !running {
				fmt.Println("Daemon: stopped")
				return nil
			}
			fmt.Printf("Daemon: running (PID %d)\n", pid)

			url := fmt.Sprintf("http://%s:%d/api/v1/status", cfg.API.Host, cfg.API.Port)
			client := &http.Client{Timeout: 3 * time.Second}
			resp, err := client.Get(url)
			if err != nil {
				fmt.Printf("API:    unreachable (%v)\n", err)
				return nil
			}
			defer resp.Body.Close()

			var envelope struct {
				Data struct {
					Version string         `json:"version"`
					Uptime  string         `json:"uptime"`
					Queue   map[string]int `json:"queue"`
				} `json:"data"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
				fmt.Printf("API:    bad response (%v)\n", err)
				return nil
			}

			fmt.Printf("API:    %s (version %s, up %s)\n", url, envelope.Data.Version, envelope.Data.Uptime)
			if len(envelope.Data.Queue) > 0 {
				fmt.Println("Queue:")
				for state, n := range envelope.Data.Queue {
					fmt.Printf("  %-10s %d\n", state, n)
				}
			}
			return nil
		},
	}
}
