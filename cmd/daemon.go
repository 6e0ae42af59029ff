package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grovetools/brain/internal/daemon"
	"github.com/grovetools/brain/internal/daemon/pidfile"
)

func newDaemonCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run and control the brain daemon",
	}

	cmd.AddCommand(newDaemonStartCmd(version))
	cmd.AddCommand(newDaemonStopCmd())
	cmd.AddCommand(newDaemonStatusCmd())

	return cmd
}

func newDaemonStartCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the daemon in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger := newLogger(cmd, cfg, "braind")

			pidPath := daemon.PidPath(cfg)
			if err := pidfile.Acquire(pidPath); err != nil {
				return fmt.Errorf("failed to start: %w", err)
			}
			defer func() {
				if err := pidfile.Release(pidPath); err != nil {
					logger.WithError(err).Error("Failed to release pidfile")
				}
			}()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
			go func() {
				<-stop
				logger.Info("Received stop signal")
				cancel()
			}()

			logger.WithField("pid", os.Getpid()).Info("Starting brain daemon")
			return daemon.New(cfg, cfgPath, version, logger).Run(ctx)
		},
	}
}

func newDaemonStopCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			pidPath := daemon.PidPath(cfg)

			running, pid, err := pidfile.IsRunning(pidPath)
			if err != nil {
				return fmt.Errorf("error checking status: %w", err)
			}
			if !running {
				fmt.Println("Daemon is not running")
				return nil
			}

			proc, err := os.FindProcess(pid)
			if err != nil {
				return fmt.Errorf("failed to find process %d: %w", pid, err)
			}
			if err := proc.Signal(syscall.SIGTERM); err != nil {
				return fmt.Errorf("failed to send stop signal: %w", err)
			}
			fmt.Printf("Sent SIGTERM to process %d\n", pid)

			if wait {
				deadline := time.Now().Add(60 * time.Second)
				for time.Now().Before(deadline) {
					if alive, _, _ := pidfile.IsRunning(pidPath); !alive {
						fmt.Println("Daemon stopped")
						return nil
					}
					time.Sleep(200 * time.Millisecond)
				}
				return fmt.Errorf("daemon did not stop within 60s")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the daemon to exit")
	return cmd
}

func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			running, pid, err := pidfile.IsRunning(daemon.PidPath(cfg))
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			if running {
				fmt.Printf("Running (PID: %d)\nAPI: http://%s:%d\n", pid, cfg.API.Host, cfg.API.Port)
			} else {
				fmt.Println("Stopped")
				// Non-zero for stopped state so scripts can branch on it.
				os.Exit(1)
			}
			return nil
		},
	}
}
