package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/berrythewa/abacus/internal/daemon"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newDaemonCmd creates the daemon command
func newDaemonCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Inspect or stop the abacus daemon",
	}

	cmd.AddCommand(newDaemonStatusCmd(g))
	cmd.AddCommand(newDaemonStopCmd(g))
	return cmd
}

type daemonStatus struct {
	Running bool   `json:"running"`
	PID     int    `json:"pid,omitempty"`
	Socket  string `json:"socket"`
	PIDFile string `json:"pid_file"`
}

func newDaemonStatusCmd(g *globals) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status := daemonStatus{Socket: g.cfg.SocketPath, PIDFile: g.cfg.PIDFile}

			pid, err := daemon.Status(g.cfg.PIDFile)
			switch {
			case err == nil:
				status.Running = true
				status.PID = pid
			case errors.Is(err, daemon.ErrNotRunning):
			default:
				return fmt.Errorf("failed to get daemon status: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(status); err != nil {
					return err
				}
			} else if status.Running {
				fmt.Fprintf(out, "abacusd is running with PID %d.\n", status.PID)
				fmt.Fprintf(out, "Socket: %s\n", status.Socket)
			} else {
				fmt.Fprintln(out, "abacusd is not running.")
			}

			if !status.Running {
				return &ExitError{Code: 3}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

func newDaemonStopCmd(g *globals) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g.logger.Info("Stopping abacus daemon", zap.String("pid_file", g.cfg.PIDFile))

			pid, err := daemon.Stop(g.cfg.PIDFile, timeout)
			if errors.Is(err, daemon.ErrNotRunning) {
				fmt.Fprintln(cmd.ErrOrStderr(), "abacusd is not running.")
				return &ExitError{Code: 1}
			}
			if err != nil {
				return fmt.Errorf("failed to stop daemon: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "abacusd (PID %d) stopped.\n", pid)
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "wait", 5*time.Second, "how long to wait for the daemon to exit")
	return cmd
}
