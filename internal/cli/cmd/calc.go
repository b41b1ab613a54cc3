package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/berrythewa/abacus/internal/ipc"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const connectFailedMessage = "Failed to connect to abacus server. Is the server running?"

func newCalcCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "cal <expression>",
		Short: "Calculate a mathematical expression",
		Long: `Send an expression to the daemon and print the result.

Arguments are joined with spaces, so quoting is only needed for
characters the shell would interpret.

Supported: + - * / % ^ **, parentheses, sin cos tan asin acos atan
sinh cosh tanh exp log ln log10 log2 sqrt cbrt abs ceil floor round
min max pow atan2 hypot, and the constants pi and e.`,
		Example: `  abacus cal "2+3*4"
  abacus cal "sin(3.14159/2)"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expression := strings.Join(args, " ")
			resp, err := roundTrip(cmd, g, ipc.Request{Kind: ipc.KindCalculate, Payload: expression})
			if err != nil {
				return err
			}

			if resp.Status == ipc.StatusSuccess {
				fmt.Fprintf(cmd.OutOrStdout(), "Result: %s\n", resp.Message)
				return nil
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Error: %s\n", resp.Message)
			return &ExitError{Code: 1}
		},
	}
}

func newHistoryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "his",
		Aliases: []string{"history"},
		Short:   "Show recent calculations",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := roundTrip(cmd, g, ipc.Request{Kind: ipc.KindHistory})
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), resp.Message)
			if !strings.HasSuffix(resp.Message, "\n") {
				fmt.Fprintln(cmd.OutOrStdout())
			}
			return nil
		},
	}
}

// roundTrip sends req to the configured socket. Failures are reported on
// stderr and returned as an ExitError.
func roundTrip(cmd *cobra.Command, g *globals, req ipc.Request) (ipc.Response, error) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	g.logger.Debug("Sending request",
		zap.String("socket", g.cfg.SocketPath),
		zap.Stringer("kind", req.Kind))

	resp, err := ipc.SendRequest(ctx, g.cfg.SocketPath, req)
	if err != nil {
		g.logger.Debug("Request failed", zap.Error(err))
		if errors.Is(err, ipc.ErrDaemonUnavailable) {
			fmt.Fprintln(cmd.ErrOrStderr(), connectFailedMessage)
		} else {
			fmt.Fprintf(cmd.ErrOrStderr(), "Failed to communicate with abacus server: %v\n", err)
		}
		return ipc.Response{}, &ExitError{Code: 1}
	}
	return resp, nil
}
