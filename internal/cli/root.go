// Package cli wires the abacus and abacusd command trees to the process.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	cmdpkg "github.com/berrythewa/abacus/internal/cli/cmd"
	"github.com/spf13/cobra"
)

// SetVersionInfo records build metadata for the version commands.
func SetVersionInfo(version, buildTime, commit string) {
	cmdpkg.SetVersionInfo(version, buildTime, commit)
}

// ExecuteClient runs the abacus client and exits with its status.
func ExecuteClient() {
	os.Exit(execute(cmdpkg.NewClientCmd()))
}

// ExecuteServer runs the abacusd daemon and exits with its status.
func ExecuteServer() {
	os.Exit(execute(cmdpkg.NewServerCmd()))
}

func execute(root *cobra.Command) int {
	err := root.ExecuteContext(context.Background())
	var exitErr *cmdpkg.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return cmdpkg.ExitCode(err)
}
