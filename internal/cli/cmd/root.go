package cmd

import (
	"time"

	"github.com/spf13/cobra"
)

// NewClientCmd builds the abacus command tree.
func NewClientCmd() *cobra.Command {
	g := &globals{}
	var verbose bool

	root := &cobra.Command{
		Use:   "abacus",
		Short: "Command-line client for the abacus calculator daemon",
		Long: `abacus sends calculations to a running abacusd over its Unix socket
and shows the daemon's recent calculation history.

Examples:
  abacus cal "2+3*4"
  abacus cal "sin(3.14159/2)"
  abacus his`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if g.logLevel == "" && !verbose {
				g.logLevel = "warn"
			}
			if verbose {
				g.logLevel = "debug"
			}
			return g.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.logger != nil {
				_ = g.logger.Sync()
			}
		},
	}

	root.PersistentFlags().StringVar(&g.configFile, "config", "", "config file (default is $XDG_CONFIG_HOME/abacus/config.yaml)")
	root.PersistentFlags().StringVar(&g.socket, "socket", "", "daemon socket path (overrides config)")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 10*time.Second, "how long to wait for the daemon")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newCalcCmd(g),
		newHistoryCmd(g),
		newDaemonCmd(g),
		newJournalCmd(g),
		newConfigCmd(g),
		newVersionCmd("abacus"),
	)
	return root
}

// NewServerCmd builds the abacusd command, which runs the daemon.
func NewServerCmd() *cobra.Command {
	g := &globals{}
	opts := &serveOptions{}

	root := &cobra.Command{
		Use:   "abacusd",
		Short: "Calculator daemon serving requests on a Unix socket",
		Long: `abacusd evaluates mathematical expressions for local clients over a
Unix socket and keeps the five most recent successful calculations.

It runs in the foreground until interrupted. Use --detach to run it in
the background.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd, g, opts)
		},
	}

	root.Flags().StringVar(&g.configFile, "config", "", "config file (default is $XDG_CONFIG_HOME/abacus/config.yaml)")
	root.Flags().StringVar(&g.socket, "socket", "", "socket path to listen on (overrides config)")
	root.Flags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.Flags().BoolVar(&opts.journal, "journal", false, "record every request in the journal database")
	root.Flags().BoolVar(&opts.detach, "detach", false, "run in the background")

	root.AddCommand(newVersionCmd("abacusd"))
	return root
}
