package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/berrythewa/abacus/internal/history"
	"github.com/berrythewa/abacus/internal/storage"
	"github.com/spf13/cobra"
)

func newJournalCmd(g *globals) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "journal",
		Short: "List requests recorded in the journal",
		Long: `List the requests the daemon recorded in its journal database, newest
first. The daemon records requests only when started with --journal or
when journal.enabled is set in the config file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.cfg.Journal.Path
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				fmt.Fprintf(cmd.ErrOrStderr(), "No journal at %s. Start abacusd with --journal to record requests.\n", path)
				return &ExitError{Code: 1}
			}

			j, err := storage.OpenJournalReadOnly(storage.JournalConfig{Path: path, Logger: g.logger})
			if errors.Is(err, storage.ErrJournalLocked) {
				fmt.Fprintln(cmd.ErrOrStderr(), "The journal is in use by a running abacusd; stop it to read the journal.")
				return &ExitError{Code: 1}
			}
			if err != nil {
				return err
			}
			defer j.Close()

			entries, err := j.List(limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			if len(entries) == 0 {
				fmt.Fprintln(out, "The journal is empty.")
				return nil
			}
			for _, e := range entries {
				fmt.Fprintln(out, formatEntry(e))
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of entries to show (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

func formatEntry(e storage.Entry) string {
	line := fmt.Sprintf("%s  %-9s %-18s", e.Time.Local().Format(time.DateTime), e.Kind, e.Status)
	switch {
	case e.Result != nil:
		line += fmt.Sprintf(" %s = %s", e.Expression, history.FormatResult(*e.Result))
	case e.Expression != "":
		line += " " + e.Expression
	}
	if e.PeerPID != 0 {
		line += fmt.Sprintf("  (pid %d, uid %d)", e.PeerPID, e.PeerUID)
	}
	return line
}
