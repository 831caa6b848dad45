package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List stored scanning sessions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		if err := cfg.Validate("export"); err != nil {
			return err
		}
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		sessions, err := st.ListSessions(ctx, sessionsLimit)
		if err != nil {
			return eris.Wrap(err, "sessions: list")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TOKEN\tSTARTED\tENDED\tITEMS")
		for _, s := range sessions {
			ended := "open"
			if s.EndedAt != nil {
				ended = s.EndedAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.Token, s.StartedAt.Format(time.RFC3339), ended, s.ItemCount)
		}
		return w.Flush()
	},
}

func init() {
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 50, "max sessions to list")
	rootCmd.AddCommand(sessionsCmd)
}
