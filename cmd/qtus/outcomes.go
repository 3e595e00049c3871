package main

import (
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"qtus/services/ledger"
)

func newOutcomesCommand() *cobra.Command {
	var (
		limit int
		state string
	)

	cmd := &cobra.Command{
		Use:   "outcomes",
		Short: "List recently recorded pipeline outcomes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{})
			if err != nil {
				return err
			}
			defer a.close()

			if a.ledger == nil {
				return errors.New("DB_DSN is not set, no outcomes are recorded")
			}

			entries, err := a.ledger.Recent(ctx, ledger.Query{Limit: limit, State: state})
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "FINISHED\tUPLOAD\tSTATE\tPROJECT\tNOTIFICATION\tERROR")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.FinishedAt.Local().Format(time.DateTime), e.UploadID, e.State, e.Project, e.Notification, e.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", ledger.DefaultLimit, "Maximum number of outcomes to show")
	cmd.Flags().StringVar(&state, "state", "", "Only show outcomes in this terminal state")
	return cmd
}
