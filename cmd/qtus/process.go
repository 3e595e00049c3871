package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newProcessCommand() *cobra.Command {
	var publish bool

	cmd := &cobra.Command{
		Use:   "process <upload-id>...",
		Short: "Run the completion pipeline for uploads left in the upload directory",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, appOptions{connectBus: publish})
			if err != nil {
				return err
			}
			defer a.close()

			enc := json.NewEncoder(os.Stdout)
			failed := 0
			for _, id := range args {
				out := a.orchestrator.Process(ctx, id)
				if out.State.Failed() {
					failed++
				}
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d uploads failed", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&publish, "publish", false, "Publish outcomes to NATS when NATS_URL is set")
	return cmd
}
