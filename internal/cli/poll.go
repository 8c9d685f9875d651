package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

// NewPollCommand creates the poll command
func NewPollCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Fetch completed orders from the LIS once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.service(cmd)
			if err != nil {
				return err
			}
			defer svc.Stop(context.Background())

			result, err := svc.Poll(cmd.Context())
			if err != nil {
				return err
			}
			return rootOpts.print(cmd.OutOrStdout(), result, func(w io.Writer) {
				fmt.Fprintf(w, "Window %s .. %s\n", result.LowerBound.UTC().Format(time.RFC3339), result.UpperBound.UTC().Format(time.RFC3339))
				fmt.Fprintf(w, "Pages: %d  Tasks: %d  Updated: %d  Unchanged: %d  No match: %d  Failed: %d\n",
					result.Pages, result.Tasks, result.Updated, result.Unchanged, result.Skipped, result.Failed)
			})
		},
	}
}
