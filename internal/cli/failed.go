package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// FailedOptions holds flags for the failed command
type FailedOptions struct {
	*RootOptions
	Limit  int
	Resend bool
}

// NewFailedCommand creates the failed command
func NewFailedCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FailedOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List or resend deliveries the LIS did not accept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := opts.service(cmd)
			if err != nil {
				return err
			}
			defer svc.Stop(context.Background())

			if opts.Resend {
				resent, err := svc.ResendFailed(cmd.Context(), opts.Limit)
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), map[string]int{"resent": resent}, func(w io.Writer) {
					fmt.Fprintf(w, "Resent %d deliveries\n", resent)
				})
			}

			deliveries, err := svc.FailedDeliveries(cmd.Context(), opts.Limit)
			if err != nil {
				return err
			}
			if deliveries == nil {
				deliveries = []*types.FailedDelivery{}
			}
			return opts.print(cmd.OutOrStdout(), deliveries, func(w io.Writer) {
				printDeliveries(w, deliveries)
			})
		},
	}

	cmd.Flags().IntVar(&opts.Limit, "limit", 100, "maximum number of records")
	cmd.Flags().BoolVar(&opts.Resend, "resend", false, "redeliver the listed orders")

	return cmd
}

func printDeliveries(w io.Writer, deliveries []*types.FailedDelivery) {
	if len(deliveries) == 0 {
		fmt.Fprintln(w, "No failed deliveries")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTASK\tCREATED\tERROR")
	for _, d := range deliveries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", d.ID, d.TaskID, d.CreatedAt.UTC().Format(time.RFC3339), d.Error)
	}
	tw.Flush()
}
