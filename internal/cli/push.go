package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/eRegister/openmrs-module-labonfhir/pkg/types"
)

// NewPushCommand creates the push command
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	var taskID string

	cmd := &cobra.Command{
		Use:   "push --task <id>",
		Short: "Deliver one lab order to the LIS",
		Long: `Assemble the order and everything it references into one transaction bundle
and submit it to the LIS. A failed delivery is recorded in the failed delivery log.

Example:
  labsync push --task 3c0e7a42-5a6e-4ad4-9d8d-8d1f0f8b6a10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := rootOpts.service(cmd)
			if err != nil {
				return err
			}
			defer svc.Stop(context.Background())

			outcome := svc.Push(cmd.Context(), taskID)
			err = rootOpts.print(cmd.OutOrStdout(), map[string]string{"task_id": taskID, "outcome": string(outcome)}, func(w io.Writer) {
				fmt.Fprintf(w, "Task/%s: %s\n", taskID, outcome)
			})
			if err != nil {
				return err
			}
			if outcome == types.DeliveryFailed {
				return fmt.Errorf("delivery of Task/%s failed", taskID)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&taskID, "task", "", "id of the local Task to deliver (required)")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}
