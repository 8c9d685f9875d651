package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/eRegister/openmrs-module-labonfhir/internal/app"
)

const shutdownTimeout = 30 * time.Second

// NewServeCommand creates the serve command
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the operator API and the scheduled poll",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := rootOpts.load(cmd)
			if err != nil {
				return err
			}

			svc, err := app.New(cfg, log)
			if err != nil {
				return err
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- svc.Start()
			}()

			// Wait for interrupt signal to gracefully shutdown
			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(quit)

			var serveErr error
			select {
			case <-quit:
			case serveErr = <-errCh:
			}

			log.Info("Shutting down lab sync service...")
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			stopErr := svc.Stop(ctx)
			log.Info("Lab sync service stopped")
			return errors.Join(serveErr, stopErr)
		},
	}
}
