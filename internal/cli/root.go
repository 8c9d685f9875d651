// Package cli implements the labsync command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/eRegister/openmrs-module-labonfhir/internal/app"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/config"
	"github.com/eRegister/openmrs-module-labonfhir/pkg/logger"
)

// RootOptions holds global flags for all commands
type RootOptions struct {
	ConfigPath string
	LogLevel   string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the labsync root command
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "labsync",
		Short: "Synchronize lab orders and results with a laboratory information system",
		Long: `labsync pushes lab orders from the local FHIR record to the LIS as transaction
bundles and polls the LIS for completed orders, merging their result reports back.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			for _, f := range ValidFormats {
				if f == opts.Format {
					return nil
				}
			}
			return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to the config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "override the configured log level")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))
	cmd.AddCommand(NewPollCommand(opts))
	cmd.AddCommand(NewFailedCommand(opts))

	return cmd
}

// load reads the configuration and builds a logger writing to the command's error stream
func (o *RootOptions) load(cmd *cobra.Command) (*config.Config, *logger.Logger, error) {
	cfg, err := config.LoadFrom(o.ConfigPath)
	if err != nil {
		return nil, nil, err
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	return cfg, logger.NewWithOutput(cfg.LogLevel, cmd.ErrOrStderr()), nil
}

// service builds the application for one-shot commands
func (o *RootOptions) service(cmd *cobra.Command) (*app.Service, error) {
	cfg, log, err := o.load(cmd)
	if err != nil {
		return nil, err
	}
	return app.New(cfg, log)
}

func (o *RootOptions) print(w io.Writer, v interface{}, text func(io.Writer)) error {
	if o.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
