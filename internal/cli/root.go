// Package cli implements syncctl, the operator tool for the local queue and
// cache.
package cli

import (
	"fmt"

	"github.com/erauner12/erpsync/internal/app"
	"github.com/erauner12/erpsync/internal/config"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath string
	Format     string // "json" | "text"
	Verbose    bool
	DevMode    bool

	cfg *config.Config
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Inspect and operate the offline sync queue",
		Long:  "syncctl reads and repairs the local queue and cache used by the optimistic mutation pipeline.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return opts.load()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "", "path to configuration file (JSON)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().BoolVar(&opts.DevMode, "dev", false, "use X-Debug-Sub instead of a bearer token")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewDeadLettersCommand(opts))
	cmd.AddCommand(NewRequeueCommand(opts))
	cmd.AddCommand(NewClearCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewFetchCommand(opts))
	cmd.AddCommand(NewMutateCommand(opts))

	return cmd
}

func (o *RootOptions) load() error {
	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load configuration", err)
	}
	if o.DevMode {
		cfg.DevMode = true
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	if o.Verbose {
		cfg.Debug = true
		cfg.LogLevel = "debug"
	} else {
		cfg.LogLevel = "warn"
	}
	app.SetupLogging(cfg, "syncctl")

	o.cfg = cfg
	return nil
}

func (o *RootOptions) open() (*app.Stack, error) {
	st, err := app.Open(o.cfg)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open local store", err)
	}
	return st, nil
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
