// Package cli wires the socquery commands together.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"socquery/config"
	"socquery/logging"
)

const appName = "socquery"

type rootOptions struct {
	configPath string
	logLevel   string
	simulate   bool

	cfg config.Config
	l   *logging.Logger
}

// load reads the config and applies the flags that override it.
func (o *rootOptions) load(cmd *cobra.Command) error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("log-level") {
		level, ok := logging.ParseLevel(o.logLevel)
		if !ok {
			return fmt.Errorf("unknown log level %q", o.logLevel)
		}
		cfg.LogLevel = level
	}
	if o.simulate {
		cfg.Driver = config.DriverVirtual
	}

	o.cfg = cfg
	o.l = logging.New(logging.Config{App: appName, Level: cfg.LogLevel, Out: cmd.ErrOrStderr()})
	return nil
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "Read the battery state of charge over UDS",
		Long: "socquery reads the high-voltage battery state of charge from the BMS using UDS " +
			"ReadDataByIdentifier over a CAN bridge.",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level (trace, debug, info, warn, error, off)")
	rootCmd.PersistentFlags().BoolVar(&opts.simulate, "simulate", false, "use a simulated BMS on a virtual bus")

	rootCmd.AddCommand(
		newQueryCmd(opts),
		newWatchCmd(opts),
		newGUICmd(opts),
		newPortsCmd(),
	)
	return rootCmd
}

// Execute runs the command line until it finishes or ctx is cancelled.
func Execute(ctx context.Context) error {
	return NewRootCmd().ExecuteContext(ctx)
}
