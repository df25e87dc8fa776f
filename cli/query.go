package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var errNoReading = errors.New("no state of charge could be read")

func newQueryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "query [bms|display...]",
		Short: "Read the state of charge once",
		Long:  "query reads each identifier once, retrying as configured, and prints the results. Without arguments both identifiers are read.",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIdentifiers(args)
			if err != nil {
				return err
			}

			s, err := openSession(cmd.Context(), opts.cfg, opts.l)
			if err != nil {
				return err
			}
			defer s.Close()

			available := 0
			for _, r := range s.poller(opts.cfg.Options(), ids).Poll(cmd.Context()) {
				fmt.Fprintln(cmd.OutOrStdout(), r)
				if r.Available {
					available++
				}
			}
			if available == 0 {
				return errNoReading
			}
			return nil
		},
	}
}
