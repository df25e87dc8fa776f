package cli

import (
	"context"
	"errors"

	"github.com/spf13/cobra"

	"socquery/gui"
)

func newGUICmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "gui",
		Short: "Show the state of charge and bus log in a window",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			s, err := openSession(ctx, opts.cfg, opts.l)
			if err != nil {
				return err
			}
			defer s.Close()

			g := gui.New(s.d, s.ecu, opts.l)
			opts.l.AddSink(g)

			poller := s.poller(opts.cfg.Options(), nil)
			g.OnQuery(ctx, func(ctx context.Context) {
				for _, r := range poller.Poll(ctx) {
					g.ShowReading(r)
				}
			})

			go func() {
				err := poller.Run(ctx, opts.cfg.Interval, g.ShowReading)
				if err != nil && !errors.Is(err, context.Canceled) {
					opts.l.Error().Err(err).Msg("polling stopped")
				}
			}()

			g.Run(ctx)
			return nil
		},
	}
}
