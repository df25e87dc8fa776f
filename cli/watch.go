package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"socquery/battery"
	"socquery/logging"
	"socquery/metrics"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "watch [bms|display...]",
		Short: "Poll the state of charge until interrupted",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseIdentifiers(args)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				opts.cfg.Interval = interval
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			observer, err := metrics.NewObserver(reg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if opts.cfg.MetricsAddr != "" {
				stop := serveMetrics(ctx, opts.cfg.MetricsAddr, reg, opts.l)
				defer stop()
			}

			s, err := openSession(ctx, opts.cfg, opts.l)
			if err != nil {
				return err
			}
			defer s.Close()

			out := cmd.OutOrStdout()
			err = s.poller(opts.cfg.Options(), ids, observer).Run(ctx, opts.cfg.Interval, func(r battery.Reading) {
				fmt.Fprintf(out, "%s %s\n", r.At.Format(time.RFC3339), r)
			})
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 0, "poll interval, overrides the config")
	return cmd
}

// serveMetrics exposes /metrics and /health on addr until the returned function is called.
func serveMetrics(ctx context.Context, addr string, g prometheus.Gatherer, l *logging.Logger) func() {
	srv := &http.Server{Addr: addr, Handler: metrics.NewRouter(g), ReadHeaderTimeout: 5 * time.Second}

	go func() {
		l.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}
}
