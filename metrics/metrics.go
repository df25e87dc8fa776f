// Package metrics exports query outcomes to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"socquery/battery"
)

const namespace = "socquery"

// Observer records query events as Prometheus metrics.
type Observer struct {
	attemptsFailed *prometheus.CounterVec
	succeeded      *prometheus.CounterVec
	exhausted      *prometheus.CounterVec
	attempts       *prometheus.HistogramVec
	soc            *prometheus.GaugeVec
}

var _ battery.Observer = (*Observer)(nil)

// NewObserver creates the query metrics and registers them with reg.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	o := &Observer{
		attemptsFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "attempts_failed_total",
				Help:      "Query attempts that got no usable response.",
			},
			[]string{"identifier"},
		),
		succeeded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "succeeded_total",
				Help:      "Queries that returned a state of charge.",
			},
			[]string{"identifier"},
		),
		exhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "exhausted_total",
				Help:      "Queries that failed after every retry.",
			},
			[]string{"identifier"},
		),
		attempts: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "attempts",
				Help:      "Attempts needed by successful queries.",
				Buckets:   prometheus.LinearBuckets(1, 1, 10),
			},
			[]string{"identifier"},
		),
		soc: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "soc_percent",
				Help:      "Last state of charge read, in percent.",
			},
			[]string{"identifier"},
		),
	}

	for _, c := range []prometheus.Collector{o.attemptsFailed, o.succeeded, o.exhausted, o.attempts, o.soc} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *Observer) AttemptFailed(id battery.Identifier, _ int, _ error) {
	o.attemptsFailed.WithLabelValues(id.Name()).Inc()
}

func (o *Observer) QuerySucceeded(id battery.Identifier, attempt int, soc float64) {
	o.succeeded.WithLabelValues(id.Name()).Inc()
	o.attempts.WithLabelValues(id.Name()).Observe(float64(attempt))
	o.soc.WithLabelValues(id.Name()).Set(soc)
}

func (o *Observer) QueryFailed(id battery.Identifier, _ int) {
	o.exhausted.WithLabelValues(id.Name()).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
