package reldoc

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	commands  *prometheus.CounterVec
	batches   prometheus.Counter
	conflicts prometheus.Counter
	flushes   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "reldoc",
			Name:      "commands_total",
			Help:      "Commands executed by session flushes, by command kind.",
		}, []string{"kind"}),
		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reldoc",
			Name:      "batches_total",
			Help:      "Statement batches sent to the backend.",
		}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "reldoc",
			Name:      "concurrency_conflicts_total",
			Help:      "Document updates rejected by the version check.",
		}),
		flushes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "reldoc",
			Name:      "flush_duration_seconds",
			Help:      "Duration of session flushes that emitted commands.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{m.commands, m.batches, m.conflicts, m.flushes} {
			if err := reg.Register(c); err != nil {
				return nil, errors.Wrap(err, "reldoc: registering metrics")
			}
		}
	}
	return m, nil
}
