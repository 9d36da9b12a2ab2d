package fuzz

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics are per runner. With a nil Registerer they are still counted but
// not exported.
type metrics struct {
	iterations   prometheus.Counter
	flows        *prometheus.CounterVec
	transactions *prometheus.CounterVec
	failures     *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, suite string) *metrics {
	f := promauto.With(reg)
	labels := prometheus.Labels{"suite": suite}
	return &metrics{
		iterations: f.NewCounter(prometheus.CounterOpts{
			Name:        "ledgerfuzz_iterations_total",
			Help:        "Completed fuzz iterations.",
			ConstLabels: labels,
		}),
		flows: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ledgerfuzz_flows_total",
			Help:        "Flow invocations by flow name.",
			ConstLabels: labels,
		}, []string{"flow"}),
		transactions: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ledgerfuzz_transactions_total",
			Help:        "Executed transactions by result.",
			ConstLabels: labels,
		}, []string{"result"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name:        "ledgerfuzz_failures_total",
			Help:        "Recorded failures by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}
}
