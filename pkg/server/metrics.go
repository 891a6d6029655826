package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	loads        *prometheus.CounterVec
	execs        *prometheus.CounterVec
	execDuration prometheus.Histogram
	cachedVMs    prometheus.Gauge
}

func newMetrics(r prometheus.Registerer) *metrics {
	return &metrics{
		loads: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpfvm",
			Name:      "loads_total",
			Help:      "Object file loads by result.",
		}, []string{"result"}),
		execs: promauto.With(r).NewCounterVec(prometheus.CounterOpts{
			Namespace: "bpfvm",
			Name:      "execs_total",
			Help:      "Program executions by result.",
		}, []string{"result"}),
		execDuration: promauto.With(r).NewHistogram(prometheus.HistogramOpts{
			Namespace: "bpfvm",
			Name:      "exec_duration_seconds",
			Help:      "Program execution latency.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
		cachedVMs: promauto.With(r).NewGauge(prometheus.GaugeOpts{
			Namespace: "bpfvm",
			Name:      "cached_vms",
			Help:      "Loaded VMs held in the cache.",
		}),
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
