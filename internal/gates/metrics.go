package gates

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	gateRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "gates",
		Name:      "runs_total",
		Help:      "Gate runs by gate and status",
	}, []string{"gate", "status"})

	gateDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "gates",
		Name:      "duration_seconds",
		Help:      "Gate run duration",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"gate"})

	gateTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "gates",
		Name:      "timeouts_total",
		Help:      "Gate runs killed by timeout",
	}, []string{"gate"})
)
