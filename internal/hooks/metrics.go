package hooks

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "hooks",
		Name:      "dispatches_total",
		Help:      "Hook dispatches by event and final decision",
	}, []string{"event", "decision"})

	dispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "conductor",
		Subsystem: "hooks",
		Name:      "dispatch_duration_seconds",
		Help:      "Time spent running all handlers for one event",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event"})

	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "hooks",
		Name:      "handler_errors_total",
		Help:      "Handlers that errored or panicked and were skipped",
	}, []string{"event", "handler"})
)
