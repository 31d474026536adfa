package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "session",
		Name:      "created_total",
		Help:      "Sessions created",
	})

	flushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "session",
		Name:      "flushes_total",
		Help:      "Session record writes by result",
	}, []string{"result"})

	corruptRecords = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "session",
		Name:      "corrupt_records_total",
		Help:      "Session records ignored because they could not be read",
	})

	forksCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "session",
		Name:      "forks_created_total",
		Help:      "Forks created",
	})

	forksMerged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conductor",
		Subsystem: "session",
		Name:      "forks_merged_total",
		Help:      "Forks merged back into their parent",
	})
)
