package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lattice",
		Subsystem: "collab",
		Name:      "operations_total",
		Help:      "Submitted operations by kind and result",
	}, []string{"kind", "result"})

	rebaseDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lattice",
		Subsystem: "collab",
		Name:      "rebase_distance",
		Help:      "Number of committed operations a submission was transformed against",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10), // 1 to 512
	})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lattice",
		Subsystem: "collab",
		Name:      "sessions",
		Help:      "Sessions held in memory",
	})

	usersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "lattice",
		Subsystem: "collab",
		Name:      "users",
		Help:      "Users joined across all sessions",
	})
)

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case isNotFound(err):
		return "not_found"
	case isOutOfRange(err):
		return "out_of_range"
	default:
		return "invalid"
	}
}
