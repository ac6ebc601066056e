package untrackable

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MarkedTotal counts identities recorded as untrackable by backend.
	MarkedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpile_untrackable_marked_total",
			Help: "Total number of identities recorded as untrackable",
		},
		[]string{"backend"}, // "redis", "store"
	)

	// SuppressedTotal counts lookups that found an unexpired record.
	SuppressedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpile_untrackable_suppressed_total",
			Help: "Total number of identity lookups suppressed by the registry",
		},
		[]string{"backend"},
	)

	// ErrorsTotal counts registry backend failures.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stockpile_untrackable_errors_total",
			Help: "Total number of untrackable registry operation errors",
		},
		[]string{"operation"}, // "get", "set", "list"
	)
)
