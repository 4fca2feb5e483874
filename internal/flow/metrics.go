package flow

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	turnsTotal     *prometheus.CounterVec
	toolCallsTotal *prometheus.CounterVec
	toolHops       prometheus.Histogram
	busyTotal      prometheus.Counter
	escalations    *prometheus.CounterVec
}

var metricsSingleton = sync.OnceValue(func() *metrics {
	return &metrics{
		turnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizmitra",
			Name:      "turns_total",
			Help:      "Total number of conversation turns by outcome.",
		}, []string{"outcome"}),
		toolCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizmitra",
			Name:      "tool_calls_total",
			Help:      "Total number of executed tool calls by tool and outcome.",
		}, []string{"tool", "outcome"}),
		toolHops: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bizmitra",
			Name:      "tool_hops",
			Help:      "Number of tool hops taken per turn.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5, 6},
		}),
		busyTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "bizmitra",
			Name:      "thread_busy_total",
			Help:      "Turns rejected because the thread was already in a turn.",
		}),
		escalations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizmitra",
			Name:      "escalations_total",
			Help:      "Calendar/booking inconsistencies by escalation policy.",
		}, []string{"policy"}),
	}
})

func getMetrics() *metrics {
	return metricsSingleton()
}
