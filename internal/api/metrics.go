package api

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type apiMetrics struct {
	requests *prometheus.CounterVec
	inbound  *prometheus.CounterVec
}

var getMetrics = sync.OnceValue(func() *apiMetrics {
	return &apiMetrics{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizmitra",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route template, method and status code.",
		}, []string{"route", "method", "code"}),
		inbound: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bizmitra",
			Subsystem: "inbound",
			Name:      "messages_total",
			Help:      "Inbound WhatsApp messages by channel and outcome.",
		}, []string{"channel", "outcome"}),
	}
})
