package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "requests_created_total", Help: "Total pickup requests created"})
	FeedEvaluationsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "feed_evaluations_total", Help: "Total (viewer, request) visibility evaluations"})
	RiskBlockedTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "risk_blocked_total", Help: "Requests excluded from feeds because the requester classified HIGH risk"})
	RevealsTotal         = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "reveals_total", Help: "Total completed reveal transitions"})
	IncentiveWaitsTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "pickup_matching", Name: "incentive_waits_total", Help: "Reveal transitions that required the incentive wait"})
	SessionsActive       = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "pickup_matching", Name: "sessions_active", Help: "Negotiation sessions currently open"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "pickup_matching", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pickup_matching",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
