package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// version is overridden at build time:
//
//	go build -ldflags "-X main.version=v1.2.3"
var version = "dev"

// Prometheus metrics
// These are package-level so handlers, middleware and the poller callback can update them

var (
	// httpRequestsTotal counts all HTTP requests
	// Labels: method, normalized path, status
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_tester_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// httpRequestDuration tracks response time distribution
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_tester_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// hooksReceivedTotal counts newly stored webhooks by where they came from
	// (relay or direct)
	hooksReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_tester_hooks_received_total",
			Help: "Total number of webhooks stored, by source",
		},
		[]string{"source"},
	)

	// relayPollsTotal counts relay polls by result (ok or error)
	relayPollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_tester_relay_polls_total",
			Help: "Total number of relay polls, by result",
		},
		[]string{"result"},
	)

	// hooksStored is the number of entries in the inbox, hidden ones included
	hooksStored = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "webhook_tester_hooks_stored",
			Help: "Current number of webhooks in the inbox",
		},
	)

	// rateLimitedTotal counts receiver requests rejected with 429
	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "webhook_tester_rate_limited_total",
			Help: "Total number of receiver requests rejected by the rate limiter",
		},
	)

	// buildInfo is always 1, the label carries the version
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "webhook_tester_info",
			Help: "Build information (always 1)",
		},
		[]string{"version"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(hooksReceivedTotal)
	prometheus.MustRegister(relayPollsTotal)
	prometheus.MustRegister(hooksStored)
	prometheus.MustRegister(rateLimitedTotal)
	prometheus.MustRegister(buildInfo)

	buildInfo.WithLabelValues(version).Set(1)
}

// recordPoll is the poller callback.
func recordPoll(stored int, err error) {
	if err != nil {
		relayPollsTotal.WithLabelValues("error").Inc()
		return
	}
	relayPollsTotal.WithLabelValues("ok").Inc()
	if stored > 0 {
		hooksReceivedTotal.WithLabelValues("relay").Add(float64(stored))
	}
}
