// Package metrics provides Prometheus metrics for the cloudmux server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmux_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudmux_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Upload routing metrics
	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmux_uploads_total",
			Help: "Total routed uploads by provider type and outcome",
		},
		[]string{"provider_type", "outcome"},
	)

	uploadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmux_upload_bytes_total",
			Help: "Total bytes placed on providers",
		},
		[]string{"provider_type"},
	)

	uploadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cloudmux_upload_duration_seconds",
			Help:    "Upload routing duration in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"provider_type"},
	)

	// Credential metrics
	tokenRefreshTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmux_token_refresh_total",
			Help: "Total upstream OAuth token refreshes",
		},
		[]string{"outcome"},
	)

	// Rule engine metrics
	ruleEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cloudmux_rule_evaluations_total",
			Help: "Total rule evaluations by result (rule, default, none)",
		},
		[]string{"result"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordUpload records the outcome of one routed upload. outcome is "placed"
// or the failure kind.
func RecordUpload(providerType, outcome string, bytes int64, duration time.Duration) {
	if providerType == "" {
		providerType = "unknown"
	}
	uploadsTotal.WithLabelValues(providerType, outcome).Inc()
	uploadDuration.WithLabelValues(providerType).Observe(duration.Seconds())
	if outcome == "placed" {
		uploadBytes.WithLabelValues(providerType).Add(float64(bytes))
	}
}

// RecordTokenRefresh records an upstream token refresh attempt.
func RecordTokenRefresh(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	tokenRefreshTotal.WithLabelValues(outcome).Inc()
}

// RecordRuleEvaluation records which branch of rule evaluation produced a
// placement: "rule", "default", "none" or "invalid".
func RecordRuleEvaluation(result string) {
	ruleEvaluationsTotal.WithLabelValues(result).Inc()
}
