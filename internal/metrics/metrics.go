// Package metrics exposes the Prometheus collectors of the API server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatchedRoute = "unmatched"

var (
	// HTTPRequestsTotal counts handled requests by route template and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_http_requests_total",
			Help: "Total number of HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	// HTTPRequestDuration observes request latency by route template.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notevault_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)

	// VotesCastTotal counts committed votes by kind.
	VotesCastTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_votes_cast_total",
			Help: "Total number of committed votes by kind",
		},
		[]string{"kind"},
	)

	// UploadsTotal counts upload attempts by namespace and outcome.
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_uploads_total",
			Help: "Total number of uploads by namespace and outcome",
		},
		[]string{"namespace", "outcome"},
	)

	// UploadBytesTotal sums the bytes of accepted uploads.
	UploadBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_upload_bytes_total",
			Help: "Total bytes of accepted uploads by namespace",
		},
		[]string{"namespace"},
	)

	// LoginAttemptsTotal counts password logins by outcome.
	LoginAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notevault_login_attempts_total",
			Help: "Total number of password login attempts by outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(VotesCastTotal)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(UploadBytesTotal)
	prometheus.MustRegister(LoginAttemptsTotal)
}

// Handler returns the Prometheus exposition handler for the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// GinMiddleware records request counts and latency keyed by the matched route template.
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		method := c.Request.Method
		HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}

// RecordVote counts a committed vote.
func RecordVote(kind string) {
	VotesCastTotal.WithLabelValues(kind).Inc()
}

// RecordUpload counts an upload attempt and, when accepted, its size.
func RecordUpload(namespace, outcome string, sizeBytes int64) {
	UploadsTotal.WithLabelValues(namespace, outcome).Inc()
	if outcome == "accepted" && sizeBytes > 0 {
		UploadBytesTotal.WithLabelValues(namespace).Add(float64(sizeBytes))
	}
}

// RecordLogin counts a password login attempt.
func RecordLogin(outcome string) {
	LoginAttemptsTotal.WithLabelValues(outcome).Inc()
}
