// Package metrics provides Prometheus metrics for the landrop server.
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
			Name: "landrop_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "landrop_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Transfer metrics
	transferBytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "landrop_transfer_bytes_downloaded_total",
			Help: "Total bytes served by the download endpoint",
		},
	)

	transferBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "landrop_transfer_bytes_uploaded_total",
			Help: "Total bytes accepted by the upload endpoint",
		},
	)

	downloadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "landrop_downloads_total",
			Help: "Total number of downloads",
		},
		[]string{"status"},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "landrop_uploads_total",
			Help: "Total number of uploads",
		},
		[]string{"status"},
	)

	// Upload session metrics
	uploadSessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "landrop_upload_sessions_active",
			Help: "Number of in-flight upload sessions",
		},
	)

	// Discovery metrics
	peersDiscovered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "landrop_peers_discovered",
			Help: "Number of peers currently visible on the local network",
		},
	)

	// Rate limit metrics
	rateLimitHitsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "landrop_rate_limit_hits_total",
			Help: "Total rate limit rejections (429s)",
		},
	)

	// SSE metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "landrop_sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "landrop_sse_events_total",
			Help: "Total SSE events published",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDownload records a download.
func RecordDownload(bytes int64, success bool) {
	transferBytesDownloaded.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	downloadsTotal.WithLabelValues(status).Inc()
}

// RecordUpload records an upload.
func RecordUpload(bytes int64, success bool) {
	transferBytesUploaded.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	uploadsTotal.WithLabelValues(status).Inc()
}

// SetUploadSessionsActive sets the number of in-flight upload sessions.
func SetUploadSessionsActive(count int64) {
	uploadSessionsActive.Set(float64(count))
}

// SetPeersDiscovered sets the number of currently visible peers.
func SetPeersDiscovered(count int64) {
	peersDiscovered.Set(float64(count))
}

// RecordRateLimitHit records a rate limit rejection.
func RecordRateLimitHit() {
	rateLimitHitsTotal.Inc()
}

// SetSSEConnectionsActive sets the number of active SSE connections.
func SetSSEConnectionsActive(count int64) {
	sseConnectionsActive.Set(float64(count))
}

// RecordSSEEvent records an SSE event publication.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	})
}
