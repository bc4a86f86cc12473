package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Histogram: relay HTTP latency in seconds. Streaming requests are
	// observed when the stream closes.
	GatewayLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_http_latency_seconds",
			Help:    "HTTP request latency for the relay in seconds.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 60},
		},
		[]string{"path", "method", "status_code"},
	)

	// Counter: upstream calls by caller protocol, upstream protocol, mode and outcome.
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_upstream_requests_total",
			Help: "Upstream chat requests by protocol pair, backend mode and outcome.",
		},
		[]string{"caller", "upstream", "mode", "outcome"},
	)

	// Histogram: time until the upstream outcome is known.
	UpstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_upstream_latency_seconds",
			Help:    "Upstream call duration in seconds, measured until the body is fully consumed.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"upstream", "mode"},
	)

	// Counter: selector decisions.
	AccountSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_account_selections_total",
			Help: "Account selections by strategy and outcome (healthy, degraded, single).",
		},
		[]string{"strategy", "outcome"},
	)

	// Gauge: 1 when a configured account is healthy.
	AccountHealthy = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_account_healthy",
			Help: "Health of configured accounts (1 healthy, 0 unhealthy).",
		},
		[]string{"account"},
	)

	// Counter: translated stream output.
	StreamEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_stream_events_total",
			Help: "Stream events handled by kind (delta, stop, error, malformed).",
		},
		[]string{"kind"},
	)

	// Counter: health store operations.
	HealthStoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_health_store_operations_total",
			Help: "Account health store operations by backend, operation and result.",
		},
		[]string{"backend", "op", "result"},
	)
)

// Register is called once in main() to register metrics.
func Register() {
	prometheus.MustRegister(
		GatewayLatencySeconds,
		UpstreamRequestsTotal,
		UpstreamLatencySeconds,
		AccountSelectionsTotal,
		AccountHealthy,
		StreamEventsTotal,
		HealthStoreOpsTotal,
	)
}

// Handler exposes the /metrics endpoint for Prometheus to scrape.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware measures relay latency for each HTTP request.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		rec := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rec, r)

		GatewayLatencySeconds.
			WithLabelValues(r.URL.Path, r.Method, strconv.Itoa(rec.statusCode)).
			Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps SSE responses streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := r.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijack not supported")
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
