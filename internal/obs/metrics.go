package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	ledgerTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adfunds_ledger_transactions_total",
			Help: "Ledger transactions by kind and final status.",
		},
		[]string{"kind", "status"},
	)

	ledgerFees = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "adfunds_ledger_fees_cents_total",
		Help: "Platform fees collected, in minor units.",
	})

	allocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adfunds_allocations_total",
			Help: "Entitlement allocation attempts by asset type and result.",
		},
		[]string{"type", "result"},
	)

	impersonations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adfunds_impersonation_sessions_total",
			Help: "Impersonation session lifecycle events.",
		},
		[]string{"event"},
	)

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "adfunds_ready",
		Help: "1 when the service can reach its storage backend.",
	})

	initOnce sync.Once
)

// Init registers all collectors in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			ledgerTransactions, ledgerFees, allocations, impersonations, ready,
		)
	})
}

// Handler exposes the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// RecordTransaction counts a ledger transaction outcome.
func RecordTransaction(kind, status string, feeCents int64) {
	ledgerTransactions.WithLabelValues(kind, status).Inc()
	if feeCents > 0 {
		ledgerFees.Add(float64(feeCents))
	}
}

// RecordAllocation counts a bind or application attempt.
func RecordAllocation(assetType, result string) {
	allocations.WithLabelValues(assetType, result).Inc()
}

// RecordImpersonation counts start/end/expire events.
func RecordImpersonation(event string) {
	impersonations.WithLabelValues(event).Inc()
}

// SetReady flips the readiness gauge.
func SetReady(ok bool) {
	if ok {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

// collections whose next path segment is an identifier.
var idCollections = map[string]bool{
	"orgs":           true,
	"bindings":       true,
	"applications":   true,
	"impersonations": true,
	"assets":         true,
}

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(raw string) string {
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	if raw == "" || raw == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(raw, "/"), "/")
	for i := 1; i < len(parts); i++ {
		if idCollections[parts[i-1]] && parts[i] != "" {
			parts[i] = ":id"
			i++
		}
	}
	return "/" + strings.Join(parts, "/")
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
