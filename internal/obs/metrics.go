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

	guardDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_guard_decisions_total",
			Help: "Route guard decisions by action.",
		},
		[]string{"action"},
	)

	roleChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_role_changes_total",
			Help: "Role change attempts by outcome.",
		},
		[]string{"outcome"},
	)

	partitionInconsistencies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_partition_inconsistencies_total",
			Help: "Partition invariant violations found by reconciliation.",
		},
		[]string{"kind"},
	)

	reconcileRepairs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_reconcile_repairs_total",
			Help: "Partition rows written or removed by reconciliation.",
		},
		[]string{"kind"},
	)

	reconcileQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_reconcile_queue_depth",
		Help: "Identities waiting for reconciliation.",
	})

	sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "portal_sessions_active",
		Help: "Session stores held by the registry.",
	})

	initOnce sync.Once
)

// Init registers the metrics in the default registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			guardDecisions, roleChanges, partitionInconsistencies, reconcileRepairs,
			reconcileQueueDepth, sessionsActive,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func ObserveGuardDecision(action string) { guardDecisions.WithLabelValues(action).Inc() }
func ObserveRoleChange(outcome string) { roleChanges.WithLabelValues(outcome).Inc() }
func ObservePartitionInconsistency(kind string) { partitionInconsistencies.WithLabelValues(kind).Inc() }
func ObserveReconcileRepair(kind string) { reconcileRepairs.WithLabelValues(kind).Inc() }
func SetReconcileQueueDepth(n int) { reconcileQueueDepth.Set(float64(n)) }
func SetSessionsActive(n int) { sessionsActive.Set(float64(n)) }

// Instrument records in-flight, count and latency per canonical route.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// userSubresources are the routes below /v1/users/{id}.
var userSubresources = map[string]bool{
	"role":       true,
	"deactivate": true,
	"partitions": true,
}

// portalSections collapse deep page paths so labels stay bounded.
var portalSections = []string{"/admin", "/staff", "/volunteer", "/beneficiary"}

// CanonicalPath maps a request path onto a bounded route label.
func CanonicalPath(p string) string {
	if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	if p == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && parts[1] == "users" {
		switch {
		case len(parts) == 3:
			return "/v1/users/:id"
		case len(parts) == 4 && userSubresources[parts[3]]:
			return "/v1/users/:id/" + parts[3]
		}
		return p
	}
	for _, section := range portalSections {
		if strings.HasPrefix(p, section+"/") {
			return section + "/*"
		}
	}
	return p
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush lets SSE responses pass through the instrumented writer.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
