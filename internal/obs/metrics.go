package obs

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
)

// HTTP metrics
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

	ready = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "registry_ready",
		Help: "1 when the service accepts traffic.",
	})
)

// Registry metrics
var (
	documentsRegistered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_documents_registered_total",
			Help: "Documents that received a registration number.",
		},
		[]string{"category"},
	)

	statusTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_status_transitions_total",
			Help: "Document status changes by target status.",
		},
		[]string{"to"},
	)

	routingSteps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_routing_steps_total",
			Help: "Routing steps opened and closed, by action.",
		},
		[]string{"event", "action"},
	)

	domainErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "registry_errors_total",
			Help: "Rejected registry operations by error kind.",
		},
		[]string{"kind"},
	)
)

var (
	initOnce sync.Once
	isReady  atomic.Bool
)

// Init registers all collectors with the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration, ready,
			documentsRegistered, statusTransitions, routingSteps, domainErrors,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetReady flips the readiness flag and gauge.
func SetReady(v bool) {
	isReady.Store(v)
	if v {
		ready.Set(1)
		return
	}
	ready.Set(0)
}

func IsReady() bool { return isReady.Load() }

// CanonicalPath returns the matched route pattern so ids do not explode label
// cardinality. Requests that matched no route share one label.
func CanonicalPath(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	switch r.URL.Path {
	case "/metrics", "/healthz", "/readyz":
		return r.URL.Path
	}
	return "unmatched"
}

// Instrument records RPS, latency and in-flight requests. Mount it with the
// router's Use so the route pattern is known once the handler returns.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		path := CanonicalPath(r)
		httpRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
	})
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

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// MetricsPublisher turns registry events into counters.
func MetricsPublisher() registry.Publisher {
	return registry.PublisherFunc(func(_ context.Context, evt registry.Event) {
		switch evt.Type {
		case registry.EventDocumentRegistered:
			documentsRegistered.WithLabelValues(dataString(evt, "category")).Inc()
		case registry.EventDocumentStatusChanged:
			to := dataString(evt, "to")
			statusTransitions.WithLabelValues(to).Inc()
			if dataString(evt, "from") == string(registry.StatusDraft) && to == string(registry.StatusRegistered) {
				documentsRegistered.WithLabelValues("late").Inc()
			}
		case registry.EventRouteOpened:
			routingSteps.WithLabelValues("opened", dataString(evt, "action")).Inc()
		case registry.EventRouteClosed:
			routingSteps.WithLabelValues("closed", dataString(evt, "action")).Inc()
		}
	})
}

func dataString(evt registry.Event, key string) string {
	if v, ok := evt.Data[key].(string); ok {
		return v
	}
	return ""
}

// ErrorKind names a registry error for metrics and logs.
func ErrorKind(err error) string {
	return registry.ErrorCode(err)
}

// ObserveError counts a rejected operation.
func ObserveError(err error) {
	if err == nil {
		return
	}
	domainErrors.WithLabelValues(ErrorKind(err)).Inc()
}
