package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics exposes application metrics that are safe to scrape via Prometheus.
type Metrics struct {
	registry              *prometheus.Registry
	httpRequests          *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	telemetryPolls        *prometheus.CounterVec
	telemetryPollDuration prometheus.Histogram
	alertRecomputes       *prometheus.CounterVec
	alertsActive          *prometheus.GaugeVec
	markersActive         prometheus.Gauge
	resolutionMisses      prometheus.Counter
	engineErrors          *prometheus.CounterVec
	backendFallbacks      *prometheus.CounterVec
	staleCompletions      *prometheus.CounterVec
	isolationTransitions  *prometheus.CounterVec
}

// New creates a fresh Metrics registry with HTTP, telemetry and overlay metrics registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facility",
		Name:      "http_requests_total",
		Help:      "Count of HTTP requests processed by core-go",
	}, []string{"method", "path", "status"})

	httpRequestDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "facility",
		Name:      "http_request_duration_seconds",
		Help:      "Duration of HTTP requests served by core-go",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	telemetryPolls := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facility",
		Name:      "telemetry_polls_total",
		Help:      "Telemetry snapshot polls by result",
	}, []string{"result"})

	telemetryPollDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "facility",
		Name:      "telemetry_poll_duration_seconds",
		Help:      "Duration of telemetry snapshot polls",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	alertRecomputes := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facility",
		Name:      "alert_recomputes_total",
		Help:      "Alert list recomputations by trigger",
	}, []string{"trigger"})

	alertsActive := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "facility",
		Name:      "alerts_active",
		Help:      "Alerts in the last committed list by severity",
	}, []string{"severity"})

	markersActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "facility",
		Name:      "markers_active",
		Help:      "Anchored labels currently owned by the marker manager",
	})

	resolutionMisses := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "facility",
		Name:      "resolution_misses_total",
		Help:      "GUIDs that did not resolve to an element of a loaded model",
	})

	engineErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facility",
		Name:      "engine_errors_total",
		Help:      "Rendering engine call failures swallowed at the operation boundary",
	}, []string{"component", "op"})

	backendFallbacks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facility",
		Name:      "backend_fallbacks_total",
		Help:      "Times a backend listing was empty or failed and a fallback was used",
	}, []string{"source"})

	staleCompletions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facility",
		Name:      "stale_completions_total",
		Help:      "Operations abandoned because a newer call superseded them",
	}, []string{"op"})

	isolationTransitions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "facility",
		Name:      "isolation_transitions_total",
		Help:      "Committed isolation state transitions by target state",
	}, []string{"state"})

	registry.MustRegister(
		httpRequests,
		httpRequestDuration,
		telemetryPolls,
		telemetryPollDuration,
		alertRecomputes,
		alertsActive,
		markersActive,
		resolutionMisses,
		engineErrors,
		backendFallbacks,
		staleCompletions,
		isolationTransitions,
	)

	return &Metrics{
		registry:              registry,
		httpRequests:          httpRequests,
		httpRequestDuration:   httpRequestDuration,
		telemetryPolls:        telemetryPolls,
		telemetryPollDuration: telemetryPollDuration,
		alertRecomputes:       alertRecomputes,
		alertsActive:          alertsActive,
		markersActive:         markersActive,
		resolutionMisses:      resolutionMisses,
		engineErrors:          engineErrors,
		backendFallbacks:      backendFallbacks,
		staleCompletions:      staleCompletions,
		isolationTransitions:  isolationTransitions,
	}
}

// ObserveHTTPRequest records a single HTTP request/response cycle.
func (m *Metrics) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"path":   path,
		"status": strconv.Itoa(status),
	}
	m.httpRequests.With(labels).Inc()
	m.httpRequestDuration.With(labels).Observe(duration.Seconds())
}

// ObserveTelemetryPoll records one poll outcome ("ok" or "error") and its duration.
func (m *Metrics) ObserveTelemetryPoll(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.telemetryPolls.WithLabelValues(result).Inc()
	m.telemetryPollDuration.Observe(duration.Seconds())
}

func (m *Metrics) IncAlertRecompute(trigger string) {
	if m == nil {
		return
	}
	m.alertRecomputes.WithLabelValues(trigger).Inc()
}

// SetActiveAlerts replaces the per-severity gauges.
func (m *Metrics) SetActiveAlerts(bySeverity map[string]int) {
	if m == nil {
		return
	}
	m.alertsActive.Reset()
	for sev, n := range bySeverity {
		m.alertsActive.WithLabelValues(sev).Set(float64(n))
	}
}

func (m *Metrics) SetActiveMarkers(n int) {
	if m == nil {
		return
	}
	m.markersActive.Set(float64(n))
}

func (m *Metrics) AddResolutionMisses(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.resolutionMisses.Add(float64(n))
}

func (m *Metrics) IncEngineError(component, op string) {
	if m == nil {
		return
	}
	m.engineErrors.WithLabelValues(component, op).Inc()
}

func (m *Metrics) IncBackendFallback(source string) {
	if m == nil {
		return
	}
	m.backendFallbacks.WithLabelValues(source).Inc()
}

func (m *Metrics) IncStaleCompletion(op string) {
	if m == nil {
		return
	}
	m.staleCompletions.WithLabelValues(op).Inc()
}

func (m *Metrics) IncIsolationTransition(state string) {
	if m == nil {
		return
	}
	m.isolationTransitions.WithLabelValues(state).Inc()
}

// Handler exposes the Prometheus registry over HTTP.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("metrics unavailable"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
