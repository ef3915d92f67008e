package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus metrics for the gateway. Scraped from /metrics/prometheus and
// visualized in Grafana; the JSON snapshot on /metrics stays the canonical
// operational view.
var (
	// Request pipeline
	requestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total requests by upstream service and status class",
	}, []string{"service", "status_class"})

	requestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Request latency by upstream service",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"service"})

	requestErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_request_errors_total",
		Help: "Total shaped errors by machine code",
	}, []string{"code"})

	rateLimitedRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_rate_limited_requests_total",
		Help: "Total requests denied by the rate limiter",
	})

	// Upstream health
	circuitOpens = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_circuit_opens_total",
		Help: "Circuit breaker trips by service",
	}, []string{"service"})

	// Event bus
	eventsPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_published_total",
		Help: "Domain events published by event type",
	}, []string{"event_type"})

	eventsConsumed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_events_consumed_total",
		Help: "Domain events consumed by event type",
	}, []string{"event_type"})

	eventHandlerFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_event_handler_failures_total",
		Help: "Event handler failures (after retries) by event type",
	}, []string{"event_type"})

	// WebSocket bus
	wsConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_ws_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	wsConnectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ws_connections_total",
		Help: "Total WebSocket connections established",
	})

	wsMessagesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ws_messages_sent_total",
		Help: "Total WebSocket frames sent to clients",
	})

	wsMessagesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_ws_messages_received_total",
		Help: "Total WebSocket frames received from clients",
	})

	wsConnRateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_ws_connections_rate_limited_total",
		Help: "WebSocket upgrade attempts rejected by the accept limiter",
	}, []string{"scope"})
)

func init() {
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(requestErrors)
	prometheus.MustRegister(rateLimitedRequests)

	prometheus.MustRegister(circuitOpens)

	prometheus.MustRegister(eventsPublished)
	prometheus.MustRegister(eventsConsumed)
	prometheus.MustRegister(eventHandlerFailures)

	prometheus.MustRegister(wsConnectionsActive)
	prometheus.MustRegister(wsConnectionsTotal)
	prometheus.MustRegister(wsMessagesSent)
	prometheus.MustRegister(wsMessagesReceived)
	prometheus.MustRegister(wsConnRateLimited)
}

// PrometheusHandler serves the Prometheus exposition endpoint.
func PrometheusHandler() http.Handler {
	return promhttp.Handler()
}

// Helper functions for components that don't hold a Collector.

func ObserveRequest(service string, statusClass string, duration time.Duration) {
	requestsTotal.WithLabelValues(service, statusClass).Inc()
	requestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func IncrementRequestError(code string)   { requestErrors.WithLabelValues(code).Inc() }
func IncrementRateLimited()               { rateLimitedRequests.Inc() }
func IncrementCircuitOpen(service string) { circuitOpens.WithLabelValues(service).Inc() }

func IncrementEventPublished(eventType string) { eventsPublished.WithLabelValues(eventType).Inc() }
func IncrementEventConsumed(eventType string)  { eventsConsumed.WithLabelValues(eventType).Inc() }
func IncrementEventHandlerFailure(eventType string) {
	eventHandlerFailures.WithLabelValues(eventType).Inc()
}

func IncrementWSConnection() {
	wsConnectionsTotal.Inc()
	wsConnectionsActive.Inc()
}
func DecrementWSConnection()                  { wsConnectionsActive.Dec() }
func IncrementWSSent(n int)                   { wsMessagesSent.Add(float64(n)) }
func IncrementWSReceived()                    { wsMessagesReceived.Inc() }
func IncrementWSConnRateLimited(scope string) { wsConnRateLimited.WithLabelValues(scope).Inc() }
