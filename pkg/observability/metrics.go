// Package observability provides Prometheus metrics, OpenTelemetry tracing
// helpers and HTTP instrumentation for the gamaliel client and the mock
// backend.
package observability

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gamaliel-ai/gamaliel-go/pkg/api"
)

// LLMBuckets defines histogram buckets suited for LLM inference latencies,
// ranging from 100ms to 120s.
var LLMBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120}

// Call modes used as the "mode" label.
const (
	ModeComplete = "complete"
	ModeStream   = "stream"
)

var (
	// ClientRequestsTotal counts completion calls by mode and outcome.
	ClientRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gamaliel_client_requests_total",
			Help: "Completion calls",
		},
		[]string{"mode", "outcome"},
	)

	// ClientRequestDuration records completion call duration in seconds. For
	// streams it covers the whole stream, up to Close.
	ClientRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gamaliel_client_request_duration_seconds",
			Help:    "Completion call duration",
			Buckets: LLMBuckets,
		},
		[]string{"mode"},
	)

	// ClientStreamsActive tracks open streams.
	ClientStreamsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gamaliel_client_streams_active",
			Help: "Open streams",
		},
	)

	// ClientStreamChunksTotal counts chunks received across all streams.
	ClientStreamChunksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gamaliel_client_stream_chunks_total",
			Help: "Stream chunks received",
		},
	)

	// ClientTokensTotal counts tokens reported by the server, by direction
	// (prompt/completion).
	ClientTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gamaliel_client_tokens_total",
			Help: "Token count",
		},
		[]string{"direction"},
	)

	// HTTPRequestsTotal counts outgoing HTTP requests by status code and method.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gamaliel_http_requests_total",
			Help: "Outgoing HTTP requests",
		},
		[]string{"code", "method"},
	)

	// HTTPRequestDuration records time to response headers for outgoing
	// HTTP requests.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gamaliel_http_request_duration_seconds",
			Help:    "Outgoing HTTP request duration",
			Buckets: LLMBuckets,
		},
		[]string{"method"},
	)

	// HTTPInFlight tracks outgoing HTTP requests awaiting response headers.
	HTTPInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gamaliel_http_in_flight_requests",
			Help: "Outgoing HTTP requests in flight",
		},
	)

	// MockRequestsTotal counts requests served by the mock backend.
	MockRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gamaliel_mock_requests_total",
			Help: "Mock backend requests",
		},
		[]string{"method", "status"},
	)

	// MockStreamingConnections tracks SSE responses the mock backend is serving.
	MockStreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gamaliel_mock_streaming_connections_active",
			Help: "Active mock streaming connections",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ClientRequestsTotal,
		ClientRequestDuration,
		ClientStreamsActive,
		ClientStreamChunksTotal,
		ClientTokensTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		MockRequestsTotal,
		MockStreamingConnections,
	)
}

// Outcome classifies a call result for the "outcome" label.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.Canceled) {
		return "cancelled"
	}

	var (
		authErr    *api.AuthError
		apiErr     *api.APIError
		transErr   *api.TransportError
		streamErr  *api.StreamInterruptedError
		invalidErr *api.InvalidRequestError
	)
	switch {
	case errors.As(err, &streamErr):
		return "interrupted"
	case errors.As(err, &authErr):
		return "auth_error"
	case errors.As(err, &apiErr):
		return "api_error"
	case errors.As(err, &transErr):
		return "transport_error"
	case errors.As(err, &invalidErr):
		return "invalid_request"
	default:
		return "error"
	}
}

// RecordUsage adds server-reported token counts to ClientTokensTotal.
func RecordUsage(u *api.Usage) {
	if u == nil {
		return
	}
	ClientTokensTotal.WithLabelValues("prompt").Add(float64(u.PromptTokens))
	ClientTokensTotal.WithLabelValues("completion").Add(float64(u.CompletionTokens))
}
