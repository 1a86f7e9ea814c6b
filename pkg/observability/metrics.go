package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Refresh outcomes
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

// Metrics holds the bridge's instruments. A nil *Metrics records nothing.
type Metrics struct {
	refreshes       otelmetric.Int64Counter
	refreshDuration otelmetric.Float64Histogram
	proxyRequests   otelmetric.Int64Counter
	cachedMessages  otelmetric.Int64Gauge
}

// NewMetrics creates the instruments on the given provider
func NewMetrics(provider otelmetric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter("discord-map-bridge")

	refreshes, err := meter.Int64Counter("bridge_refreshes",
		otelmetric.WithDescription("Message refresh attempts by outcome"))
	if err != nil {
		return nil, err
	}
	refreshDuration, err := meter.Float64Histogram("bridge_refresh_duration",
		otelmetric.WithDescription("Duration of message refreshes"),
		otelmetric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	proxyRequests, err := meter.Int64Counter("bridge_proxy_requests",
		otelmetric.WithDescription("Requests forwarded to the map upstream by kind and outcome"))
	if err != nil {
		return nil, err
	}
	cachedMessages, err := meter.Int64Gauge("bridge_cached_messages",
		otelmetric.WithDescription("Messages in the current snapshot"))
	if err != nil {
		return nil, err
	}

	return &Metrics{
		refreshes:       refreshes,
		refreshDuration: refreshDuration,
		proxyRequests:   proxyRequests,
		cachedMessages:  cachedMessages,
	}, nil
}

// RecordRefresh counts one refresh attempt
func (m *Metrics) RecordRefresh(ctx context.Context, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := otelmetric.WithAttributes(attribute.String("outcome", outcome))
	m.refreshes.Add(ctx, 1, attrs)
	if outcome != OutcomeSkipped {
		m.refreshDuration.Record(ctx, elapsed.Seconds(), attrs)
	}
}

// RecordProxy counts one forwarded request; kind is "http" or "websocket"
func (m *Metrics) RecordProxy(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	m.proxyRequests.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	))
}

// ObserveCachedMessages records the size of the snapshot just written
func (m *Metrics) ObserveCachedMessages(ctx context.Context, n int) {
	if m == nil {
		return
	}
	m.cachedMessages.Record(ctx, int64(n))
}
