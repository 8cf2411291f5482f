package websocket

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "localrag.websocket"

// HubMetrics holds the usage stream instruments.
type HubMetrics struct {
	connectionsTotal   metric.Int64Counter
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram
	messagesSent       metric.Int64Counter
	droppedClients     metric.Int64Counter
}

// NewHubMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewHubMetrics(meter metric.Meter) (*HubMetrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	m := &HubMetrics{}
	var err error

	m.connectionsTotal, err = meter.Int64Counter(
		"usage_stream_connections_total",
		metric.WithDescription("Total number of usage stream connections"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connections counter: %w", err)
	}

	m.connectionsActive, err = meter.Int64UpDownCounter(
		"usage_stream_connections_active",
		metric.WithDescription("Number of connected usage stream clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active connections counter: %w", err)
	}

	m.connectionDuration, err = meter.Float64Histogram(
		"usage_stream_connection_duration_seconds",
		metric.WithDescription("Duration of usage stream connections"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection duration histogram: %w", err)
	}

	m.messagesSent, err = meter.Int64Counter(
		"usage_stream_messages_total",
		metric.WithDescription("Total number of messages queued to usage stream clients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messages counter: %w", err)
	}

	m.droppedClients, err = meter.Int64Counter(
		"usage_stream_dropped_clients_total",
		metric.WithDescription("Clients disconnected because their send buffer was full"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create dropped clients counter: %w", err)
	}

	return m, nil
}

func (m *HubMetrics) connected(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

func (m *HubMetrics) disconnected(ctx context.Context, d time.Duration, reason string) {
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("reason", reason)))
	if reason == reasonSlowClient {
		m.droppedClients.Add(ctx, 1)
	}
}

func (m *HubMetrics) sent(ctx context.Context, messageType string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.messagesSent.Add(ctx, int64(n), metric.WithAttributes(attribute.String("type", messageType)))
}
