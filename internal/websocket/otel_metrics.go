package websocket

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics records hub activity. A nil *OTelMetrics records nothing.
type OTelMetrics struct {
	connectionsTotal   metric.Int64Counter
	connectionsActive  metric.Int64UpDownCounter
	connectionDuration metric.Float64Histogram
	messagesSent       metric.Int64Counter
	messageBytes       metric.Int64Counter
	broadcasts         metric.Int64Counter
	droppedMessages    metric.Int64Counter
}

// NewOTelMetrics registers the websocket instruments on meter.
func NewOTelMetrics(meter metric.Meter) (*OTelMetrics, error) {
	m := &OTelMetrics{}
	var err error

	if m.connectionsTotal, err = meter.Int64Counter("websocket_connections_total",
		metric.WithDescription("Total number of WebSocket connections")); err != nil {
		return nil, err
	}
	if m.connectionsActive, err = meter.Int64UpDownCounter("websocket_connections_active",
		metric.WithDescription("Number of active WebSocket connections")); err != nil {
		return nil, err
	}
	if m.connectionDuration, err = meter.Float64Histogram("websocket_connection_duration_seconds",
		metric.WithDescription("Duration of WebSocket connections"),
		metric.WithUnit("s")); err != nil {
		return nil, err
	}
	if m.messagesSent, err = meter.Int64Counter("websocket_messages_sent_total",
		metric.WithDescription("Total number of WebSocket messages written")); err != nil {
		return nil, err
	}
	if m.messageBytes, err = meter.Int64Counter("websocket_message_bytes_total",
		metric.WithDescription("Total bytes of WebSocket messages written"),
		metric.WithUnit("By")); err != nil {
		return nil, err
	}
	if m.broadcasts, err = meter.Int64Counter("websocket_broadcasts_total",
		metric.WithDescription("Total number of broadcasts fanned out")); err != nil {
		return nil, err
	}
	if m.droppedMessages, err = meter.Int64Counter("websocket_dropped_total",
		metric.WithDescription("Messages or clients dropped because a buffer was full")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *OTelMetrics) RecordConnection(ctx context.Context) {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(ctx, 1)
	m.connectionsActive.Add(ctx, 1)
}

func (m *OTelMetrics) RecordDisconnection(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.connectionsActive.Add(ctx, -1)
	m.connectionDuration.Record(ctx, d.Seconds())
}

func (m *OTelMetrics) RecordMessageSent(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.messagesSent.Add(ctx, 1)
	m.messageBytes.Add(ctx, int64(size))
}

func (m *OTelMetrics) RecordBroadcast(ctx context.Context, droppedClients int) {
	if m == nil {
		return
	}
	m.broadcasts.Add(ctx, 1)
	if droppedClients > 0 {
		m.droppedMessages.Add(ctx, int64(droppedClients), metric.WithAttributes(attribute.String("reason", "client_buffer_full")))
	}
}

func (m *OTelMetrics) RecordDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.droppedMessages.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "broadcast_queue_full")))
}
