// Package observability provides structured logging and Prometheus
// metrics for the realtime layer.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the health of the realtime layer:
//   - connection lifecycle (active connections, total accepted)
//   - inbound events by name
//   - fan-out deliveries and drops (a drop means a slow consumer's send
//     buffer was full; the event is discarded, never queued)
//   - relay handler errors by event name and error type
type Metrics struct {
	// ActiveConnections is a gauge of currently open websocket connections.
	ActiveConnections prometheus.Gauge

	// ConnectionsTotal counts connections accepted since start.
	ConnectionsTotal prometheus.Counter

	// EventsReceived counts inbound relay events.
	// Labels: event
	EventsReceived *prometheus.CounterVec

	// Deliveries counts outbound event deliveries to individual connections.
	// Labels: event
	Deliveries *prometheus.CounterVec

	// DroppedDeliveries counts deliveries discarded because a connection's
	// send buffer was full.
	// Labels: event
	DroppedDeliveries *prometheus.CounterVec

	// HandlerErrors counts relay handler failures.
	// Labels: event, error_type (decode|panic)
	HandlerErrors *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with reg. If reg is nil,
// the Prometheus default registry is used. Call once per process; the
// serve command owns the single instance.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crosstalk_active_connections",
			Help: "Current number of open websocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "crosstalk_connections_total",
			Help: "Total websocket connections accepted",
		}),
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crosstalk_events_received_total",
			Help: "Total inbound relay events by event name",
		}, []string{"event"}),
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crosstalk_deliveries_total",
			Help: "Total per-connection event deliveries by event name",
		}, []string{"event"}),
		DroppedDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crosstalk_dropped_deliveries_total",
			Help: "Deliveries dropped because the connection send buffer was full",
		}, []string{"event"}),
		HandlerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crosstalk_handler_errors_total",
			Help: "Relay handler errors by event name and error type",
		}, []string{"event", "error_type"}),
	}
}

// ConnectionOpened records an accepted connection.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

// ConnectionClosed records a closed connection.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ActiveConnections.Dec()
}

// EventReceived records one inbound event.
func (m *Metrics) EventReceived(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

// Delivered records one successful per-connection delivery.
func (m *Metrics) Delivered(event string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(event).Inc()
}

// Dropped records one discarded delivery.
func (m *Metrics) Dropped(event string) {
	if m == nil {
		return
	}
	m.DroppedDeliveries.WithLabelValues(event).Inc()
}

// HandlerError records a relay handler failure.
func (m *Metrics) HandlerError(event, errorType string) {
	if m == nil {
		return
	}
	m.HandlerErrors.WithLabelValues(event, errorType).Inc()
}
