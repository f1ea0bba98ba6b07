package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the server's prometheus instruments. Every Record method is
// nil-safe so instrumented code never has to guard the receiver.
type Metrics struct {
	registry *prometheus.Registry

	activeSessions      prometheus.Gauge
	sessionsTotal       prometheus.Counter
	roomsCreated        prometheus.Counter
	messagesReceived    *prometheus.CounterVec
	messagesSent        *prometheus.CounterVec
	errorsSent          *prometheus.CounterVec
	broadcastsDelivered prometheus.Counter
	broadcastsDropped   prometheus.Counter
}

// NewMetrics creates a metrics set on its own registry, so multiple server
// instances (tests in particular) never collide on metric registration.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "chatrelay_active_sessions",
			Help: "Number of currently connected sessions",
		}),
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_sessions_total",
			Help: "Total sessions accepted since startup",
		}),
		roomsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_rooms_created_total",
			Help: "Total rooms created",
		}),
		messagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_received_total",
			Help: "Total protocol messages received",
		}, []string{"type"}),
		messagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_messages_sent_total",
			Help: "Total protocol messages sent",
		}, []string{"type"}),
		errorsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chatrelay_errors_sent_total",
			Help: "Total error responses sent",
		}, []string{"code"}),
		broadcastsDelivered: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_broadcasts_delivered_total",
			Help: "Total broadcasts forwarded to subscribers",
		}),
		broadcastsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "chatrelay_broadcasts_dropped_total",
			Help: "Total broadcasts dropped from lagging subscriber queues",
		}),
	}
}

// Handler returns the HTTP handler exposing this metrics set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
}

func (m *Metrics) RecordRoomCreated() {
	if m == nil {
		return
	}
	m.roomsCreated.Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordMessageSent(msgType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordErrorSent(code string) {
	if m == nil {
		return
	}
	m.errorsSent.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordBroadcastDelivered() {
	if m == nil {
		return
	}
	m.broadcastsDelivered.Inc()
}

func (m *Metrics) RecordBroadcastDropped() {
	if m == nil {
		return
	}
	m.broadcastsDropped.Inc()
}
