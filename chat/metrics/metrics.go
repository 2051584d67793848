// Package metrics exposes chat relay counters to Prometheus.
//
// Metrics are purely observational; nothing in the hub reads them back.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatrelay"

// Metrics holds every collector the hub reports to.
type Metrics struct {
	registry *prometheus.Registry

	CurrentUsers       prometheus.Gauge
	Connections        prometheus.Counter
	Disconnections     prometheus.Counter
	MessagesReceived   prometheus.Counter
	MessagesSent       prometheus.Counter
	MessagesBroadcast  prometheus.Counter
	AuthFailures       prometheus.Counter
	IdleDisconnects    prometheus.Counter
	MessageSizeBytes   prometheus.Histogram
	StatusPublishError prometheus.Counter
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		CurrentUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "current_users",
			Help:      "Current number of connected users.",
		}),
		Connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of user connections.",
		}),
		Disconnections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disconnections_total",
			Help:      "Total number of user disconnections.",
		}),
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of messages received from clients.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total number of messages sent to clients.",
		}),
		MessagesBroadcast: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_broadcast_total",
			Help:      "Total number of broadcast messages.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures.",
		}),
		IdleDisconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_disconnects_total",
			Help:      "Total number of idle timeout disconnections.",
		}),
		MessageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "message_size_bytes",
			Help:      "Size of received messages in bytes.",
			Buckets:   prometheus.ExponentialBuckets(16, 4, 7),
		}),
		StatusPublishError: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "status_publish_errors_total",
			Help:      "Total number of failed status store writes.",
		}),
	}

	reg.MustRegister(
		m.CurrentUsers,
		m.Connections,
		m.Disconnections,
		m.MessagesReceived,
		m.MessagesSent,
		m.MessagesBroadcast,
		m.AuthFailures,
		m.IdleDisconnects,
		m.MessageSizeBytes,
		m.StatusPublishError,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SetCurrentUsers(n int) { m.CurrentUsers.Set(float64(n)) }
func (m *Metrics) RecordConnection()     { m.Connections.Inc() }
func (m *Metrics) RecordDisconnection()  { m.Disconnections.Inc() }
func (m *Metrics) RecordMessageSent()    { m.MessagesSent.Inc() }
func (m *Metrics) RecordAuthFailure()    { m.AuthFailures.Inc() }
func (m *Metrics) RecordIdleDisconnect() { m.IdleDisconnects.Inc() }
func (m *Metrics) RecordPublishError()   { m.StatusPublishError.Inc() }

// RecordMessageReceived counts one inbound message of size bytes.
func (m *Metrics) RecordMessageReceived(size int) {
	m.MessagesReceived.Inc()
	m.MessageSizeBytes.Observe(float64(size))
}

// RecordBroadcast counts one broadcast delivered to recipients sessions.
func (m *Metrics) RecordBroadcast(recipients int) {
	m.MessagesBroadcast.Inc()
	m.MessagesSent.Add(float64(recipients))
}
