// Package metrics exposes the agent's Prometheus instruments. The daemon
// owns the registry; components receive the instrument set as a
// dependency and never register globals themselves.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the agent's instrument families.
type Metrics struct {
	ConnectionState     prometheus.Gauge
	MessagesPublished   *prometheus.CounterVec
	MessagesReceived    *prometheus.CounterVec
	OperationRetries    *prometheus.CounterVec
	WorkflowTransitions *prometheus.CounterVec
	HandlerResults      *prometheus.CounterVec
}

// New creates and registers the instrument set.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "otaagent",
			Name:      "mqtt_connected",
			Help:      "1 when the MQTT channel is connected.",
		}),
		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otaagent",
			Name:      "mqtt_messages_published_total",
			Help:      "Outbound messages by message type.",
		}, []string{"type"}),
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otaagent",
			Name:      "mqtt_messages_received_total",
			Help:      "Inbound messages by message type.",
		}, []string{"type"}),
		OperationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otaagent",
			Name:      "operation_retries_total",
			Help:      "Retry attempts by cloud operation.",
		}, []string{"operation"}),
		WorkflowTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otaagent",
			Name:      "workflow_transitions_total",
			Help:      "Workflow state transitions by target state.",
		}, []string{"state"}),
		HandlerResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "otaagent",
			Name:      "handler_results_total",
			Help:      "Content-handler invocation results by phase and outcome.",
		}, []string{"phase", "outcome"}),
	}
	reg.MustRegister(
		m.ConnectionState,
		m.MessagesPublished,
		m.MessagesReceived,
		m.OperationRetries,
		m.WorkflowTransitions,
		m.HandlerResults,
	)
	return m
}
