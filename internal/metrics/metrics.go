package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the prometheus collectors for the bridge engine
type Metrics struct {
	mqttConnectionStatus prometheus.Gauge
	mqttReconnectsTotal  prometheus.Counter
	messagesTotal        *prometheus.CounterVec
	commandsTotal        *prometheus.CounterVec
	statePublishesTotal  prometheus.Counter
	pollErrorsTotal      prometheus.Counter
	pendingCommands      prometheus.Gauge
	devicesConfigured    prometheus.Gauge
}

// NewMetrics creates and registers all bridge metrics with the given registerer
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		mqttConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_mqtt_connection_status",
			Help: "Current MQTT connection status (1 = connected, 0 = disconnected)",
		}),
		mqttReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_mqtt_reconnects_total",
			Help: "Total number of MQTT reconnection attempts",
		}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_messages_total",
			Help: "Total number of inbound messages by status",
		}, []string{"status"}),
		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bridge_commands_total",
			Help: "Total number of device commands by outcome",
		}, []string{"status"}),
		statePublishesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_state_publishes_total",
			Help: "Total number of device state snapshots published",
		}),
		pollErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "bridge_poll_errors_total",
			Help: "Total number of device poll failures",
		}),
		pendingCommands: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_pending_commands",
			Help: "Number of commands awaiting a correlated response",
		}),
		devicesConfigured: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bridge_devices_configured",
			Help: "Number of devices in the registry",
		}),
	}

	collectors := []prometheus.Collector{
		m.mqttConnectionStatus,
		m.mqttReconnectsTotal,
		m.messagesTotal,
		m.commandsTotal,
		m.statePublishesTotal,
		m.pollErrorsTotal,
		m.pendingCommands,
		m.devicesConfigured,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}

	return m, nil
}

// SetMQTTConnectionStatus sets the connection status gauge
func (m *Metrics) SetMQTTConnectionStatus(connected bool) {
	if connected {
		m.mqttConnectionStatus.Set(1)
	} else {
		m.mqttConnectionStatus.Set(0)
	}
}

// IncMQTTReconnects increments the reconnect counter
func (m *Metrics) IncMQTTReconnects() {
	m.mqttReconnectsTotal.Inc()
}

// IncMessagesTotal increments the inbound message counter for a status
// (received, processed, dropped, error)
func (m *Metrics) IncMessagesTotal(status string) {
	m.messagesTotal.WithLabelValues(status).Inc()
}

// IncCommandsTotal increments the command counter for an outcome
// (success, error, stale, unknown_device)
func (m *Metrics) IncCommandsTotal(status string) {
	m.commandsTotal.WithLabelValues(status).Inc()
}

// IncStatePublishes increments the state publish counter
func (m *Metrics) IncStatePublishes() {
	m.statePublishesTotal.Inc()
}

// IncPollErrors increments the poll failure counter
func (m *Metrics) IncPollErrors() {
	m.pollErrorsTotal.Inc()
}

// SetPendingCommands sets the pending command gauge
func (m *Metrics) SetPendingCommands(n float64) {
	m.pendingCommands.Set(n)
}

// SetDevicesConfigured sets the configured device gauge
func (m *Metrics) SetDevicesConfigured(n float64) {
	m.devicesConfigured.Set(n)
}
