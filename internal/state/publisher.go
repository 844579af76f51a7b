// Package state publishes device state snapshots, error notifications and
// transient events. The broker's retained copy of the canonical state topic
// is the system of record for last-known state; no local cache is
// authoritative.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	"mqtt-device-bridge/internal/logger"
	"mqtt-device-bridge/internal/message"
	"mqtt-device-bridge/internal/metrics"
	"mqtt-device-bridge/internal/stats"
	"mqtt-device-bridge/internal/topics"
)

// Broker is the outbound capability the publisher needs from the session
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// Publisher enriches and publishes outbound device messages
type Publisher struct {
	logger  *logger.Logger
	broker  Broker
	topics  topics.Builder
	metrics *metrics.Metrics
	stats   *stats.StatsCollector

	qos           byte
	retainDefault bool
	now           func() time.Time
}

// New creates a state publisher with the instance QoS and retain defaults
func New(log *logger.Logger, b Broker, tb topics.Builder, m *metrics.Metrics, st *stats.StatsCollector, qos byte, retainDefault bool) *Publisher {
	return &Publisher{
		logger:        log,
		broker:        b,
		topics:        tb,
		metrics:       m,
		stats:         st,
		qos:           qos,
		retainDefault: retainDefault,
		now:           time.Now,
	}
}

// PublishState publishes a full snapshot to the canonical per-device state
// topic and mirrors each top-level property to its own sub-topic, so
// consumers can subscribe at property granularity. A nil retainOverride
// falls back to the instance default.
func (p *Publisher) PublishState(deviceID string, properties map[string]interface{}, retainOverride *bool) error {
	retain := p.retainDefault
	if retainOverride != nil {
		retain = *retainOverride
	}

	envelope := message.State{
		Timestamp: message.Timestamp(p.now()),
		DeviceID:  deviceID,
		State:     properties,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode state for %s: %w", deviceID, err)
	}

	if err := p.broker.Publish(p.topics.DeviceState(deviceID), payload, p.qos, retain); err != nil {
		return fmt.Errorf("failed to publish state for %s: %w", deviceID, err)
	}

	// Property mirrors are best-effort: a failed mirror does not undo the
	// snapshot publish, it is only logged.
	for name, value := range properties {
		propPayload, err := json.Marshal(value)
		if err != nil {
			p.logger.Warn("failed to encode property value",
				"device", deviceID,
				"property", name,
				"error", err)
			continue
		}
		if err := p.broker.Publish(p.topics.DeviceStateProperty(deviceID, name), propPayload, p.qos, retain); err != nil {
			p.logger.Warn("failed to publish property mirror",
				"device", deviceID,
				"property", name,
				"error", err)
		}
	}

	if p.metrics != nil {
		p.metrics.IncStatePublishes()
	}
	if p.stats != nil {
		p.stats.IncStatePublishes()
	}

	p.logger.Debug("published device state",
		"device", deviceID,
		"properties", len(properties),
		"retain", retain)
	return nil
}

// PublishError publishes an error notification. Errors are transient signals
// and are never retained.
func (p *Publisher) PublishError(deviceID, code, msg, severity string) error {
	envelope := message.ErrorNotification{
		Timestamp: message.Timestamp(p.now()),
		ErrorCode: code,
		Message:   msg,
		Severity:  severity,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode error for %s: %w", deviceID, err)
	}

	if err := p.broker.Publish(p.topics.DeviceError(deviceID), payload, p.qos, false); err != nil {
		return fmt.Errorf("failed to publish error for %s: %w", deviceID, err)
	}

	if p.stats != nil {
		p.stats.IncErrors()
	}

	p.logger.Debug("published error notification",
		"device", deviceID,
		"code", code,
		"severity", severity)
	return nil
}

// PublishEvent publishes a transient device event, never retained
func (p *Publisher) PublishEvent(deviceID, name string, data map[string]interface{}) error {
	envelope := message.Event{
		Timestamp: message.Timestamp(p.now()),
		Event:     name,
		Data:      data,
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to encode event for %s: %w", deviceID, err)
	}

	if err := p.broker.Publish(p.topics.DeviceEvents(deviceID), payload, p.qos, false); err != nil {
		return fmt.Errorf("failed to publish event for %s: %w", deviceID, err)
	}

	p.logger.Debug("published device event",
		"device", deviceID,
		"event", name)
	return nil
}
