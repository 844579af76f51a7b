// Package dispatch handles inbound per-device command/get messages and
// per-group fan-out commands: freshness validation, device resolution,
// provider invocation and correlated acknowledgements.
package dispatch

import (
	"encoding/json"
	"time"

	"mqtt-device-bridge/internal/device"
	"mqtt-device-bridge/internal/logger"
	"mqtt-device-bridge/internal/message"
	"mqtt-device-bridge/internal/metrics"
	"mqtt-device-bridge/internal/state"
	"mqtt-device-bridge/internal/stats"
	"mqtt-device-bridge/internal/topics"
)

// Broker is the outbound capability the dispatcher needs from the session
type Broker interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// Cache is the last-known snapshot store maintained by the poll loop
type Cache interface {
	Last(deviceID string) (map[string]interface{}, bool)
	Store(deviceID string, properties map[string]interface{})
}

// Dispatcher routes inbound bridge messages to the device provider
type Dispatcher struct {
	logger   *logger.Logger
	registry *device.Registry
	provider device.Provider
	states   *state.Publisher
	broker   Broker
	topics   topics.Builder
	cache    Cache
	metrics  *metrics.Metrics
	stats    *stats.StatsCollector

	staleness time.Duration
	qos       byte
	now       func() time.Time

	// OnMetaRequest is invoked for meta/request/{type} messages. The engine
	// installs it; a nil handler drops meta requests with a warning.
	OnMetaRequest func(requestType string)
}

// New creates a dispatcher
func New(log *logger.Logger, reg *device.Registry, provider device.Provider, states *state.Publisher, b Broker, tb topics.Builder, cache Cache, m *metrics.Metrics, st *stats.StatsCollector, staleness time.Duration, qos byte) *Dispatcher {
	return &Dispatcher{
		logger:    log,
		registry:  reg,
		provider:  provider,
		states:    states,
		broker:    b,
		topics:    tb,
		cache:     cache,
		metrics:   m,
		stats:     st,
		staleness: staleness,
		qos:       qos,
		now:       time.Now,
	}
}

// HandleInbound is the router handler for all inbound bridge patterns
func (d *Dispatcher) HandleInbound(topic string, payload []byte) {
	inbound, ok := d.topics.Parse(topic)
	if !ok {
		d.logger.Debug("ignoring message outside topic contract", "topic", topic)
		return
	}

	switch inbound.Kind {
	case topics.KindCommand:
		d.handleCommand(inbound.DeviceID, payload)
	case topics.KindGet:
		d.handleGet(inbound.DeviceID, payload)
	case topics.KindGroupCommand:
		d.handleGroup(inbound.GroupID, payload)
	case topics.KindMetaRequest:
		if d.OnMetaRequest != nil {
			d.OnMetaRequest(inbound.MetaType)
		} else {
			d.logger.Warn("no handler for meta request", "type", inbound.MetaType)
		}
	case topics.KindCommandResponse:
		// Responses belong to the correlator's subscription, not ours.
	case topics.KindUnknown:
		d.logger.Debug("unclassified inbound topic", "topic", topic)
	}
}

func (d *Dispatcher) handleCommand(deviceID string, payload []byte) {
	if d.stats != nil {
		d.stats.IncCommandsReceived()
	}

	cmd, err := message.DecodeCommand(payload)
	if err != nil {
		d.logger.Warn("discarding malformed command",
			"device", deviceID,
			"error", err)
		d.countCommand("error")
		return
	}

	if message.IsStale(cmd.Timestamp, d.staleness, d.now()) {
		d.logger.Warn("discarding stale command",
			"device", deviceID,
			"commandId", cmd.ID,
			"timestamp", cmd.Timestamp)
		d.countCommand("stale")
		if d.stats != nil {
			d.stats.IncCommandsDropped()
		}
		return
	}

	dev, ok := d.resolveDevice(deviceID)
	if !ok {
		d.countCommand("unknown_device")
		return
	}

	d.applyCommand(dev, cmd)
}

// applyCommand invokes the provider write under the per-device lock and
// publishes a correlated response when the command carried a request id.
// Provider failures are isolated to this device.
func (d *Dispatcher) applyCommand(dev *device.Config, cmd *message.Command) {
	lock := d.registry.DeviceLock(dev.ID)
	lock.Lock()
	err := d.provider.Write(dev.ID, cmd.Values)
	lock.Unlock()

	if err != nil {
		d.logger.Error("device write failed",
			"device", dev.ID,
			"commandId", cmd.ID,
			"error", err)
		if pubErr := d.states.PublishError(dev.ID, "write_failed", err.Error(), message.SeverityError); pubErr != nil {
			d.logger.Warn("failed to publish error notification", "device", dev.ID, "error", pubErr)
		}
		d.respond(dev.ID, cmd.ID, message.StatusError, err.Error())
		d.countCommand("error")
		if d.stats != nil {
			d.stats.IncCommandsFailed()
		}
		return
	}

	d.respond(dev.ID, cmd.ID, message.StatusSuccess, "")
	d.countCommand("success")
	d.logger.Debug("command applied",
		"device", dev.ID,
		"commandId", cmd.ID,
		"values", len(cmd.Values))
}

func (d *Dispatcher) handleGet(deviceID string, payload []byte) {
	get, err := message.DecodeGet(payload)
	if err != nil {
		d.logger.Warn("discarding malformed get request",
			"device", deviceID,
			"error", err)
		return
	}

	dev, ok := d.resolveDevice(deviceID)
	if !ok {
		return
	}

	properties, cached := d.cache.Last(dev.ID)
	if !cached {
		lock := d.registry.DeviceLock(dev.ID)
		lock.Lock()
		properties, err = d.provider.Read(dev.ID)
		lock.Unlock()
		if err != nil {
			d.logger.Error("device read failed",
				"device", dev.ID,
				"error", err)
			if pubErr := d.states.PublishError(dev.ID, "read_failed", err.Error(), message.SeverityError); pubErr != nil {
				d.logger.Warn("failed to publish error notification", "device", dev.ID, "error", pubErr)
			}
			return
		}
		d.cache.Store(dev.ID, properties)
	}

	if len(get.Properties) > 0 {
		filtered := make(map[string]interface{}, len(get.Properties))
		for _, name := range get.Properties {
			if value, ok := properties[name]; ok {
				filtered[name] = value
			}
		}
		properties = filtered
	}

	if err := d.states.PublishState(dev.ID, properties, nil); err != nil {
		d.logger.Error("failed to republish state", "device", dev.ID, "error", err)
	}
}

func (d *Dispatcher) handleGroup(groupID string, payload []byte) {
	cmd, err := message.DecodeCommand(payload)
	if err != nil {
		d.logger.Warn("discarding malformed group command",
			"group", groupID,
			"error", err)
		d.countCommand("error")
		return
	}

	if message.IsStale(cmd.Timestamp, d.staleness, d.now()) {
		d.logger.Warn("discarding stale group command",
			"group", groupID,
			"commandId", cmd.ID)
		d.countCommand("stale")
		return
	}

	group, ok := d.registry.Group(groupID)
	if !ok {
		d.logger.Warn("dropping command for unknown group", "group", groupID)
		d.countCommand("unknown_device")
		return
	}

	// Members are applied independently; one failing member does not stop
	// the others.
	for _, memberID := range group.Devices {
		dev, ok := d.resolveDevice(memberID)
		if !ok {
			continue
		}
		d.applyCommand(dev, cmd)
	}
}

// resolveDevice looks up an enabled device, dropping with a warning when the
// id is unknown or the device is disabled.
func (d *Dispatcher) resolveDevice(deviceID string) (*device.Config, bool) {
	dev, ok := d.registry.Device(deviceID)
	if !ok {
		d.logger.Warn("dropping message for unknown device", "device", deviceID)
		return nil, false
	}
	if !dev.Enabled {
		d.logger.Warn("dropping message for disabled device", "device", deviceID)
		return nil, false
	}
	return dev, true
}

func (d *Dispatcher) respond(deviceID, cmdID, status, errMsg string) {
	if cmdID == "" {
		return
	}

	resp := message.Response{
		CmdID:     cmdID,
		Status:    status,
		Error:     errMsg,
		Timestamp: message.Timestamp(d.now()),
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("failed to encode command response",
			"device", deviceID,
			"commandId", cmdID,
			"error", err)
		return
	}

	if err := d.broker.Publish(d.topics.CommandResponse(deviceID), payload, d.qos, false); err != nil {
		d.logger.Error("failed to publish command response",
			"device", deviceID,
			"commandId", cmdID,
			"error", err)
	}
}

func (d *Dispatcher) countCommand(status string) {
	if d.metrics != nil {
		d.metrics.IncCommandsTotal(status)
	}
}
