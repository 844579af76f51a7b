// Package engine owns the bridge lifecycle: it wires the broker session,
// router, correlator, state publisher, dispatcher and poll loop into one
// context object and coordinates startup and bounded shutdown.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"mqtt-device-bridge/config"
	"mqtt-device-bridge/internal/broker"
	"mqtt-device-bridge/internal/correlator"
	"mqtt-device-bridge/internal/device"
	"mqtt-device-bridge/internal/dispatch"
	"mqtt-device-bridge/internal/logger"
	"mqtt-device-bridge/internal/message"
	"mqtt-device-bridge/internal/metrics"
	"mqtt-device-bridge/internal/poller"
	"mqtt-device-bridge/internal/router"
	"mqtt-device-bridge/internal/state"
	"mqtt-device-bridge/internal/stats"
	"mqtt-device-bridge/internal/topics"
)

// Meta request types served on meta/request/{type}
const (
	MetaDevicesList = "devices_list"
	MetaInfo        = "info"
)

// Engine is the bridge engine context. All components hang off it; there are
// no package-level globals.
type Engine struct {
	cfg      *config.Config
	logger   *logger.Logger
	metrics  *metrics.Metrics
	stats    *stats.StatsCollector
	topics   topics.Builder
	router   *router.Router
	session  *broker.Session
	registry *device.Registry

	states     *state.Publisher
	correlator *correlator.Correlator
	dispatcher *dispatch.Dispatcher
	loop       *poller.Loop

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	loopErr chan error
}

// New creates an engine with a real broker session built from config
func New(cfg *config.Config, registry *device.Registry, provider device.Provider, log *logger.Logger, m *metrics.Metrics) (*Engine, error) {
	tb := topics.NewBuilder(cfg.Bridge.BaseTopic, cfg.Bridge.Version, cfg.Bridge.InstanceID)
	rt := router.New(log)

	session, err := broker.NewSession(cfg, log, tb, rt, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create broker session: %w", err)
	}

	return build(cfg, registry, provider, log, m, tb, rt, session), nil
}

// NewWithSession creates an engine around a prepared session (for testing)
func NewWithSession(cfg *config.Config, registry *device.Registry, provider device.Provider, log *logger.Logger, m *metrics.Metrics, tb topics.Builder, rt *router.Router, session *broker.Session) *Engine {
	return build(cfg, registry, provider, log, m, tb, rt, session)
}

func build(cfg *config.Config, registry *device.Registry, provider device.Provider, log *logger.Logger, m *metrics.Metrics, tb topics.Builder, rt *router.Router, session *broker.Session) *Engine {
	st := stats.NewStatsCollector()
	qos := byte(cfg.Bridge.QoS)

	states := state.New(log, session, tb, m, st, qos, cfg.Bridge.RetainState)
	corr := correlator.New(log, tb, session, m, st, qos,
		cfg.Bridge.CorrelationTTLDuration(),
		cfg.Bridge.SweepIntervalDuration())
	loop := poller.New(log, registry, provider, states, m, st,
		cfg.Bridge.UpdateIntervalDuration(),
		cfg.Bridge.MaxConsecutiveErrors)
	dispatcher := dispatch.New(log, registry, provider, states, session, tb, loop, m, st,
		cfg.Bridge.StalenessWindowDuration(), qos)

	e := &Engine{
		cfg:        cfg,
		logger:     log,
		metrics:    m,
		stats:      st,
		topics:     tb,
		router:     rt,
		session:    session,
		registry:   registry,
		states:     states,
		correlator: corr,
		dispatcher: dispatcher,
		loop:       loop,
		loopErr:    make(chan error, 1),
	}
	dispatcher.OnMetaRequest = e.handleMetaRequest

	if m != nil {
		m.SetDevicesConfigured(float64(registry.Len()))
	}
	return e
}

// Start connects the session, subscribes the inbound contract and launches
// the poll loop and TTL sweeper.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.session.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	subscriptions := []struct {
		pattern string
		handler router.Handler
	}{
		{e.topics.CommandPattern(), e.dispatcher.HandleInbound},
		{e.topics.GetPattern(), e.dispatcher.HandleInbound},
		{e.topics.GroupCommandPattern(), e.dispatcher.HandleInbound},
		{e.topics.MetaRequestPattern(), e.dispatcher.HandleInbound},
		{e.topics.CommandResponsePattern(), e.correlator.HandleResponse},
	}
	for _, sub := range subscriptions {
		if err := e.session.Subscribe(sub.pattern, sub.handler); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", sub.pattern, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.correlator.Run(runCtx)
	}()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.loop.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			select {
			case e.loopErr <- err:
			default:
			}
		}
	}()

	e.logger.Info("bridge engine started",
		"instance", e.cfg.Bridge.InstanceID,
		"devices", e.registry.Len(),
		"updateInterval", e.cfg.Bridge.UpdateInterval)
	return nil
}

// Done yields a terminal poll-loop error, such as a tripped circuit breaker.
// The channel never yields on clean shutdown.
func (e *Engine) Done() <-chan error {
	return e.loopErr
}

// Stop tears the engine down: stop the background tasks, unsubscribe the
// contract, publish offline and close the transport. Joins are bounded by
// the context so shutdown itself cannot hang.
func (e *Engine) Stop(ctx context.Context) {
	e.logger.Info("stopping bridge engine")

	if e.cancel != nil {
		e.cancel()
	}

	joined := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-ctx.Done():
		e.logger.Warn("forcing engine teardown, background tasks did not stop in time")
	}

	for _, pattern := range e.router.Patterns() {
		if err := e.session.Unsubscribe(pattern); err != nil {
			e.logger.Warn("failed to unsubscribe during shutdown",
				"pattern", pattern,
				"error", err)
		}
	}

	e.session.Disconnect(ctx)
	e.logger.Info("bridge engine stopped")
}

// Correlator exposes the command correlator for synchronous callers
func (e *Engine) Correlator() *correlator.Correlator {
	return e.correlator
}

// Stats exposes the engine stats collector
func (e *Engine) Stats() *stats.StatsCollector {
	return e.stats
}

// handleMetaRequest serves meta/request/{type} by publishing the retained
// counterpart under meta/{type}.
func (e *Engine) handleMetaRequest(requestType string) {
	switch requestType {
	case MetaDevicesList:
		e.publishMeta(MetaDevicesList, e.devicesList())
	case MetaInfo:
		e.publishMeta(MetaInfo, e.info())
	default:
		e.logger.Warn("dropping unknown meta request", "type", requestType)
	}
}

func (e *Engine) devicesList() map[string]interface{} {
	devices := make([]map[string]interface{}, 0, e.registry.Len())
	for _, dev := range e.registry.Devices() {
		entry := map[string]interface{}{
			"id":      dev.ID,
			"name":    dev.Name,
			"enabled": dev.Enabled,
			"poll":    dev.Poll,
		}
		if len(dev.Meta) > 0 {
			entry["meta"] = dev.Meta
		}
		devices = append(devices, entry)
	}
	return map[string]interface{}{
		"timestamp": message.Now(),
		"devices":   devices,
	}
}

func (e *Engine) info() map[string]interface{} {
	return map[string]interface{}{
		"timestamp":   message.Now(),
		"instance_id": e.cfg.Bridge.InstanceID,
		"version":     e.cfg.Bridge.Version,
		"uptime":      e.stats.Uptime().Round(time.Second).String(),
		"devices":     e.registry.Len(),
		"stats":       e.stats.GetStats(),
	}
}

func (e *Engine) publishMeta(requestType string, body map[string]interface{}) {
	payload, err := json.Marshal(body)
	if err != nil {
		e.logger.Error("failed to encode meta response",
			"type", requestType,
			"error", err)
		return
	}
	if err := e.session.Publish(e.topics.Meta(requestType), payload, e.session.QoS(), true); err != nil {
		e.logger.Error("failed to publish meta response",
			"type", requestType,
			"error", err)
	}
}
