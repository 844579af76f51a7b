// Package poller runs the periodic device poll loop: read each enabled
// device through the provider, publish its snapshot, and trip a circuit
// breaker after too many consecutive failures.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"mqtt-device-bridge/internal/device"
	"mqtt-device-bridge/internal/logger"
	"mqtt-device-bridge/internal/message"
	"mqtt-device-bridge/internal/metrics"
	"mqtt-device-bridge/internal/state"
	"mqtt-device-bridge/internal/stats"
)

// ErrTooManyFailures is returned by Run when the process-wide consecutive
// error counter reaches the configured maximum. The loop halts rather than
// busy-looping against a systemically broken provider.
var ErrTooManyFailures = errors.New("poller: too many consecutive poll failures")

// Loop polls enabled devices on a fixed interval and maintains the
// last-known snapshot cache served by get requests.
type Loop struct {
	logger   *logger.Logger
	registry *device.Registry
	provider device.Provider
	states   *state.Publisher
	metrics  *metrics.Metrics
	stats    *stats.StatsCollector

	interval  time.Duration
	maxErrors int

	mu                sync.Mutex
	cache             map[string]map[string]interface{}
	deviceErrors      map[string]int
	consecutiveErrors int
}

// New creates a poll loop
func New(log *logger.Logger, reg *device.Registry, provider device.Provider, states *state.Publisher, m *metrics.Metrics, st *stats.StatsCollector, interval time.Duration, maxErrors int) *Loop {
	return &Loop{
		logger:       log,
		registry:     reg,
		provider:     provider,
		states:       states,
		metrics:      m,
		stats:        st,
		interval:     interval,
		maxErrors:    maxErrors,
		cache:        make(map[string]map[string]interface{}),
		deviceErrors: make(map[string]int),
	}
}

// Run ticks until the context is cancelled or the circuit breaker trips.
// A tripped breaker is a deliberate fail-fast, reported as ErrTooManyFailures.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.logger.Info("device poll loop started",
		"interval", l.interval,
		"maxErrors", l.maxErrors)

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("device poll loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := l.poll(); err != nil {
				l.logger.Error("device poll loop halting", "error", err)
				return err
			}
		}
	}
}

// poll runs one tick over every enabled, polling-eligible device
func (l *Loop) poll() error {
	for _, dev := range l.registry.Devices() {
		if !dev.Enabled || !dev.Poll {
			continue
		}
		l.pollDevice(dev)

		l.mu.Lock()
		tripped := l.maxErrors > 0 && l.consecutiveErrors >= l.maxErrors
		count := l.consecutiveErrors
		l.mu.Unlock()
		if tripped {
			l.logger.Error("consecutive poll failures reached limit",
				"failures", count,
				"maxErrors", l.maxErrors)
			return ErrTooManyFailures
		}
	}
	return nil
}

func (l *Loop) pollDevice(dev *device.Config) {
	if l.stats != nil {
		l.stats.IncPolls()
	}

	lock := l.registry.DeviceLock(dev.ID)
	lock.Lock()
	properties, err := l.provider.Read(dev.ID)
	lock.Unlock()

	if err != nil {
		l.logger.Warn("device poll failed",
			"device", dev.ID,
			"error", err)
		if pubErr := l.states.PublishError(dev.ID, "poll_failed", err.Error(), message.SeverityWarning); pubErr != nil {
			l.logger.Warn("failed to publish error notification", "device", dev.ID, "error", pubErr)
		}
		if l.metrics != nil {
			l.metrics.IncPollErrors()
		}
		if l.stats != nil {
			l.stats.IncPollErrors()
		}

		l.mu.Lock()
		l.deviceErrors[dev.ID]++
		l.consecutiveErrors++
		l.mu.Unlock()
		return
	}

	l.Store(dev.ID, properties)
	if err := l.states.PublishState(dev.ID, properties, nil); err != nil {
		l.logger.Warn("failed to publish polled state",
			"device", dev.ID,
			"error", err)
	}

	l.mu.Lock()
	l.deviceErrors[dev.ID] = 0
	l.consecutiveErrors = 0
	l.mu.Unlock()
}

// Last returns the last successfully polled snapshot for a device
func (l *Loop) Last(deviceID string) (map[string]interface{}, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	properties, ok := l.cache[deviceID]
	return properties, ok
}

// Store records a snapshot in the last-known cache. The dispatcher also
// stores live reads served for get requests.
func (l *Loop) Store(deviceID string, properties map[string]interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[deviceID] = properties
}

// ConsecutiveErrors returns the process-wide consecutive failure count
func (l *Loop) ConsecutiveErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutiveErrors
}

// DeviceErrors returns the consecutive failure count for one device
func (l *Loop) DeviceErrors(deviceID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.deviceErrors[deviceID]
}
