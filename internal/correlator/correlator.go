// Package correlator tracks outstanding outbound commands by correlation id
// and matches inbound responses back to their callers. A periodic sweep
// removes entries whose age exceeds their TTL so commands that never receive
// a response cannot grow the pending table without bound.
package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"mqtt-device-bridge/internal/logger"
	"mqtt-device-bridge/internal/message"
	"mqtt-device-bridge/internal/metrics"
	"mqtt-device-bridge/internal/stats"
	"mqtt-device-bridge/internal/topics"
)

var (
	// ErrTimeout is returned when Await gives up before a response arrives.
	ErrTimeout = errors.New("correlator: timed out waiting for response")

	// ErrUnknownCorrelation is returned when Await is called for an id that
	// is not pending (never sent, already completed, or swept).
	ErrUnknownCorrelation = errors.New("correlator: unknown correlation id")
)

// Publisher is the outbound capability the correlator needs from the broker session
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retain bool) error
}

// PendingCommand is one outstanding correlated request
type PendingCommand struct {
	ID        string
	DeviceID  string
	CreatedAt time.Time
	TTL       time.Duration

	callback func(*message.Response)
	done     chan *message.Response
}

// Correlator owns the pending-command table
type Correlator struct {
	logger  *logger.Logger
	topics  topics.Builder
	pub     Publisher
	metrics *metrics.Metrics
	stats   *stats.StatsCollector

	qos           byte
	defaultTTL    time.Duration
	sweepInterval time.Duration
	now           func() time.Time

	mu      sync.Mutex
	pending map[string]*PendingCommand
}

// New creates a correlator. ttl and sweepInterval are the defaults applied
// when a command does not carry its own timeout.
func New(log *logger.Logger, tb topics.Builder, pub Publisher, m *metrics.Metrics, st *stats.StatsCollector, qos byte, ttl, sweepInterval time.Duration) *Correlator {
	return &Correlator{
		logger:        log,
		topics:        tb,
		pub:           pub,
		metrics:       m,
		stats:         st,
		qos:           qos,
		defaultTTL:    ttl,
		sweepInterval: sweepInterval,
		now:           time.Now,
		pending:       make(map[string]*PendingCommand),
	}
}

// Send publishes a command envelope to a device's command topic and registers
// a pending entry under a generated correlation id. The caller may block on
// the result with Await or fire and forget.
func (c *Correlator) Send(deviceID string, values map[string]interface{}, ttl time.Duration) (string, error) {
	return c.send(deviceID, values, ttl, nil)
}

// SendWithCallback is Send with a completion callback invoked at most once
// when a matching response arrives. Expired entries never fire the callback.
func (c *Correlator) SendWithCallback(deviceID string, values map[string]interface{}, ttl time.Duration, fn func(*message.Response)) (string, error) {
	return c.send(deviceID, values, ttl, fn)
}

func (c *Correlator) send(deviceID string, values map[string]interface{}, ttl time.Duration, fn func(*message.Response)) (string, error) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	id := uuid.NewString()
	envelope := message.Command{
		ID:        id,
		Timestamp: message.Timestamp(c.now()),
		Values:    values,
		Timeout:   ttl.Milliseconds(),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to encode command: %w", err)
	}

	if err := c.pub.Publish(c.topics.DeviceCommand(deviceID), payload, c.qos, false); err != nil {
		return "", fmt.Errorf("failed to send command to %s: %w", deviceID, err)
	}

	c.mu.Lock()
	c.pending[id] = &PendingCommand{
		ID:        id,
		DeviceID:  deviceID,
		CreatedAt: c.now(),
		TTL:       ttl,
		callback:  fn,
		done:      make(chan *message.Response, 1),
	}
	count := len(c.pending)
	c.mu.Unlock()

	c.updateGauge(count)
	c.logger.Debug("command sent",
		"device", deviceID,
		"correlationId", id,
		"ttl", ttl)
	return id, nil
}

// Await blocks until the response for id arrives or the timeout elapses.
// On timeout the pending entry is removed, so a later response is a no-op.
func (c *Correlator) Await(id string, timeout time.Duration) (*message.Response, error) {
	c.mu.Lock()
	entry, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownCorrelation
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-entry.done:
		return resp, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		count := len(c.pending)
		c.mu.Unlock()
		c.updateGauge(count)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, id)
	}
}

// OnResponse completes a pending command at most once. Responses for unknown
// ids (late, duplicate, or foreign) are ignored and reported as false.
func (c *Correlator) OnResponse(id string, resp *message.Response) bool {
	c.mu.Lock()
	entry, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	count := len(c.pending)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("ignoring response for unknown correlation id", "correlationId", id)
		return false
	}

	c.updateGauge(count)
	if c.stats != nil {
		c.stats.IncResponsesMatched()
	}

	if entry.callback != nil {
		entry.callback(resp)
	} else {
		entry.done <- resp
	}

	c.logger.Debug("response correlated",
		"device", entry.DeviceID,
		"correlationId", id,
		"status", resp.Status)
	return true
}

// HandleResponse is the router handler for the command response pattern
func (c *Correlator) HandleResponse(topic string, payload []byte) {
	resp, err := message.DecodeResponse(payload)
	if err != nil {
		c.logger.Warn("discarding malformed command response",
			"topic", topic,
			"error", err)
		return
	}
	c.OnResponse(resp.CmdID, resp)
}

// Run sweeps expired entries on a fixed period until the context is cancelled
func (c *Correlator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep removes every pending command whose age exceeds its TTL. Expired
// entries are logged and counted but their callbacks are never invoked;
// blocking callers race their own Await timeout.
func (c *Correlator) Sweep() int {
	now := c.now()

	c.mu.Lock()
	var expired []*PendingCommand
	for id, entry := range c.pending {
		if now.Sub(entry.CreatedAt) > entry.TTL {
			expired = append(expired, entry)
			delete(c.pending, id)
		}
	}
	count := len(c.pending)
	c.mu.Unlock()

	for _, entry := range expired {
		c.logger.Warn("pending command expired",
			"device", entry.DeviceID,
			"correlationId", entry.ID,
			"age", now.Sub(entry.CreatedAt))
		if c.stats != nil {
			c.stats.IncCommandsExpired()
		}
	}
	if len(expired) > 0 {
		c.updateGauge(count)
	}
	return len(expired)
}

// Pending returns the number of outstanding commands
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) updateGauge(count int) {
	if c.metrics != nil {
		c.metrics.SetPendingCommands(float64(count))
	}
}
