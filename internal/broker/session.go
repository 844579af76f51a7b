// Package broker owns the MQTT transport session: connect retry, last-will
// registration, publish/subscribe with QoS and retain flags, and transparent
// re-subscription of all router patterns after a reconnect.
package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"mqtt-device-bridge/config"
	"mqtt-device-bridge/internal/logger"
	"mqtt-device-bridge/internal/metrics"
	"mqtt-device-bridge/internal/router"
	"mqtt-device-bridge/internal/topics"
)

// Session wraps a paho client for one bridge instance. The transport does not
// remember subscriptions across a dropped session, so the session re-issues
// every pattern held by the router on each successful (re)connection.
type Session struct {
	logger  *logger.Logger
	cfg     *config.Config
	topics  topics.Builder
	router  *router.Router
	metrics *metrics.Metrics

	client     mqtt.Client
	connected  atomic.Bool
	qosDefault byte
	retryDelay time.Duration
	maxRetries int
}

// NewSession creates a session with client options derived from config. The
// last-will ("offline", retained) is registered here so an unclean disconnect
// is observable even without an explicit Disconnect call. The session is not
// connected until Connect is called.
func NewSession(cfg *config.Config, log *logger.Logger, tb topics.Builder, rt *router.Router, m *metrics.Metrics) (*Session, error) {
	s := &Session{
		logger:     log,
		cfg:        cfg,
		topics:     tb,
		router:     rt,
		metrics:    m,
		qosDefault: byte(cfg.Bridge.QoS),
		retryDelay: cfg.Bridge.ConnectRetryDuration(),
		maxRetries: cfg.Bridge.MaxConnectRetry,
	}

	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("mqtt-device-bridge-%s-%s", cfg.Bridge.InstanceID, uuid.NewString()[:8])
	}

	will, err := json.Marshal(statusPayload("offline"))
	if err != nil {
		return nil, fmt.Errorf("failed to encode will payload: %w", err)
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.MQTT.Broker).
		SetClientID(clientID).
		SetUsername(cfg.MQTT.Username).
		SetPassword(cfg.MQTT.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetMaxReconnectInterval(time.Minute).
		SetBinaryWill(tb.Status(), will, 1, true)

	opts.OnConnect = s.handleConnect
	opts.OnConnectionLost = s.handleDisconnect
	opts.OnReconnecting = s.handleReconnecting

	// Configure TLS if enabled
	if cfg.MQTT.TLS.Enable {
		tlsConfig, err := newTLSConfig(
			cfg.MQTT.TLS.CertFile,
			cfg.MQTT.TLS.KeyFile,
			cfg.MQTT.TLS.CAFile,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	s.client = mqtt.NewClient(opts)
	return s, nil
}

// NewSessionWithClient creates a session around a provided client (for testing)
func NewSessionWithClient(cfg *config.Config, log *logger.Logger, tb topics.Builder, rt *router.Router, m *metrics.Metrics, client mqtt.Client) *Session {
	s := &Session{
		logger:     log,
		cfg:        cfg,
		topics:     tb,
		router:     rt,
		metrics:    m,
		client:     client,
		qosDefault: byte(cfg.Bridge.QoS),
		retryDelay: cfg.Bridge.ConnectRetryDuration(),
		maxRetries: cfg.Bridge.MaxConnectRetry,
	}
	s.connected.Store(true)
	return s
}

// Connect establishes the broker connection, retrying at the configured
// interval. maxConnectRetry of 0 retries until the context is cancelled.
func (s *Session) Connect(ctx context.Context) error {
	attempt := 0
	for {
		token := s.client.Connect()
		token.Wait()
		if token.Error() == nil {
			return nil
		}

		attempt++
		s.logger.Error("failed to connect to broker",
			"broker", s.cfg.MQTT.Broker,
			"attempt", attempt,
			"error", token.Error())

		if s.maxRetries > 0 && attempt >= s.maxRetries {
			return fmt.Errorf("%w: %d attempts: %v", ErrConnectionFailed, attempt, token.Error())
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
}

// Disconnect publishes an explicit retained offline status, then tears down
// the transport with a bounded quiesce.
func (s *Session) Disconnect(ctx context.Context) {
	s.logger.Info("disconnecting from broker")

	if err := s.publishStatus("offline"); err != nil {
		s.logger.Warn("failed to publish offline status", "error", err)
	}

	quiesce := uint(250)
	if deadline, ok := ctx.Deadline(); ok {
		if ms := time.Until(deadline).Milliseconds(); ms > 0 && ms < int64(quiesce) {
			quiesce = uint(ms)
		}
	}
	s.client.Disconnect(quiesce)
	s.connected.Store(false)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(false)
	})
}

// IsConnected returns current connection status
func (s *Session) IsConnected() bool {
	return s.connected.Load()
}

// QoS returns the instance default QoS level
func (s *Session) QoS() byte {
	return s.qosDefault
}

// Publish sends a payload to a topic. When the session is disconnected the
// message is dropped with a warning; there is no local queueing.
func (s *Session) Publish(topic string, payload []byte, qos byte, retain bool) error {
	if qos > 2 {
		return ErrInvalidQoS
	}
	if !s.IsConnected() {
		s.logger.Warn("dropping publish while disconnected",
			"topic", topic,
			"payloadSize", len(payload))
		return ErrNotConnected
	}

	token := s.client.Publish(topic, qos, retain, payload)
	if token.Wait() && token.Error() != nil {
		s.logger.Error("failed to publish message",
			"topic", topic,
			"error", token.Error())
		return fmt.Errorf("%w: %s: %v", ErrPublishFailed, topic, token.Error())
	}

	s.logger.Debug("published message",
		"topic", topic,
		"qos", qos,
		"retain", retain,
		"payloadSize", len(payload))
	return nil
}

// Subscribe registers a pattern with its handler in the router and issues the
// transport subscription. The router registration survives reconnects; the
// transport side is re-issued by handleConnect.
func (s *Session) Subscribe(pattern string, handler router.Handler) error {
	if err := s.router.Register(pattern, handler); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSubscribeFailed, pattern, err)
	}

	if !s.IsConnected() {
		// The transport subscription is issued on the next connect.
		return nil
	}

	if token := s.client.Subscribe(pattern, s.qosDefault, s.handleMessage); token.Wait() && token.Error() != nil {
		s.logger.Error("failed to subscribe to pattern",
			"pattern", pattern,
			"error", token.Error())
		return fmt.Errorf("%w: %s: %v", ErrSubscribeFailed, pattern, token.Error())
	}

	s.logger.Debug("subscribed to pattern", "pattern", pattern)
	return nil
}

// Unsubscribe removes the transport subscription and the router registration
func (s *Session) Unsubscribe(pattern string) error {
	if s.IsConnected() {
		if token := s.client.Unsubscribe(pattern); token.Wait() && token.Error() != nil {
			s.logger.Error("failed to unsubscribe from pattern",
				"pattern", pattern,
				"error", token.Error())
			return fmt.Errorf("%w: %s: %v", ErrUnsubscribeFailed, pattern, token.Error())
		}
	}
	if err := s.router.Unregister(pattern); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnsubscribeFailed, pattern, err)
	}
	return nil
}

// handleMessage delivers every inbound message to the router
func (s *Session) handleMessage(client mqtt.Client, msg mqtt.Message) {
	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMessagesTotal("received")
	})
	s.router.Dispatch(msg.Topic(), msg.Payload())
}

// handleConnect processes successful connections: announces the instance as
// online and re-issues every registered subscription.
func (s *Session) handleConnect(client mqtt.Client) {
	s.logger.Info("broker session connected", "broker", s.cfg.MQTT.Broker)
	s.connected.Store(true)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(true)
	})

	if err := s.publishStatus("online"); err != nil {
		s.logger.Error("failed to publish online status", "error", err)
	}

	patterns := s.router.Patterns()
	for _, pattern := range patterns {
		if token := client.Subscribe(pattern, s.qosDefault, s.handleMessage); token.Wait() && token.Error() != nil {
			s.logger.Error("failed to resubscribe to pattern",
				"pattern", pattern,
				"error", token.Error())
		}
	}
	if len(patterns) > 0 {
		s.logger.Info("resubscribed to patterns", "count", len(patterns))
	}
}

// handleDisconnect processes connection loss
func (s *Session) handleDisconnect(client mqtt.Client, err error) {
	s.logger.Error("broker connection lost", "error", err)
	s.connected.Store(false)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetMQTTConnectionStatus(false)
	})
}

// handleReconnecting processes reconnection attempts
func (s *Session) handleReconnecting(client mqtt.Client, opts *mqtt.ClientOptions) {
	s.logger.Info("broker session reconnecting", "broker", s.cfg.MQTT.Broker)

	s.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.IncMQTTReconnects()
	})
}

func (s *Session) publishStatus(status string) error {
	payload, err := json.Marshal(statusPayload(status))
	if err != nil {
		return err
	}
	return s.Publish(s.topics.Status(), payload, 1, true)
}

func statusPayload(status string) map[string]interface{} {
	return map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
	}
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (s *Session) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}

// newTLSConfig creates a new TLS configuration
func newTLSConfig(certFile, keyFile, caFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      caCertPool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}
