package broker

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing
type MockToken struct {
	err  error
	done chan struct{}
}

func NewMockToken(err error) *MockToken {
	t := &MockToken{
		err:  err,
		done: make(chan struct{}),
	}
	close(t.done)
	return t
}

func (t *MockToken) Wait() bool                       { return true }
func (t *MockToken) WaitTimeout(d time.Duration) bool { return true }
func (t *MockToken) Error() error                     { return t.err }
func (t *MockToken) Done() <-chan struct{}            { return t.done }

// PublishedMessage records one publish call on the mock client
type PublishedMessage struct {
	Topic   string
	QoS     byte
	Retain  bool
	Payload []byte
}

// MockClient implements mqtt.Client for testing
type MockClient struct {
	mu            sync.Mutex
	connected     bool
	connectErr    error
	publishErr    error
	published     []PublishedMessage
	subscriptions map[string]mqtt.MessageHandler
	unsubscribed  []string
}

func NewMockClient() *MockClient {
	return &MockClient{
		connected:     true,
		subscriptions: make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr == nil {
		m.connected = true
	}
	return NewMockToken(m.connectErr)
}

func (m *MockClient) Disconnect(quiesce uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
}

func (m *MockClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return NewMockToken(m.publishErr)
	}
	var data []byte
	switch p := payload.(type) {
	case []byte:
		data = p
	case string:
		data = []byte(p)
	}
	m.published = append(m.published, PublishedMessage{
		Topic:   topic,
		QoS:     qos,
		Retain:  retained,
		Payload: data,
	})
	return NewMockToken(nil)
}

func (m *MockClient) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscriptions[topic] = callback
	return NewMockToken(nil)
}

func (m *MockClient) SubscribeMultiple(filters map[string]byte, callback mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(nil)
}

func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		delete(m.subscriptions, topic)
		m.unsubscribed = append(m.unsubscribed, topic)
	}
	return NewMockToken(nil)
}

func (m *MockClient) AddRoute(topic string, callback mqtt.MessageHandler) {}
func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}
func (m *MockClient) IsConnectionOpen() bool                  { return m.IsConnected() }
func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

// Published returns a copy of all recorded publish calls
func (m *MockClient) Published() []PublishedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PublishedMessage, len(m.published))
	copy(out, m.published)
	return out
}

// Subscribed returns the currently subscribed patterns
func (m *MockClient) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var patterns []string
	for p := range m.subscriptions {
		patterns = append(patterns, p)
	}
	return patterns
}

// mockMessage implements mqtt.Message for driving inbound handlers
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 0 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}
