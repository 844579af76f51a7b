package correlator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mqtt-device-bridge/config"
	"mqtt-device-bridge/internal/logger"
	"mqtt-device-bridge/internal/message"
	"mqtt-device-bridge/internal/stats"
	"mqtt-device-bridge/internal/topics"
)

type capturingPublisher struct {
	mu        sync.Mutex
	topics    []string
	payloads  [][]byte
	publishErr error
}

func (p *capturingPublisher) Publish(topic string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.publishErr != nil {
		return p.publishErr
	}
	p.topics = append(p.topics, topic)
	p.payloads = append(p.payloads, payload)
	return nil
}

func newTestCorrelator(t *testing.T, pub Publisher) *Correlator {
	t.Helper()
	log, err := logger.NewLogger(&config.LogConfig{Level: "error", LogToStdout: true})
	require.NoError(t, err)

	tb := topics.NewBuilder("bridge", "v1", "test-1")
	return New(log, tb, pub, nil, stats.NewStatsCollector(), 1, time.Minute, time.Minute)
}

func TestSendPublishesCommandEnvelope(t *testing.T) {
	pub := &capturingPublisher{}
	c := newTestCorrelator(t, pub)

	id, err := c.Send("d1", map[string]interface{}{"power": "on"}, 5*time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.Len(t, pub.topics, 1)
	assert.Equal(t, "bridge/v1/instances/test-1/devices/d1/cmd", pub.topics[0])

	var cmd message.Command
	require.NoError(t, json.Unmarshal(pub.payloads[0], &cmd))
	assert.Equal(t, id, cmd.ID)
	assert.Equal(t, "on", cmd.Values["power"])
	assert.NotZero(t, cmd.Timestamp)

	assert.Equal(t, 1, c.Pending())
}

func TestSendUniqueCorrelationIDs(t *testing.T) {
	c := newTestCorrelator(t, &capturingPublisher{})

	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		id, err := c.Send("d1", nil, time.Minute)
		require.NoError(t, err)
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate correlation id: %s", id)
		}
		seen[id] = struct{}{}
	}
}

func TestOnResponseCompletesExactlyOnce(t *testing.T) {
	c := newTestCorrelator(t, &capturingPublisher{})

	id, err := c.Send("d1", nil, time.Minute)
	require.NoError(t, err)

	resp := &message.Response{CmdID: id, Status: message.StatusSuccess, Timestamp: message.Now()}

	assert.True(t, c.OnResponse(id, resp))
	assert.Equal(t, 0, c.Pending())

	// A second delivery of the same response is a no-op
	assert.False(t, c.OnResponse(id, resp))
}

func TestAwaitReceivesResponse(t *testing.T) {
	c := newTestCorrelator(t, &capturingPublisher{})

	id, err := c.Send("d1", nil, time.Minute)
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.OnResponse(id, &message.Response{CmdID: id, Status: message.StatusSuccess})
	}()

	resp, err := c.Await(id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, message.StatusSuccess, resp.Status)
}

func TestAwaitTimeout(t *testing.T) {
	c := newTestCorrelator(t, &capturingPublisher{})

	id, err := c.Send("d1", nil, time.Minute)
	require.NoError(t, err)

	_, err = c.Await(id, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	// The timed-out entry is gone; a late response is a no-op
	assert.False(t, c.OnResponse(id, &message.Response{CmdID: id, Status: message.StatusSuccess}))
}

func TestAwaitUnknownID(t *testing.T) {
	c := newTestCorrelator(t, &capturingPublisher{})

	_, err := c.Await("never-sent", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrUnknownCorrelation)
}

func TestSweepExpiresWithoutCallback(t *testing.T) {
	c := newTestCorrelator(t, &capturingPublisher{})

	var callbackFired bool
	id, err := c.SendWithCallback("d1", nil, 10*time.Millisecond, func(*message.Response) {
		callbackFired = true
	})
	require.NoError(t, err)

	// Pretend time has passed beyond the TTL
	c.now = func() time.Time { return time.Now().Add(time.Second) }

	expired := c.Sweep()
	assert.Equal(t, 1, expired)
	assert.Equal(t, 0, c.Pending())
	assert.False(t, callbackFired, "expired entries must not fire callbacks")

	// A late response after the sweep is a no-op
	assert.False(t, c.OnResponse(id, &message.Response{CmdID: id, Status: message.StatusSuccess}))
}

func TestSweepKeepsFreshEntries(t *testing.T) {
	c := newTestCorrelator(t, &capturingPublisher{})

	_, err := c.Send("d1", nil, time.Hour)
	require.NoError(t, err)

	assert.Equal(t, 0, c.Sweep())
	assert.Equal(t, 1, c.Pending())
}

func TestSendWithCallback(t *testing.T) {
	c := newTestCorrelator(t, &capturingPublisher{})

	done := make(chan *message.Response, 1)
	id, err := c.SendWithCallback("d1", map[string]interface{}{"level": 5}, time.Minute, func(r *message.Response) {
		done <- r
	})
	require.NoError(t, err)

	c.OnResponse(id, &message.Response{CmdID: id, Status: message.StatusError, Error: "nope"})

	select {
	case resp := <-done:
		assert.Equal(t, message.StatusError, resp.Status)
		assert.Equal(t, "nope", resp.Error)
	case <-time.After(time.Second):
		t.Fatal("callback was not invoked")
	}
}

func TestHandleResponse(t *testing.T) {
	c := newTestCorrelator(t, &capturingPublisher{})

	id, err := c.Send("d1", nil, time.Minute)
	require.NoError(t, err)

	payload, _ := json.Marshal(message.Response{CmdID: id, Status: message.StatusSuccess, Timestamp: message.Now()})
	c.HandleResponse("bridge/v1/instances/test-1/devices/d1/cmd/response", payload)

	assert.Equal(t, 0, c.Pending())

	// Malformed payloads are discarded without panicking
	c.HandleResponse("bridge/v1/instances/test-1/devices/d1/cmd/response", []byte("not json"))
}

func TestSendPublishFailure(t *testing.T) {
	pub := &capturingPublisher{publishErr: assert.AnError}
	c := newTestCorrelator(t, pub)

	_, err := c.Send("d1", nil, time.Minute)
	assert.Error(t, err)
	assert.Equal(t, 0, c.Pending(), "failed sends must not leave pending entries")
}
