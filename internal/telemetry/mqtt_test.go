package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qqbridge-project/qqbridge/internal/config"
	"github.com/qqbridge-project/qqbridge/internal/events"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type published struct {
	topic    string
	retained bool
	body     map[string]interface{}
}

type fakeClient struct {
	mu           sync.Mutex
	connected    bool
	disconnected bool
	messages     []published
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnected = true
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected && !c.disconnected
}

func (c *fakeClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	var body map[string]interface{}
	_ = json.Unmarshal(payload.([]byte), &body)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, retained: retained, body: body})
	return doneToken{}
}

func (c *fakeClient) snapshot() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

func (c *fakeClient) waitFor(t *testing.T, n int) []published {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if msgs := c.snapshot(); len(msgs) >= n {
			return msgs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d messages, got %d", n, len(c.snapshot()))
	return nil
}

type nilSource struct{}

func (nilSource) Sampler() *process.Process { return nil }

func newTestHandler(bus *events.EventBus, fc *fakeClient) *MQTTHandler {
	return &MQTTHandler{
		bus:      bus,
		client:   fc,
		source:   nilSource{},
		prefix:   "qqbridge",
		interval: 10 * time.Millisecond,
		metadata: map[string]interface{}{"server": "Survival"},
		logger:   zerolog.Nop(),
	}
}

func TestNewMQTTHandler_Disabled(t *testing.T) {
	cfg := config.DefaultConfig()
	_, err := NewMQTTHandler(cfg, nil, nil, "session")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestNewMQTTHandler_Enabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.ApplicationData.MQTT.Enabled = true
	cfg.ApplicationData.MQTT.Topic = "/mc/"
	h, err := NewMQTTHandler(cfg, nil, nil, "abc")
	require.NoError(t, err)
	assert.Equal(t, "mc/status", h.topic(TopicStatus))
	assert.Equal(t, "abc", h.metadata["session"])
}

func TestMQTTHandler_MirrorsBusEvents(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	fc := &fakeClient{}
	h := newTestHandler(bus, fc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	require.Eventually(t, func() bool { return bus.HandlerCount(events.EventPlayerJoined) == 1 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventPlayerJoined, Payload: events.PlayerPayload{Player: "Steve"}}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventServerStop, Payload: events.ServerStopPayload{PID: 7, ExitCode: 1}}))
	require.NoError(t, bus.EmitSync(ctx, events.Event{Type: events.EventBotConnected, Payload: events.BotConnectionPayload{Role: "minecraft"}}))

	msgs := fc.waitFor(t, 3)
	assert.Equal(t, "qqbridge/players", msgs[0].topic)
	payload := msgs[0].body["payload"].(map[string]interface{})
	assert.Equal(t, "player_joined", payload["event"])
	assert.Equal(t, "Steve", payload["player"])
	assert.Equal(t, "Survival", msgs[0].body["server"])

	assert.Equal(t, "qqbridge/server", msgs[1].topic)
	assert.EqualValues(t, 1, msgs[1].body["payload"].(map[string]interface{})["exit_code"])
	assert.Equal(t, "qqbridge/bot", msgs[2].topic)

	cancel()
	require.NoError(t, <-done)

	last := fc.snapshot()[len(fc.snapshot())-1]
	assert.Equal(t, "qqbridge/status", last.topic)
	assert.True(t, last.retained)
	assert.Equal(t, 0, bus.HandlerCount(events.EventPlayerJoined))
}

func TestMQTTHandler_HealthAlerts(t *testing.T) {
	fc := &fakeClient{connected: true}
	h := newTestHandler(nil, fc)

	require.NoError(t, h.onEvent(context.Background(), events.Event{
		Type:    events.EventHealthAlert,
		Payload: events.HealthAlertPayload{Check: "disk", Level: "warning", Message: "Disk usage at 91.0%"},
	}))

	msgs := fc.waitFor(t, 1)
	assert.Equal(t, "qqbridge/health", msgs[0].topic)
	payload := msgs[0].body["payload"].(map[string]interface{})
	assert.Equal(t, "disk", payload["check"])
	assert.Equal(t, "warning", payload["level"])
}

func TestMQTTHandler_NoSamplesWithoutProcess(t *testing.T) {
	fc := &fakeClient{}
	h := newTestHandler(nil, fc)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, h.Start(ctx))

	for _, m := range fc.snapshot() {
		assert.NotEqual(t, "qqbridge/occupation", m.topic)
	}
}
