package emitter

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/harshitnarang21/AI-Vision/internal/config"
	"github.com/harshitnarang21/AI-Vision/internal/types"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Error() error                   { return t.err }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

type fakeClient struct {
	mu      sync.Mutex
	topics  []string
	payload [][]byte
	err     error
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return doneToken{} }
func (c *fakeClient) Disconnect(uint)        {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = append(c.topics, topic)
	c.payload = append(c.payload, payload.([]byte))
	return doneToken{err: c.err}
}
func (c *fakeClient) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token { return doneToken{} }
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func newTestEmitter(t *testing.T, client *fakeClient) *MQTTEmitter {
	t.Helper()
	cfg := &config.Config{
		InstanceID: "test",
		MQTT:       config.MQTTConfig{Enabled: true, Broker: "localhost:1883"},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	e := NewMQTTEmitter(cfg)
	e.Client = client
	e.setConnected(true)
	return e
}

func TestPublish_NotConnected(t *testing.T) {
	e := NewMQTTEmitter(config.Default())
	if err := e.PublishHealth([]byte("{}")); err == nil {
		t.Error("Expected error when not connected")
	}
	if got := e.Stats().Errors; got != 1 {
		t.Errorf("Expected 1 error, got %d", got)
	}
}

func TestPublishAnalysis(t *testing.T) {
	client := &fakeClient{}
	e := newTestEmitter(t, client)

	result := &types.AnalysisResult{
		ID:          "r1",
		Description: "a street",
		Error:       nil,
	}
	if err := e.PublishAnalysis(result); err != nil {
		t.Fatalf("PublishAnalysis failed: %v", err)
	}

	if client.topics[0] != "vision/analysis/test" {
		t.Errorf("Expected analysis topic, got %q", client.topics[0])
	}
	var got map[string]interface{}
	if err := json.Unmarshal(client.payload[0], &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got["description"] != "a street" {
		t.Errorf("Expected description in payload, got %v", got)
	}

	stats := e.Stats()
	if stats.Published["vision/analysis/test"] != 1 {
		t.Errorf("Expected 1 publish counted, got %v", stats.Published)
	}
}

func TestPublishAnalysis_ErrorKindOnWire(t *testing.T) {
	client := &fakeClient{}
	e := newTestEmitter(t, client)

	e.PublishAnalysis(&types.AnalysisResult{
		ID:    "r2",
		Error: &types.AnalysisError{Kind: types.KindRateLimited, Message: "slow down"},
	})

	var got struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	if err := json.Unmarshal(client.payload[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.Error.Kind != "rate_limited" {
		t.Errorf("Expected kind rate_limited, got %q", got.Error.Kind)
	}
}

func TestPublishNarration(t *testing.T) {
	client := &fakeClient{}
	e := newTestEmitter(t, client)

	msg := types.NarrationMessage{Text: "Warning. ahead person at close", Priority: 10, Interrupt: true}
	if err := e.PublishNarration(msg, "r1"); err != nil {
		t.Fatalf("PublishNarration failed: %v", err)
	}

	var got narrationEvent
	if err := json.Unmarshal(client.payload[0], &got); err != nil {
		t.Fatal(err)
	}
	if got.Text != msg.Text || got.Priority != 10 || !got.Interrupt || got.ResultID != "r1" {
		t.Errorf("Unexpected narration event %+v", got)
	}
	if client.topics[0] != "vision/narration/test" {
		t.Errorf("Expected narration topic, got %q", client.topics[0])
	}
}

func TestPublish_BrokerError(t *testing.T) {
	client := &fakeClient{err: errors.New("not authorized")}
	e := newTestEmitter(t, client)

	if err := e.PublishHealth([]byte("{}")); err == nil {
		t.Error("Expected publish error")
	}
	if got := e.Stats().Errors; got != 1 {
		t.Errorf("Expected 1 error, got %d", got)
	}
}

func TestBrokerURL(t *testing.T) {
	tests := map[string]string{
		"localhost:1883":    "tcp://localhost:1883",
		"tcp://broker:1883": "tcp://broker:1883",
		"ssl://broker:8883": "ssl://broker:8883",
	}
	for in, want := range tests {
		if got := brokerURL(in); got != want {
			t.Errorf("brokerURL(%q): Expected %q, got %q", in, want, got)
		}
	}
}
