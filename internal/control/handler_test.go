package control

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/harshitnarang21/AI-Vision/internal/config"
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

type published struct {
	topic   string
	payload []byte
}

// fakeClient records publishes and subscriptions
type fakeClient struct {
	mu       sync.Mutex
	messages []published
	handler  mqtt.MessageHandler
}

func (c *fakeClient) IsConnected() bool      { return true }
func (c *fakeClient) IsConnectionOpen() bool { return true }
func (c *fakeClient) Connect() mqtt.Token    { return doneToken{} }
func (c *fakeClient) Disconnect(uint)        {}
func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}
func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = cb
	return doneToken{}
}
func (c *fakeClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return doneToken{}
}
func (c *fakeClient) Unsubscribe(...string) mqtt.Token        { return doneToken{} }
func (c *fakeClient) AddRoute(string, mqtt.MessageHandler)    {}
func (c *fakeClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }

func (c *fakeClient) last() (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.messages) == 0 {
		return published{}, false
	}
	return c.messages[len(c.messages)-1], true
}

type fakeMessage struct{ payload []byte }

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return "vision/control/test" }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		InstanceID: "test",
		MQTT:       config.MQTTConfig{Enabled: true, Broker: "localhost:1883"},
	}
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	return cfg
}

func TestHandleCommand(t *testing.T) {
	var (
		startedDevice = -1
		spoken        string
		spokenPri     int
		spokenInt     bool
		processing    *bool
	)
	callbacks := CommandCallbacks{
		OnGetStatus: func() map[string]interface{} { return map[string]interface{}{"camera_active": true} },
		OnStartCamera: func(device int) error {
			if device == 9 {
				return errors.New("capture: device unavailable: index 9")
			}
			startedDevice = device
			return nil
		},
		OnSpeak: func(text string, priority int, interrupt bool) error {
			spoken, spokenPri, spokenInt = text, priority, interrupt
			return nil
		},
		OnSetProcessing: func(enabled bool) error {
			processing = &enabled
			return nil
		},
	}
	h := NewHandler(testConfig(t), &fakeClient{}, callbacks)

	tests := []struct {
		name       string
		cmd        Command
		wantStatus string
		wantError  string
	}{
		{"status", Command{Command: "get_status"}, "success", ""},
		{"start default device", Command{Command: "start_camera"}, "success", ""},
		{"start device 2", Command{Command: "start_camera", Params: map[string]interface{}{"device": 2.0}}, "success", ""},
		{"start bad device", Command{Command: "start_camera", Params: map[string]interface{}{"device": "zero"}}, "error", "invalid 'device' parameter (expected non-negative integer)"},
		{"start unavailable", Command{Command: "start_camera", Params: map[string]interface{}{"device": 9.0}}, "error", "capture: device unavailable: index 9"},
		{"stop not wired", Command{Command: "stop_camera"}, "error", "stop_camera not implemented"},
		{"speak", Command{Command: "speak", Params: map[string]interface{}{"text": "hello", "priority": 3.0, "interrupt": true}}, "success", ""},
		{"speak empty", Command{Command: "speak", Params: map[string]interface{}{"text": ""}}, "error", "missing or invalid 'text' parameter (expected non-empty string)"},
		{"set processing", Command{Command: "set_processing", Params: map[string]interface{}{"enabled": false}}, "success", ""},
		{"set processing missing", Command{Command: "set_processing"}, "error", "missing or invalid 'enabled' parameter (expected bool)"},
		{"unknown", Command{Command: "dance"}, "error", "unknown command: dance"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, after := h.handleCommand(tt.cmd)
			if after != nil {
				t.Error("Expected no deferred action")
			}
			if resp.CommandAck != tt.cmd.Command {
				t.Errorf("Expected ack %q, got %q", tt.cmd.Command, resp.CommandAck)
			}
			if resp.Status != tt.wantStatus {
				t.Errorf("Expected status %q, got %q", tt.wantStatus, resp.Status)
			}
			if resp.Error != tt.wantError {
				t.Errorf("Expected error %q, got %q", tt.wantError, resp.Error)
			}
		})
	}

	if startedDevice != 2 {
		t.Errorf("Expected last started device 2, got %d", startedDevice)
	}
	if spoken != "hello" || spokenPri != 3 || !spokenInt {
		t.Errorf("Expected speak(hello, 3, true), got (%s, %d, %t)", spoken, spokenPri, spokenInt)
	}
	if processing == nil || *processing {
		t.Error("Expected processing disabled")
	}
}

func TestHandleCommand_ShutdownDeferred(t *testing.T) {
	called := make(chan struct{}, 1)
	h := NewHandler(testConfig(t), &fakeClient{}, CommandCallbacks{
		OnShutdown: func() error {
			called <- struct{}{}
			return nil
		},
	})

	resp, after := h.handleCommand(Command{Command: "shutdown"})
	if resp.Status != "success" {
		t.Fatalf("Expected success, got %+v", resp)
	}
	if after == nil {
		t.Fatal("Expected shutdown to run after the response")
	}
	select {
	case <-called:
		t.Fatal("Expected shutdown not to run before after()")
	default:
	}

	after()
	select {
	case <-called:
	default:
		t.Error("Expected shutdown callback to run")
	}
}

func TestMessageHandler_InvalidJSON(t *testing.T) {
	client := &fakeClient{}
	cfg := testConfig(t)
	h := NewHandler(cfg, client, CommandCallbacks{})

	h.messageHandler(client, fakeMessage{payload: []byte("{not json")})

	msg, ok := client.last()
	if !ok {
		t.Fatal("Expected an error response")
	}
	if msg.topic != cfg.MQTT.Topics.Responses {
		t.Errorf("Expected response on %q, got %q", cfg.MQTT.Topics.Responses, msg.topic)
	}

	var resp Response
	if err := json.Unmarshal(msg.payload, &resp); err != nil {
		t.Fatalf("Response is not JSON: %v", err)
	}
	if resp.Status != "error" || resp.Error != "invalid JSON" {
		t.Errorf("Expected invalid JSON error, got %+v", resp)
	}
	if _, err := time.Parse(time.RFC3339Nano, resp.Timestamp); err != nil {
		t.Errorf("Expected RFC3339 timestamp, got %q", resp.Timestamp)
	}
}

func TestMessageHandler_QueuesCommand(t *testing.T) {
	client := &fakeClient{}
	h := NewHandler(testConfig(t), client, CommandCallbacks{})

	h.messageHandler(client, fakeMessage{payload: []byte(`{"command":"get_status"}`)})

	select {
	case cmd := <-h.commands:
		if cmd.Command != "get_status" {
			t.Errorf("Expected get_status, got %q", cmd.Command)
		}
	default:
		t.Fatal("Expected command queued")
	}
}
