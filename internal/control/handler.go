package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/harshitnarang21/AI-Vision/internal/config"
)

// Command represents a control plane command
type Command struct {
	Command string                 `json:"command"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

// Response represents a command response
type Response struct {
	CommandAck string                 `json:"command_ack"`
	Status     string                 `json:"status"`
	Data       map[string]interface{} `json:"data,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Timestamp  string                 `json:"timestamp"`
}

// CommandCallbacks contains callback functions for commands
type CommandCallbacks struct {
	OnGetStatus     func() map[string]interface{}
	OnStartCamera   func(device int) error
	OnStopCamera    func() error
	OnSpeak         func(text string, priority int, interrupt bool) error
	OnTestAudio     func() error
	OnAnalyzeLatest func() (map[string]interface{}, error)
	OnSetProcessing func(enabled bool) error
	OnShutdown      func() error
}

// Handler handles control plane commands
type Handler struct {
	cfg       *config.Config
	client    mqtt.Client
	commands  chan Command
	callbacks CommandCallbacks
}

// NewHandler creates a new control plane handler
func NewHandler(cfg *config.Config, client mqtt.Client, callbacks CommandCallbacks) *Handler {
	return &Handler{
		cfg:       cfg,
		client:    client,
		commands:  make(chan Command, 10),
		callbacks: callbacks,
	}
}

// Start starts listening for control commands
func (h *Handler) Start(ctx context.Context) error {
	topic := h.cfg.MQTT.Topics.Control
	qos := h.cfg.MQTT.QoS["control"]

	slog.Info("subscribing to control plane", "topic", topic, "qos", qos)

	token := h.client.Subscribe(topic, qos, h.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("control plane subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("control plane subscription failed: %w", err)
	}

	slog.Info("control plane handler started")

	// Process commands
	go h.processCommands(ctx)

	return nil
}

// Stop unsubscribes from the control topic. The command loop ends with the
// context passed to Start.
func (h *Handler) Stop() error {
	topic := h.cfg.MQTT.Topics.Control

	if h.client != nil && h.client.IsConnected() {
		token := h.client.Unsubscribe(topic)
		token.WaitTimeout(2 * time.Second)
	}

	slog.Info("control plane handler stopped")
	return nil
}

// messageHandler is called when a control message is received
func (h *Handler) messageHandler(client mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("failed to parse control command", "error", err)
		h.sendResponse(Response{
			CommandAck: "unknown",
			Status:     "error",
			Error:      "invalid JSON",
		})
		return
	}

	slog.Info("control command received", "command", cmd.Command)

	// Send to processing channel
	select {
	case h.commands <- cmd:
	default:
		slog.Warn("command queue full, dropping command", "command", cmd.Command)
	}
}

// processCommands processes commands from the queue
func (h *Handler) processCommands(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-h.commands:
			resp, after := h.handleCommand(cmd)
			h.sendResponse(resp)
			if after != nil {
				go after()
			}
		}
	}
}

// handleCommand executes a command and builds its response. after, when not
// nil, must run once the response has been sent.
func (h *Handler) handleCommand(cmd Command) (resp Response, after func()) {
	resp.CommandAck = cmd.Command

	fail := func(err error) {
		resp.Status = "error"
		resp.Error = err.Error()
	}
	notImplemented := func() {
		resp.Status = "error"
		resp.Error = cmd.Command + " not implemented"
	}

	switch cmd.Command {
	case "get_status":
		if h.callbacks.OnGetStatus == nil {
			notImplemented()
			break
		}
		resp.Status = "success"
		resp.Data = h.callbacks.OnGetStatus()

	case "start_camera":
		if h.callbacks.OnStartCamera == nil {
			notImplemented()
			break
		}
		device := 0
		if v, ok := cmd.Params["device"]; ok {
			f, ok := v.(float64)
			if !ok || f < 0 || f != float64(int(f)) {
				fail(fmt.Errorf("invalid 'device' parameter (expected non-negative integer)"))
				break
			}
			device = int(f)
		}
		if err := h.callbacks.OnStartCamera(device); err != nil {
			fail(err)
			break
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"camera_active": true,
			"device":        device,
		}

	case "stop_camera":
		if h.callbacks.OnStopCamera == nil {
			notImplemented()
			break
		}
		if err := h.callbacks.OnStopCamera(); err != nil {
			fail(err)
			break
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"camera_active": false}

	case "speak":
		if h.callbacks.OnSpeak == nil {
			notImplemented()
			break
		}
		text, ok := cmd.Params["text"].(string)
		if !ok || text == "" {
			fail(fmt.Errorf("missing or invalid 'text' parameter (expected non-empty string)"))
			break
		}
		priority := 0
		if p, ok := cmd.Params["priority"].(float64); ok {
			priority = int(p)
		}
		interrupt, _ := cmd.Params["interrupt"].(bool)
		if err := h.callbacks.OnSpeak(text, priority, interrupt); err != nil {
			fail(err)
			break
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"priority":  priority,
			"interrupt": interrupt,
		}

	case "test_audio":
		if h.callbacks.OnTestAudio == nil {
			notImplemented()
			break
		}
		if err := h.callbacks.OnTestAudio(); err != nil {
			fail(err)
			break
		}
		resp.Status = "success"

	case "analyze_latest":
		if h.callbacks.OnAnalyzeLatest == nil {
			notImplemented()
			break
		}
		data, err := h.callbacks.OnAnalyzeLatest()
		if err != nil {
			fail(err)
			break
		}
		resp.Status = "success"
		resp.Data = data

	case "set_processing":
		if h.callbacks.OnSetProcessing == nil {
			notImplemented()
			break
		}
		enabled, ok := cmd.Params["enabled"].(bool)
		if !ok {
			fail(fmt.Errorf("missing or invalid 'enabled' parameter (expected bool)"))
			break
		}
		if err := h.callbacks.OnSetProcessing(enabled); err != nil {
			fail(err)
			break
		}
		resp.Status = "success"
		resp.Data = map[string]interface{}{"processing_enabled": enabled}

	case "shutdown":
		if h.callbacks.OnShutdown == nil {
			notImplemented()
			break
		}
		slog.Warn("shutdown command received via MQTT control plane")
		resp.Status = "success"
		resp.Data = map[string]interface{}{
			"shutdown_initiated": true,
			"message":            "graceful shutdown in progress",
		}
		after = func() {
			time.Sleep(500 * time.Millisecond) // Brief delay to ensure response is sent
			if err := h.callbacks.OnShutdown(); err != nil {
				slog.Error("shutdown callback failed", "error", err)
			}
		}

	default:
		fail(fmt.Errorf("unknown command: %s", cmd.Command))
	}

	return resp, after
}

// sendResponse publishes a response on the responses topic
func (h *Handler) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		return
	}

	topic := h.cfg.MQTT.Topics.Responses
	qos := h.cfg.MQTT.QoS["control"]

	token := h.client.Publish(topic, qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("failed to publish response", "error", err)
		return
	}

	slog.Debug("response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
