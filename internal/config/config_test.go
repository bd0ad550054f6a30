package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "visiond.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "instance_id: kitchen-1\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Camera.Decimation != 2 {
		t.Errorf("Expected decimation 2, got %d", cfg.Camera.Decimation)
	}
	if cfg.Camera.JPEGQuality != 85 {
		t.Errorf("Expected jpeg quality 85, got %d", cfg.Camera.JPEGQuality)
	}
	if cfg.Analysis.Backend != BackendMock {
		t.Errorf("Expected mock backend, got %q", cfg.Analysis.Backend)
	}
	if cfg.Analysis.FaceEvery != 10 {
		t.Errorf("Expected face_every 10, got %d", cfg.Analysis.FaceEvery)
	}
	if cfg.Analysis.ObstacleThreshold != 0.7 {
		t.Errorf("Expected obstacle threshold 0.7, got %v", cfg.Analysis.ObstacleThreshold)
	}
	if cfg.Analysis.AccessDisabledLogEvery != 50 || cfg.Analysis.RateLimitedLogEvery != 10 {
		t.Errorf("Expected log suppression 50/10, got %d/%d",
			cfg.Analysis.AccessDisabledLogEvery, cfg.Analysis.RateLimitedLogEvery)
	}
	if !cfg.AnalysisEnabled() {
		t.Error("Expected analysis enabled by default")
	}
	if cfg.Speech.Rate != 150 || cfg.Speech.Volume != 0.9 {
		t.Errorf("Expected rate 150 volume 0.9, got %d %v", cfg.Speech.Rate, cfg.Speech.Volume)
	}
	if cfg.Speech.IdleTimeout() != time.Second {
		t.Errorf("Expected 1s idle timeout, got %v", cfg.Speech.IdleTimeout())
	}
	if cfg.Narration.FrameWidth != 1280 {
		t.Errorf("Expected frame width 1280, got %d", cfg.Narration.FrameWidth)
	}
	if cfg.HTTP.Addr != ":5000" {
		t.Errorf("Expected addr :5000, got %q", cfg.HTTP.Addr)
	}
	if cfg.ShutdownTimeout() != 5*time.Second {
		t.Errorf("Expected 5s shutdown timeout, got %v", cfg.ShutdownTimeout())
	}
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
instance_id: hallway
camera:
  device: 2
  decimation: 3
  autostart: true
analysis:
  backend: subprocess
  enabled: false
  subprocess:
    command: models/run_vision_worker.sh
    args: ["--device", "cpu"]
    faces: true
speech:
  engine: say
  abort_on_interrupt: true
mqtt:
  enabled: true
  broker: tcp://localhost:1883
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Camera.Device != 2 || cfg.Camera.Decimation != 3 || !cfg.Camera.AutoStart {
		t.Errorf("Unexpected camera config %+v", cfg.Camera)
	}
	if cfg.AnalysisEnabled() {
		t.Error("Expected analysis disabled")
	}
	if cfg.Analysis.Subprocess.Command != "models/run_vision_worker.sh" || len(cfg.Analysis.Subprocess.Args) != 2 {
		t.Errorf("Unexpected subprocess config %+v", cfg.Analysis.Subprocess)
	}
	if !cfg.Speech.AbortOnInterrupt {
		t.Error("Expected abort_on_interrupt")
	}
	if cfg.MQTT.Topics.Control != "vision/control/hallway" {
		t.Errorf("Expected default control topic, got %q", cfg.MQTT.Topics.Control)
	}
	if cfg.MQTT.Topics.Narration != "vision/narration/hallway" {
		t.Errorf("Expected default narration topic, got %q", cfg.MQTT.Topics.Narration)
	}
	if cfg.MQTT.QoS["control"] != 1 {
		t.Errorf("Expected control QoS 1, got %d", cfg.MQTT.QoS["control"])
	}
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing instance", "camera: {}\n", "instance_id is required"},
		{"bad instance", "instance_id: Living Room\n", "instance_id must match"},
		{"bad backend", "instance_id: a\nanalysis: {backend: azure}\n", "analysis.backend"},
		{"subprocess without command", "instance_id: a\nanalysis: {backend: subprocess}\n", "subprocess.command"},
		{"bad threshold", "instance_id: a\nanalysis: {obstacle_threshold: 1.5}\n", "obstacle_threshold"},
		{"bad engine", "instance_id: a\nspeech: {engine: pyttsx3}\n", "speech.engine"},
		{"bad volume", "instance_id: a\nspeech: {volume: 2}\n", "speech.volume"},
		{"mqtt without broker", "instance_id: a\nmqtt: {enabled: true}\n", "mqtt.broker"},
		{"bad jpeg quality", "instance_id: a\ncamera: {jpeg_quality: 150}\n", "jpeg_quality"},
		{"bad log format", "instance_id: a\nlog: {format: xml}\n", "log.format"},
		{"bad yaml", "instance_id: [\n", "failed to parse config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if !cfg.Camera.Mock || cfg.Analysis.Backend != BackendMock || cfg.Speech.Engine != EngineLog {
		t.Errorf("Expected mock camera, mock analysis and log voice, got %+v", cfg)
	}
	if cfg.MQTT.Enabled {
		t.Error("Expected MQTT disabled by default")
	}
}
