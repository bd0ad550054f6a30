package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete visiond configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Camera           CameraConfig    `yaml:"camera"`
	Analysis         AnalysisConfig  `yaml:"analysis"`
	Narration        NarrationConfig `yaml:"narration"`
	Speech           SpeechConfig    `yaml:"speech"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
	HTTP             HTTPConfig      `yaml:"http"`
	Log              LogConfig       `yaml:"log"`
}

// CameraConfig contains capture settings
type CameraConfig struct {
	Device      int  `yaml:"device"`       // /dev/videoN index used by autostart
	AutoStart   bool `yaml:"autostart"`    // start capturing at boot
	Mock        bool `yaml:"mock"`         // synthetic frames instead of a real device
	MockDevices int  `yaml:"mock_devices"` // number of valid mock indexes (default: 1)
	Width       int  `yaml:"width"`        // resolution hint
	Height      int  `yaml:"height"`
	FPS         int  `yaml:"fps"`          // capture rate hint
	Decimation  int  `yaml:"decimation"`   // analyze every Nth frame (default: 2)
	JPEGQuality int  `yaml:"jpeg_quality"` // transport encoding (default: 85)

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig contains device reopen settings
type ReconnectConfig struct {
	MaxRetries      int `yaml:"max_retries"`
	RetryDelayMS    int `yaml:"retry_delay_ms"`
	MaxRetryDelayMS int `yaml:"max_retry_delay_ms"`
}

// AnalysisConfig contains analysis collaborator settings
type AnalysisConfig struct {
	Backend           string   `yaml:"backend"` // subprocess, ollama, mock
	Enabled           *bool    `yaml:"enabled"` // live analysis of decimated frames (default: true)
	ObstacleThreshold float64  `yaml:"obstacle_threshold"`
	ObstacleKeywords  []string `yaml:"obstacle_keywords"`
	FaceEvery         int      `yaml:"face_every"` // detect faces every Kth analysis (default: 10)
	TimeoutMS         int      `yaml:"timeout_ms"` // per collaborator call

	// Recurring failures are logged once every N occurrences
	AccessDisabledLogEvery int `yaml:"access_disabled_log_every"`
	RateLimitedLogEvery    int `yaml:"rate_limited_log_every"`

	Subprocess SubprocessConfig `yaml:"subprocess"`
	Ollama     OllamaConfig     `yaml:"ollama"`
}

// SubprocessConfig defines the external vision worker process
type SubprocessConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Faces   bool     `yaml:"faces"` // worker can detect faces
}

// OllamaConfig defines the local vision model server
type OllamaConfig struct {
	BaseURL string `yaml:"base_url"`
	Port    int    `yaml:"port"`
	Model   string `yaml:"model"`
}

// NarrationConfig contains narration rule tunables
type NarrationConfig struct {
	FrameWidth int `yaml:"frame_width"` // reference width for left/right (default: 1280)
	MaxObjects int `yaml:"max_objects"`
	MaxTags    int `yaml:"max_tags"`
	MaxTextLen int `yaml:"max_text_len"`
}

// SpeechConfig contains voice settings
type SpeechConfig struct {
	Engine           string  `yaml:"engine"` // espeak, espeak-ng, say, spd-say, log
	Rate             int     `yaml:"rate"`   // words per minute
	Volume           float64 `yaml:"volume"` // 0.0 - 1.0
	IdleTimeoutMS    int     `yaml:"idle_timeout_ms"`
	AbortOnInterrupt bool    `yaml:"abort_on_interrupt"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool            `yaml:"enabled"`
	Broker          string          `yaml:"broker"`
	Topics          MQTTTopics      `yaml:"topics"`
	QoS             map[string]byte `yaml:"qos"`
	HealthIntervalS int             `yaml:"health_interval_s"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control   string `yaml:"control"`
	Responses string `yaml:"responses"`
	Analysis  string `yaml:"analysis"`
	Narration string `yaml:"narration"`
	Health    string `yaml:"health"`
}

// HTTPConfig contains the request API settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	// AllowedOrigins lists extra browser origins for /ws/narration, e.g.
	// "http://localhost:3000". The serving host is always allowed.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate configuration
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a validated configuration for running without a file:
// mock camera, mock analysis, voice to the log
func Default() *Config {
	cfg := &Config{
		InstanceID: "visiond",
		Camera:     CameraConfig{Mock: true},
		Analysis:   AnalysisConfig{Backend: BackendMock},
		Speech:     SpeechConfig{Engine: EngineLog},
	}
	if err := Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// AnalysisEnabled reports whether decimated frames are analyzed at startup
func (c *Config) AnalysisEnabled() bool {
	return c.Analysis.Enabled == nil || *c.Analysis.Enabled
}

// CallTimeout returns the per-call analysis timeout
func (a AnalysisConfig) CallTimeout() time.Duration {
	return time.Duration(a.TimeoutMS) * time.Millisecond
}

// IdleTimeout returns how long the speech worker lingers
func (s SpeechConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMS) * time.Millisecond
}

// HealthInterval returns the MQTT health publish period
func (m MQTTConfig) HealthInterval() time.Duration {
	return time.Duration(m.HealthIntervalS) * time.Second
}
