package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Analysis backends
const (
	BackendSubprocess = "subprocess"
	BackendOllama     = "ollama"
	BackendMock       = "mock"
)

// Speech engines besides the external TTS programs
const (
	EngineLog = "log"
)

var knownEngines = map[string]bool{
	"espeak":    true,
	"espeak-ng": true,
	"say":       true,
	"spd-say":   true,
	EngineLog:   true,
}

// Validate checks if the configuration is valid and fills defaults
func Validate(cfg *Config) error {
	// Validate instance_id
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateCamera(&cfg.Camera); err != nil {
		return err
	}
	if err := validateAnalysis(&cfg.Analysis); err != nil {
		return err
	}
	validateNarration(&cfg.Narration)
	if err := validateSpeech(&cfg.Speech); err != nil {
		return err
	}
	if err := validateMQTT(&cfg.MQTT, cfg.InstanceID); err != nil {
		return err
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":5000"
	}

	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "text"
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}

	return nil
}

func validateCamera(c *CameraConfig) error {
	if c.Device < 0 {
		return fmt.Errorf("camera.device must be >= 0")
	}
	if c.Width < 0 || c.Height < 0 || c.FPS < 0 {
		return fmt.Errorf("camera.width, camera.height and camera.fps must be >= 0")
	}
	if c.Width == 0 {
		c.Width = 1280
	}
	if c.Height == 0 {
		c.Height = 720
	}
	if c.FPS == 0 {
		c.FPS = 30
	}
	if c.Decimation <= 0 {
		c.Decimation = 2
	}
	if c.MockDevices <= 0 {
		c.MockDevices = 1
	}
	if c.JPEGQuality == 0 {
		c.JPEGQuality = 85
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("camera.jpeg_quality must be in [1, 100], got %d", c.JPEGQuality)
	}

	if c.Reconnect.MaxRetries <= 0 {
		c.Reconnect.MaxRetries = 5
	}
	if c.Reconnect.RetryDelayMS <= 0 {
		c.Reconnect.RetryDelayMS = 500
	}
	if c.Reconnect.MaxRetryDelayMS <= 0 {
		c.Reconnect.MaxRetryDelayMS = 10000
	}
	return nil
}

func validateAnalysis(a *AnalysisConfig) error {
	switch a.Backend {
	case "":
		a.Backend = BackendMock
	case BackendMock, BackendOllama:
	case BackendSubprocess:
		if a.Subprocess.Command == "" {
			return fmt.Errorf("analysis.subprocess.command is required for the subprocess backend")
		}
	default:
		return fmt.Errorf("analysis.backend must be one of subprocess, ollama, mock, got %q", a.Backend)
	}

	if a.ObstacleThreshold == 0 {
		a.ObstacleThreshold = 0.7
	}
	if a.ObstacleThreshold < 0 || a.ObstacleThreshold > 1 {
		return fmt.Errorf("analysis.obstacle_threshold must be in [0, 1], got %v", a.ObstacleThreshold)
	}
	if len(a.ObstacleKeywords) == 0 {
		a.ObstacleKeywords = []string{"person", "vehicle", "furniture", "barrier", "pole", "post"}
	}
	if a.FaceEvery <= 0 {
		a.FaceEvery = 10
	}
	if a.TimeoutMS <= 0 {
		a.TimeoutMS = 15000
	}
	if a.AccessDisabledLogEvery <= 0 {
		a.AccessDisabledLogEvery = 50
	}
	if a.RateLimitedLogEvery <= 0 {
		a.RateLimitedLogEvery = 10
	}

	if a.Ollama.BaseURL == "" {
		a.Ollama.BaseURL = "http://localhost"
	}
	if a.Ollama.Port == 0 {
		a.Ollama.Port = 11434
	}
	if a.Ollama.Model == "" {
		a.Ollama.Model = "llama3.2-vision:11b"
	}
	return nil
}

func validateNarration(n *NarrationConfig) {
	if n.FrameWidth <= 0 {
		n.FrameWidth = 1280
	}
	if n.MaxObjects <= 0 {
		n.MaxObjects = 5
	}
	if n.MaxTags <= 0 {
		n.MaxTags = 5
	}
	if n.MaxTextLen <= 0 {
		n.MaxTextLen = 200
	}
}

func validateSpeech(s *SpeechConfig) error {
	if s.Engine == "" {
		s.Engine = "espeak"
	}
	if !knownEngines[s.Engine] {
		return fmt.Errorf("speech.engine %q is not supported", s.Engine)
	}
	if s.Rate <= 0 {
		s.Rate = 150
	}
	if s.Volume == 0 {
		s.Volume = 0.9
	}
	if s.Volume < 0 || s.Volume > 1 {
		return fmt.Errorf("speech.volume must be in [0, 1], got %v", s.Volume)
	}
	if s.IdleTimeoutMS <= 0 {
		s.IdleTimeoutMS = 1000
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) error {
	if !m.Enabled {
		return nil
	}

	// Validate MQTT broker
	if m.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	// Set default topics if not provided
	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("vision/control/%s", instanceID)
	}
	if m.Topics.Responses == "" {
		m.Topics.Responses = fmt.Sprintf("vision/control/%s/responses", instanceID)
	}
	if m.Topics.Analysis == "" {
		m.Topics.Analysis = fmt.Sprintf("vision/analysis/%s", instanceID)
	}
	if m.Topics.Narration == "" {
		m.Topics.Narration = fmt.Sprintf("vision/narration/%s", instanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("vision/health/%s", instanceID)
	}

	// Set default QoS if not provided
	if m.QoS == nil {
		m.QoS = map[string]byte{
			"control":   1,
			"analysis":  0,
			"narration": 1,
			"health":    0,
		}
	}
	if m.HealthIntervalS <= 0 {
		m.HealthIntervalS = 30
	}
	return nil
}
