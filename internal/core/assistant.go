// Package core wires capture, analysis, narration and speech into the running
// assistant and exposes the operations the HTTP and MQTT surfaces call.
package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harshitnarang21/AI-Vision/internal/analysis"
	"github.com/harshitnarang21/AI-Vision/internal/capture"
	"github.com/harshitnarang21/AI-Vision/internal/config"
	"github.com/harshitnarang21/AI-Vision/internal/control"
	"github.com/harshitnarang21/AI-Vision/internal/emitter"
	"github.com/harshitnarang21/AI-Vision/internal/framebus"
	"github.com/harshitnarang21/AI-Vision/internal/narration"
	"github.com/harshitnarang21/AI-Vision/internal/speech"
	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// ErrEmptyText is returned by Speak for blank messages
var ErrEmptyText = errors.New("core: text is required")

// Audio test utterance, spoken urgently so it cuts through any backlog
const (
	audioTestText     = "Audio test. If you can hear this, the audio service is working correctly."
	audioTestPriority = 10
)

// Components are the pluggable edges of the assistant. Zero fields are built
// from configuration.
type Components struct {
	Opener       capture.DeviceOpener
	Collaborator analysis.Collaborator
	Faces        analysis.FaceDetector
	Voice        speech.Voice
}

// EventType tags live events
type EventType string

const (
	EventAnalysis  EventType = "analysis"
	EventNarration EventType = "narration"
	EventSpeech    EventType = "speech"
)

// Event is broadcast to listeners for every analysis result and every message
// handed to the speech queue
type Event struct {
	Type      EventType               `json:"type"`
	Result    *types.AnalysisResult   `json:"result,omitempty"`
	Narration *types.NarrationMessage `json:"narration,omitempty"`
	ResultID  string                  `json:"result_id,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
}

// Listener receives live events. OnEvent must not block.
type Listener interface {
	OnEvent(ev Event)
}

// Assistant is the main service orchestrator
type Assistant struct {
	cfg    *config.Config
	logger *slog.Logger

	source     *capture.Source
	dispatcher *analysis.Dispatcher
	planner    narration.Planner
	queue      *speech.Queue
	collab     analysis.Collaborator

	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler

	listenersMu sync.RWMutex
	listeners   []Listener

	// processing gates live analysis of decimated frames
	processing atomic.Bool

	mu        sync.RWMutex
	wg        sync.WaitGroup
	started   time.Time
	isRunning bool
	runCtx    context.Context
	cancelCtx context.CancelFunc
}

// NewAssistant builds an assistant whose components all come from cfg
func NewAssistant(cfg *config.Config) (*Assistant, error) {
	return NewAssistantWith(cfg, Components{})
}

// NewAssistantWith builds an assistant, filling any zero component from cfg
func NewAssistantWith(cfg *config.Config, comps Components) (*Assistant, error) {
	if cfg == nil {
		return nil, fmt.Errorf("core: config is required")
	}
	logger := slog.Default()

	if comps.Opener == nil {
		comps.Opener = openerFor(cfg.Camera)
	}
	if comps.Collaborator == nil {
		collab, faces, err := collaboratorFor(cfg.Analysis, logger)
		if err != nil {
			return nil, err
		}
		comps.Collaborator = collab
		if comps.Faces == nil {
			comps.Faces = faces
		}
	}
	if comps.Voice == nil {
		voice, err := voiceFor(cfg.Speech, logger)
		if err != nil {
			return nil, err
		}
		comps.Voice = voice
	}

	source, err := capture.NewSource(capture.SourceConfig{
		Width:       cfg.Camera.Width,
		Height:      cfg.Camera.Height,
		FPS:         cfg.Camera.FPS,
		Decimation:  cfg.Camera.Decimation,
		JPEGQuality: cfg.Camera.JPEGQuality,
		Reconnect: capture.ReconnectConfig{
			MaxRetries:    cfg.Camera.Reconnect.MaxRetries,
			RetryDelay:    time.Duration(cfg.Camera.Reconnect.RetryDelayMS) * time.Millisecond,
			MaxRetryDelay: time.Duration(cfg.Camera.Reconnect.MaxRetryDelayMS) * time.Millisecond,
		},
	}, comps.Opener, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture source: %w", err)
	}

	dispatcher, err := analysis.NewDispatcher(analysis.DispatcherConfig{
		JPEGQuality: cfg.Camera.JPEGQuality,
		FaceEvery:   cfg.Analysis.FaceEvery,
		CallTimeout: cfg.Analysis.CallTimeout(),
		Obstacles: analysis.ObstaclePolicy{
			Threshold: cfg.Analysis.ObstacleThreshold,
			Keywords:  cfg.Analysis.ObstacleKeywords,
		},
		AccessDisabledLogEvery: cfg.Analysis.AccessDisabledLogEvery,
		RateLimitedLogEvery:    cfg.Analysis.RateLimitedLogEvery,
	}, comps.Collaborator, comps.Faces, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dispatcher: %w", err)
	}

	a := &Assistant{
		cfg:    cfg,
		logger: logger.With("component", "core"),
		source: source,
		planner: narration.Planner{
			Threshold:  cfg.Analysis.ObstacleThreshold,
			FrameWidth: cfg.Narration.FrameWidth,
			MaxObjects: cfg.Narration.MaxObjects,
			MaxTags:    cfg.Narration.MaxTags,
			MaxTextLen: cfg.Narration.MaxTextLen,
		},
		dispatcher: dispatcher,
		queue: speech.NewQueue(comps.Voice, speech.QueueConfig{
			IdleTimeout:      cfg.Speech.IdleTimeout(),
			AbortOnInterrupt: cfg.Speech.AbortOnInterrupt,
		}, logger),
		collab: comps.Collaborator,
	}
	if cfg.MQTT.Enabled {
		a.emitter = emitter.NewMQTTEmitter(cfg)
	}
	a.processing.Store(cfg.AnalysisEnabled())

	source.Register(capture.FrameConsumerFunc(a.onFrame))
	dispatcher.AddSink(analysis.ResultSinkFunc(a.onResult))

	a.logger.Info("assistant initialized",
		"instance_id", cfg.InstanceID,
		"backend", cfg.Analysis.Backend,
		"speech_engine", cfg.Speech.Engine,
		"mqtt", cfg.MQTT.Enabled,
		"processing", a.processing.Load(),
	)
	return a, nil
}

func openerFor(cfg config.CameraConfig) capture.DeviceOpener {
	if cfg.Mock {
		return capture.NewMockOpener(cfg.MockDevices)
	}
	return capture.OpenGStreamer
}

func collaboratorFor(cfg config.AnalysisConfig, logger *slog.Logger) (analysis.Collaborator, analysis.FaceDetector, error) {
	switch cfg.Backend {
	case config.BackendSubprocess:
		sp, err := analysis.NewSubprocess(analysis.SubprocessConfig{
			Command: cfg.Subprocess.Command,
			Args:    cfg.Subprocess.Args,
			Env:     cfg.Subprocess.Env,
			Faces:   cfg.Subprocess.Faces,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return sp, sp.FaceDetector(), nil
	case config.BackendOllama:
		o, err := analysis.NewOllama(context.Background(), analysis.OllamaConfig{
			BaseURL: cfg.Ollama.BaseURL,
			Port:    cfg.Ollama.Port,
			Model:   cfg.Ollama.Model,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return o, nil, nil
	default:
		m := &analysis.Mock{}
		return m, m, nil
	}
}

func voiceFor(cfg config.SpeechConfig, logger *slog.Logger) (speech.Voice, error) {
	if cfg.Engine == config.EngineLog {
		return speech.LogVoice{Logger: logger}, nil
	}
	return speech.NewEngineVoice(cfg.Engine, cfg.Rate, cfg.Volume)
}

// AddListener registers a live event listener
func (a *Assistant) AddListener(l Listener) {
	a.listenersMu.Lock()
	a.listeners = append(a.listeners, l)
	a.listenersMu.Unlock()
}

// Run starts the assistant and blocks until ctx is cancelled or a shutdown
// command arrives
func (a *Assistant) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.isRunning {
		a.mu.Unlock()
		return fmt.Errorf("assistant already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	a.runCtx = ctx
	a.cancelCtx = cancel
	a.isRunning = true
	a.started = time.Now()
	a.mu.Unlock()

	a.logger.Info("starting assistant", "instance_id", a.cfg.InstanceID)

	if a.emitter != nil {
		if err := a.emitter.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect mqtt: %w", err)
		}

		a.controlHandler = control.NewHandler(a.cfg, a.emitter.Client, a.commandCallbacks())
		if err := a.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.publishHealth(ctx, a.cfg.MQTT.HealthInterval())
		}()
	}

	if err := a.dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start dispatcher: %w", err)
	}

	if a.cfg.Camera.AutoStart {
		if err := a.StartCamera(a.cfg.Camera.Device); err != nil {
			// The camera can still be started on request
			a.logger.Warn("camera autostart failed", "device", a.cfg.Camera.Device, "error", err)
		}
	}

	a.logger.Info("assistant running",
		"camera_active", a.source.Running(),
		"processing", a.processing.Load(),
	)

	<-ctx.Done()

	a.logger.Info("assistant run loop exiting")
	return nil
}

// Shutdown stops every component in dependency order and lets queued speech
// finish within ctx
func (a *Assistant) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	if !a.isRunning {
		a.mu.Unlock()
		return nil
	}
	cancel := a.cancelCtx
	a.mu.Unlock()

	a.logger.Info("shutting down assistant")

	// 1. Stop capture so no new frames reach the dispatcher
	if err := a.source.Stop(); err != nil {
		a.logger.Error("failed to stop capture", "error", err)
	}

	// 2. Let the in-flight analysis finish
	if err := a.dispatcher.Stop(); err != nil {
		a.logger.Error("failed to stop dispatcher", "error", err)
	}

	// 3. Stop control plane
	if a.controlHandler != nil {
		if err := a.controlHandler.Stop(); err != nil {
			a.logger.Error("failed to stop control handler", "error", err)
		}
	}

	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	// 4. Speak what is left
	if err := a.queue.DrainAndStop(ctx); err != nil {
		a.logger.Warn("speech backlog discarded at shutdown", "error", err)
	}

	if c, ok := a.collab.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Error("failed to close analysis backend", "error", err)
		}
	}

	// 5. Disconnect MQTT
	if a.emitter != nil {
		if err := a.emitter.Disconnect(); err != nil {
			a.logger.Error("failed to disconnect mqtt", "error", err)
		}
	}

	a.mu.Lock()
	uptime := time.Since(a.started)
	a.isRunning = false
	a.mu.Unlock()

	a.logger.Info("assistant shutdown complete", "uptime", uptime)
	return nil
}

// ShutdownTimeout returns the configured graceful shutdown budget
func (a *Assistant) ShutdownTimeout() time.Duration {
	if t := a.cfg.ShutdownTimeout(); t > 0 {
		return t
	}
	return 5 * time.Second
}

// baseContext is the context capture runs under
func (a *Assistant) baseContext() context.Context {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.runCtx != nil {
		return a.runCtx
	}
	return context.Background()
}

// onFrame receives decimated frames from the capture source
func (a *Assistant) onFrame(frame *types.Frame) error {
	if !a.processing.Load() {
		return nil
	}
	return a.dispatcher.OnFrame(frame)
}

// onResult plans narration for a result and fans it out
func (a *Assistant) onResult(result *types.AnalysisResult) {
	if a.emitter != nil {
		if err := a.emitter.PublishAnalysis(result); err != nil {
			a.logger.Debug("failed to publish analysis", "result_id", result.ID, "error", err)
		}
	}
	a.broadcast(Event{Type: EventAnalysis, Result: result, ResultID: result.ID})

	for _, msg := range a.planner.Plan(result) {
		a.say(msg, result.ID, EventNarration)
	}
}

// say enqueues one message and reports it to MQTT and listeners
func (a *Assistant) say(msg types.NarrationMessage, resultID string, kind EventType) error {
	if err := a.queue.Enqueue(msg.Text, msg.Priority, msg.Interrupt); err != nil {
		a.logger.Warn("failed to enqueue speech", "priority", msg.Priority, "error", err)
		return err
	}
	if a.emitter != nil {
		if err := a.emitter.PublishNarration(msg, resultID); err != nil {
			a.logger.Debug("failed to publish narration", "error", err)
		}
	}
	m := msg
	a.broadcast(Event{Type: kind, Narration: &m, ResultID: resultID})
	return nil
}

func (a *Assistant) broadcast(ev Event) {
	ev.Timestamp = time.Now()

	a.listenersMu.RLock()
	listeners := make([]Listener, len(a.listeners))
	copy(listeners, a.listeners)
	a.listenersMu.RUnlock()

	for _, l := range listeners {
		l.OnEvent(ev)
	}
}

// StartCamera (re)starts capture on the device at index. A running capture is
// stopped first.
func (a *Assistant) StartCamera(index int) error {
	if index < 0 {
		return fmt.Errorf("%w: index %d", capture.ErrDeviceUnavailable, index)
	}
	// A timed-out stop leaves the old loop holding the device; Start reports it
	if err := a.source.Stop(); err != nil && !errors.Is(err, capture.ErrStopTimeout) {
		return err
	}
	return a.source.Start(a.baseContext(), index)
}

// StopCamera stops capture. Stopping a stopped camera is a no-op.
func (a *Assistant) StopCamera() error {
	return a.source.Stop()
}

// LatestFrame returns the most recent capture encoded for transport. It fails
// with framebus.ErrNoFrame before the first capture.
func (a *Assistant) LatestFrame() (*framebus.Snapshot, error) {
	return a.source.Snapshot()
}

// LatestResult returns the most recent analysis result, or nil
func (a *Assistant) LatestResult() *types.AnalysisResult {
	return a.dispatcher.LastResult()
}

// Speak enqueues an ad-hoc message
func (a *Assistant) Speak(text string, priority int, interrupt bool) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyText
	}
	return a.say(types.NarrationMessage{Text: text, Priority: priority, Interrupt: interrupt}, "", EventSpeech)
}

// TestAudio speaks a fixed phrase that interrupts anything queued
func (a *Assistant) TestAudio() error {
	return a.Speak(audioTestText, audioTestPriority, true)
}

// AnalyzeImage analyzes caller-supplied image bytes. Successful and collaborator
// failure results are narrated and published like live ones; undecodable input
// yields a decode_failure result that is not.
func (a *Assistant) AnalyzeImage(ctx context.Context, data []byte) *types.AnalysisResult {
	return a.dispatcher.AnalyzeImage(ctx, data)
}

// AnalyzeLatest analyzes the most recent capture on demand
func (a *Assistant) AnalyzeLatest(ctx context.Context) (*types.AnalysisResult, error) {
	frame := a.source.LatestFrame()
	if frame == nil {
		return nil, framebus.ErrNoFrame
	}
	return a.dispatcher.Analyze(ctx, frame), nil
}

// SetProcessing enables or disables live analysis of decimated frames.
// Capture keeps running either way.
func (a *Assistant) SetProcessing(enabled bool) {
	if a.processing.Swap(enabled) != enabled {
		a.logger.Info("live analysis toggled", "enabled", enabled)
	}
}

// Processing reports whether live analysis is enabled
func (a *Assistant) Processing() bool {
	return a.processing.Load()
}
