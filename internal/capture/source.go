// Package capture owns the camera device and runs the acquisition loop.
//
// A Source reads frames at the device's native pace, keeps the latest one in a
// framebus.Slot, and hands every Nth frame to registered FrameConsumers.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harshitnarang21/AI-Vision/internal/framebus"
	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// stopTimeout bounds how long Stop waits for the acquisition loop
const stopTimeout = 3 * time.Second

// FrameConsumer receives decimated frames. OnFrame is called synchronously on
// the acquisition goroutine, in capture order, with a frame the consumer owns.
type FrameConsumer interface {
	OnFrame(frame *types.Frame) error
}

// FrameConsumerFunc adapts a function to FrameConsumer
type FrameConsumerFunc func(frame *types.Frame) error

// OnFrame implements FrameConsumer
func (f FrameConsumerFunc) OnFrame(frame *types.Frame) error {
	return f(frame)
}

// SourceConfig contains configuration for a capture source
type SourceConfig struct {
	Width  int
	Height int
	FPS    int
	// Decimation is N: consumers run on every Nth successful capture
	Decimation  int
	JPEGQuality int
	Reconnect   ReconnectConfig
}

// SourceStats contains current source statistics
type SourceStats struct {
	Running          bool           `json:"running"`
	DeviceIndex      int            `json:"device_index"`
	FramesCaptured   uint64         `json:"frames_captured"`
	FramesDispatched uint64         `json:"frames_dispatched"`
	ConsumerFailures uint64         `json:"consumer_failures"`
	ReadErrors       uint64         `json:"read_errors"`
	Reconnects       uint32         `json:"reconnects"`
	Decimation       int            `json:"decimation"`
	FPSReal          float64        `json:"fps_real"`
	Uptime           time.Duration  `json:"uptime"`
	Bus              framebus.Stats `json:"bus"`
}

// Source implements the acquisition loop for a single device at a time
type Source struct {
	cfg    SourceConfig
	opener DeviceOpener
	logger *slog.Logger
	bus    *framebus.Slot

	// Lifecycle. done stays set until the loop has exited, even after cancel.
	mu          sync.Mutex
	cancel      context.CancelFunc
	done        chan struct{}
	stopTimeout time.Duration
	deviceIndex int
	started     time.Time
	runFrames   atomic.Uint64 // frames since last Start, for FPS
	running     atomic.Bool

	consumersMu sync.RWMutex
	consumers   []FrameConsumer

	// Sequence and decimation counters survive restarts; only the modulus matters
	seq     atomic.Uint64
	counter atomic.Uint64

	framesCaptured   atomic.Uint64
	framesDispatched atomic.Uint64
	consumerFailures atomic.Uint64
	readErrors       atomic.Uint64
	reconnects       atomic.Uint32
}

// NewSource creates a stopped source with fail-fast validation
func NewSource(cfg SourceConfig, opener DeviceOpener, logger *slog.Logger) (*Source, error) {
	if opener == nil {
		return nil, fmt.Errorf("capture: device opener is required")
	}
	if cfg.Decimation < 1 {
		return nil, fmt.Errorf("capture: invalid decimation %d (must be >= 1)", cfg.Decimation)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, fmt.Errorf("capture: invalid resolution %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.Reconnect.MaxRetryDelay == 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Source{
		cfg:         cfg,
		opener:      opener,
		logger:      logger.With("component", "capture"),
		bus:         framebus.New(),
		deviceIndex: -1,
		stopTimeout: stopTimeout,
	}, nil
}

// Register adds a consumer for decimated frames. Safe to call at any time.
func (s *Source) Register(c FrameConsumer) {
	s.consumersMu.Lock()
	s.consumers = append(s.consumers, c)
	s.consumersMu.Unlock()
}

// Start opens the device at deviceIndex and launches the acquisition loop.
// Open failures wrap ErrDeviceUnavailable.
func (s *Source) Start(ctx context.Context, deviceIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	if s.done != nil {
		select {
		case <-s.done:
			s.done = nil
		default:
			return fmt.Errorf("%w: index %d: previous acquisition loop still owns the device", ErrDeviceUnavailable, s.deviceIndex)
		}
	}

	devCfg := s.deviceConfig(deviceIndex)
	dev, err := s.opener(devCfg)
	if err != nil {
		s.logger.Warn("capture: failed to open device", "device", deviceIndex, "error", err)
		return fmt.Errorf("%w: index %d: %v", ErrDeviceUnavailable, deviceIndex, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.deviceIndex = deviceIndex
	s.started = time.Now()
	s.runFrames.Store(0)
	s.running.Store(true)

	go s.acquire(runCtx, dev, devCfg, s.done)

	s.logger.Info("capture: source started",
		"device", deviceIndex,
		"resolution", fmt.Sprintf("%dx%d", s.cfg.Width, s.cfg.Height),
		"fps", s.cfg.FPS,
		"decimation", s.cfg.Decimation,
	)
	return nil
}

// Stop terminates the acquisition loop and releases the device.
//
// Idempotent: stopping a stopped source returns nil. After Stop, Start may be
// called again with the same or a different index. The wait happens outside
// the lifecycle lock; if the loop does not exit within the stop timeout,
// ErrStopTimeout is returned and a later Stop waits again.
func (s *Source) Stop() error {
	s.mu.Lock()
	if s.cancel == nil && s.done == nil {
		s.mu.Unlock()
		s.logger.Debug("capture: source not started, nothing to stop")
		return nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	done := s.done
	index := s.deviceIndex
	started := s.started
	timeout := s.stopTimeout
	s.mu.Unlock()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("capture: stop timeout exceeded, acquisition loop still running", "device", index)
		return ErrStopTimeout
	}

	s.mu.Lock()
	if s.done == done {
		s.done = nil
	}
	s.mu.Unlock()
	s.running.Store(false)

	s.logger.Info("capture: source stopped",
		"device", index,
		"frames_captured", s.runFrames.Load(),
		"uptime", time.Since(started),
	)
	return nil
}

// LatestFrame returns a copy of the most recent capture, or nil
func (s *Source) LatestFrame() *types.Frame {
	return s.bus.Latest()
}

// Snapshot encodes the most recent capture for transport
func (s *Source) Snapshot() (*framebus.Snapshot, error) {
	return framebus.NewSnapshot(s.bus.Latest(), s.cfg.JPEGQuality)
}

// Running reports whether the acquisition loop is alive
func (s *Source) Running() bool {
	return s.running.Load()
}

// Stats returns current source statistics
func (s *Source) Stats() SourceStats {
	s.mu.Lock()
	index := s.deviceIndex
	started := s.started
	s.mu.Unlock()

	running := s.running.Load()
	var uptime time.Duration
	var fps float64
	if running && !started.IsZero() {
		uptime = time.Since(started)
		if secs := uptime.Seconds(); secs > 0 {
			fps = float64(s.runFrames.Load()) / secs
		}
	}

	return SourceStats{
		Running:          running,
		DeviceIndex:      index,
		FramesCaptured:   s.framesCaptured.Load(),
		FramesDispatched: s.framesDispatched.Load(),
		ConsumerFailures: s.consumerFailures.Load(),
		ReadErrors:       s.readErrors.Load(),
		Reconnects:       s.reconnects.Load(),
		Decimation:       s.cfg.Decimation,
		FPSReal:          fps,
		Uptime:           uptime,
		Bus:              s.bus.Stats(),
	}
}

func (s *Source) deviceConfig(index int) DeviceConfig {
	return DeviceConfig{
		Index:  index,
		Width:  s.cfg.Width,
		Height: s.cfg.Height,
		FPS:    s.cfg.FPS,
	}
}

// acquire is the acquisition loop. It owns dev and closes it on exit.
func (s *Source) acquire(ctx context.Context, dev Device, devCfg DeviceConfig, done chan struct{}) {
	defer close(done)
	defer func() {
		if dev != nil {
			if err := dev.Close(); err != nil {
				s.logger.Error("capture: failed to close device", "device", devCfg.Index, "error", err)
			}
		}
	}()

	for {
		frame, err := dev.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.readErrors.Add(1)

			category := ErrCategoryUnknown
			var rerr *ReadError
			if errors.As(err, &rerr) {
				category = rerr.Category
			}
			s.logger.Error("capture: device read failed",
				"device", devCfg.Index,
				"category", category.String(),
				"error", err,
			)

			dev, err = s.reopen(ctx, dev, devCfg)
			if err != nil {
				if ctx.Err() == nil {
					s.logger.Error("capture: acquisition stopped after reopen failure",
						"device", devCfg.Index,
						"error", err,
					)
					s.running.Store(false)
				}
				return
			}
			continue
		}

		s.handleFrame(frame)
	}
}

// reopen closes the failed device and opens it again with exponential backoff
func (s *Source) reopen(ctx context.Context, dev Device, devCfg DeviceConfig) (Device, error) {
	if err := dev.Close(); err != nil {
		s.logger.Debug("capture: close before reopen failed", "error", err)
	}

	var fresh Device
	err := runWithReconnect(ctx, func(ctx context.Context) error {
		d, err := s.opener(devCfg)
		if err != nil {
			return err
		}
		fresh = d
		return nil
	}, s.cfg.Reconnect, func() { s.reconnects.Add(1) }, s.logger)

	if err != nil {
		return nil, err
	}
	return fresh, nil
}

// handleFrame stores the frame, advances the decimation counter, and runs
// consumers on every Nth frame
func (s *Source) handleFrame(frame *types.Frame) {
	frame.Seq = s.seq.Add(1)
	if frame.TraceID == "" {
		frame.TraceID = uuid.New().String()
	}

	s.bus.Store(frame)
	s.framesCaptured.Add(1)
	s.runFrames.Add(1)

	if s.counter.Add(1)%uint64(s.cfg.Decimation) != 0 {
		return
	}
	s.framesDispatched.Add(1)

	s.consumersMu.RLock()
	consumers := make([]FrameConsumer, len(s.consumers))
	copy(consumers, s.consumers)
	s.consumersMu.RUnlock()

	for _, c := range consumers {
		s.notify(c, frame.Clone())
	}
}

// notify runs one consumer behind a recover boundary
func (s *Source) notify(c FrameConsumer, frame *types.Frame) {
	defer func() {
		if r := recover(); r != nil {
			s.consumerFailures.Add(1)
			s.logger.Error("capture: frame consumer panicked",
				"seq", frame.Seq,
				"trace_id", frame.TraceID,
				"panic", r,
			)
		}
	}()

	if err := c.OnFrame(frame); err != nil {
		s.consumerFailures.Add(1)
		s.logger.Warn("capture: frame consumer failed",
			"seq", frame.Seq,
			"trace_id", frame.TraceID,
			"error", err,
		)
	}
}
