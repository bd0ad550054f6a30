package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// scriptedDevice returns frames pushed on its channel, one per Read
type scriptedDevice struct {
	frames chan *types.Frame
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

func newScriptedDevice() *scriptedDevice {
	return &scriptedDevice{
		frames: make(chan *types.Frame),
		done:   make(chan struct{}),
	}
}

func (d *scriptedDevice) Read(ctx context.Context) (*types.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-d.done:
		return nil, ErrDeviceClosed
	case f := <-d.frames:
		if f == nil {
			return nil, &ReadError{Category: ErrCategoryDevice, Err: errors.New("unplugged")}
		}
		return f, nil
	}
}

func (d *scriptedDevice) Close() error {
	d.once.Do(func() {
		d.closed.Store(true)
		close(d.done)
	})
	return nil
}

// push delivers a frame to the acquisition loop, failing the test on timeout
func (d *scriptedDevice) push(t *testing.T, f *types.Frame) {
	t.Helper()
	select {
	case d.frames <- f:
	case <-time.After(time.Second):
		t.Fatal("Timeout pushing frame to device")
	}
}

type recordingConsumer struct {
	mu   sync.Mutex
	seqs []uint64
}

func (r *recordingConsumer) OnFrame(f *types.Frame) error {
	r.mu.Lock()
	r.seqs = append(r.seqs, f.Seq)
	r.mu.Unlock()
	return nil
}

func (r *recordingConsumer) got() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, len(r.seqs))
	copy(out, r.seqs)
	return out
}

func testFrame() *types.Frame {
	return &types.Frame{Width: 2, Height: 2, Data: make([]byte, 12)}
}

func newTestSource(t *testing.T, decimation int, opener DeviceOpener) *Source {
	t.Helper()
	s, err := NewSource(SourceConfig{Width: 2, Height: 2, FPS: 30, Decimation: decimation}, opener, nil)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	return s
}

func singleDeviceOpener(dev Device) DeviceOpener {
	return func(cfg DeviceConfig) (Device, error) {
		if cfg.Index != 0 {
			return nil, fmt.Errorf("no device %d", cfg.Index)
		}
		return dev, nil
	}
}

// waitFor polls cond until it holds or the deadline passes
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Timeout waiting for %s", what)
}

func TestNewSource_Validation(t *testing.T) {
	opener := NewMockOpener(1)
	tests := []struct {
		name   string
		cfg    SourceConfig
		opener DeviceOpener
	}{
		{"nil opener", SourceConfig{Width: 2, Height: 2, Decimation: 1}, nil},
		{"zero decimation", SourceConfig{Width: 2, Height: 2, Decimation: 0}, opener},
		{"bad resolution", SourceConfig{Width: 0, Height: 2, Decimation: 1}, opener},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewSource(tt.cfg, tt.opener, nil); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}

// TestSource_Decimation verifies consumers fire on exactly every 2nd capture.
func TestSource_Decimation(t *testing.T) {
	dev := newScriptedDevice()
	s := newTestSource(t, 2, singleDeviceOpener(dev))
	rec := &recordingConsumer{}
	s.Register(rec)

	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	for i := 0; i < 7; i++ {
		dev.push(t, testFrame())
	}
	waitFor(t, "7 captures", func() bool { return s.Stats().FramesCaptured == 7 })
	waitFor(t, "3 dispatches", func() bool { return len(rec.got()) == 3 })

	got := rec.got()
	want := []uint64{2, 4, 6}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected dispatched seq %v, got %v", want, got)
			break
		}
	}
	if d := s.Stats().FramesDispatched; d != 3 {
		t.Errorf("Expected 3 dispatched, got %d", d)
	}
}

// TestSource_ConsumerIsolation verifies a panicking or failing consumer does
// not stop other consumers or the next capture.
func TestSource_ConsumerIsolation(t *testing.T) {
	dev := newScriptedDevice()
	s := newTestSource(t, 1, singleDeviceOpener(dev))

	s.Register(FrameConsumerFunc(func(*types.Frame) error { panic("boom") }))
	s.Register(FrameConsumerFunc(func(*types.Frame) error { return errors.New("failed") }))
	rec := &recordingConsumer{}
	s.Register(rec)

	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	dev.push(t, testFrame())
	dev.push(t, testFrame())
	waitFor(t, "both frames", func() bool { return len(rec.got()) == 2 })

	if f := s.Stats().ConsumerFailures; f != 4 {
		t.Errorf("Expected 4 consumer failures, got %d", f)
	}
}

// TestSource_ConsumerGetsIndependentCopy verifies consumers cannot corrupt the latest frame.
func TestSource_ConsumerGetsIndependentCopy(t *testing.T) {
	dev := newScriptedDevice()
	s := newTestSource(t, 1, singleDeviceOpener(dev))
	s.Register(FrameConsumerFunc(func(f *types.Frame) error {
		f.Data[0] = 0xAA
		return nil
	}))

	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	dev.push(t, testFrame())
	waitFor(t, "capture", func() bool { return s.Stats().FramesDispatched == 1 })

	latest := s.LatestFrame()
	if latest == nil {
		t.Fatal("Expected latest frame")
	}
	if latest.Data[0] != 0 {
		t.Errorf("Expected latest frame untouched by consumer, got %#x", latest.Data[0])
	}
}

func TestSource_StartUnavailableDevice(t *testing.T) {
	s := newTestSource(t, 2, NewMockOpener(1))

	err := s.Start(context.Background(), 3)
	if !errors.Is(err, ErrDeviceUnavailable) {
		t.Fatalf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if s.Running() {
		t.Error("Expected source not running after failed start")
	}

	// Caller may retry with another index
	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Expected retry on index 0 to succeed, got %v", err)
	}
	s.Stop()
}

// TestSource_StopIdempotentAndRestartable verifies Stop semantics.
func TestSource_StopIdempotentAndRestartable(t *testing.T) {
	s := newTestSource(t, 1, NewMockOpener(2))

	if err := s.Stop(); err != nil {
		t.Errorf("Stop on never-started source failed: %v", err)
	}

	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(context.Background(), 0); !errors.Is(err, ErrAlreadyStarted) {
		t.Errorf("Expected ErrAlreadyStarted, got %v", err)
	}
	waitFor(t, "a capture", func() bool { return s.LatestFrame() != nil })

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
	if s.Running() {
		t.Error("Expected source stopped")
	}

	before := s.Stats().FramesCaptured
	if err := s.Start(context.Background(), 1); err != nil {
		t.Fatalf("Restart on a different index failed: %v", err)
	}
	defer s.Stop()
	waitFor(t, "captures after restart", func() bool { return s.Stats().FramesCaptured > before })

	if idx := s.Stats().DeviceIndex; idx != 1 {
		t.Errorf("Expected device index 1, got %d", idx)
	}
}

func TestSource_StopReleasesDevice(t *testing.T) {
	dev := newScriptedDevice()
	s := newTestSource(t, 1, singleDeviceOpener(dev))

	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	s.Stop()

	if !dev.closed.Load() {
		t.Error("Expected device closed after Stop")
	}
}

// stuckDevice ignores cancellation until released, like a driver wedged in a read
type stuckDevice struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	closed  atomic.Bool
}

func (d *stuckDevice) Read(ctx context.Context) (*types.Frame, error) {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return nil, ctx.Err()
}

func (d *stuckDevice) Close() error {
	d.closed.Store(true)
	return nil
}

// TestSource_StopTimeout verifies a wedged loop neither blocks Stats nor lets
// Start reopen the device it still owns.
func TestSource_StopTimeout(t *testing.T) {
	dev := &stuckDevice{entered: make(chan struct{}), release: make(chan struct{})}
	var opens atomic.Int32
	s := newTestSource(t, 1, func(cfg DeviceConfig) (Device, error) {
		opens.Add(1)
		return dev, nil
	})
	s.stopTimeout = 300 * time.Millisecond

	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	<-dev.entered

	stopErr := make(chan error, 1)
	go func() { stopErr <- s.Stop() }()

	time.Sleep(50 * time.Millisecond)
	start := time.Now()
	s.Stats()
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Expected Stats not to wait on Stop, took %v", elapsed)
	}

	if err := <-stopErr; !errors.Is(err, ErrStopTimeout) {
		t.Fatalf("Expected ErrStopTimeout, got %v", err)
	}
	if err := s.Start(context.Background(), 0); !errors.Is(err, ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable while the old loop runs, got %v", err)
	}
	if n := opens.Load(); n != 1 {
		t.Errorf("Expected 1 device open, got %d", n)
	}

	close(dev.release)
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop after release failed: %v", err)
	}
	if !dev.closed.Load() {
		t.Error("Expected device closed once the loop exited")
	}
	if s.Running() {
		t.Error("Expected source stopped")
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop on stopped source failed: %v", err)
	}
}

// TestSource_ReopensAfterReadError verifies the loop reopens the device and keeps capturing.
func TestSource_ReopensAfterReadError(t *testing.T) {
	first := newScriptedDevice()
	second := newScriptedDevice()
	var opens atomic.Int32
	opener := func(cfg DeviceConfig) (Device, error) {
		if opens.Add(1) == 1 {
			return first, nil
		}
		return second, nil
	}

	s, err := NewSource(SourceConfig{
		Width: 2, Height: 2, Decimation: 1,
		Reconnect: ReconnectConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 5 * time.Millisecond},
	}, opener, nil)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}

	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer s.Stop()

	first.push(t, nil) // read error
	second.push(t, testFrame())
	waitFor(t, "capture from reopened device", func() bool { return s.Stats().FramesCaptured == 1 })

	if !first.closed.Load() {
		t.Error("Expected failed device closed")
	}
	if e := s.Stats().ReadErrors; e != 1 {
		t.Errorf("Expected 1 read error, got %d", e)
	}
}

func TestSource_GivesUpAfterMaxRetries(t *testing.T) {
	dev := newScriptedDevice()
	var opens atomic.Int32
	opener := func(cfg DeviceConfig) (Device, error) {
		if opens.Add(1) == 1 {
			return dev, nil
		}
		return nil, errors.New("gone")
	}

	s, err := NewSource(SourceConfig{
		Width: 2, Height: 2, Decimation: 1,
		Reconnect: ReconnectConfig{MaxRetries: 2, RetryDelay: time.Millisecond, MaxRetryDelay: 2 * time.Millisecond},
	}, opener, nil)
	if err != nil {
		t.Fatalf("NewSource failed: %v", err)
	}
	if err := s.Start(context.Background(), 0); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	dev.push(t, nil)
	waitFor(t, "source to give up", func() bool { return !s.Running() })

	if r := s.Stats().Reconnects; r != 3 {
		t.Errorf("Expected 3 reopen attempts counted, got %d", r)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("Stop after give-up failed: %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	cfg := ReconnectConfig{RetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt_%d", tt.attempt), func(t *testing.T) {
			if got := calculateBackoff(tt.attempt, cfg); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg, debug string
		want       ErrorCategory
	}{
		{"Could not open device '/dev/video0' for reading and writing.", "Permission denied", ErrCategoryPermission},
		{"Internal data stream error.", "streaming stopped, reason not-negotiated (-4)", ErrCategoryFormat},
		{"Cannot identify device '/dev/video9'.", "No such file or directory", ErrCategoryDevice},
		{"Device '/dev/video0' is busy", "", ErrCategoryDevice},
		{"something odd", "", ErrCategoryUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.want.String()+"/"+tt.msg, func(t *testing.T) {
			if got := ClassifyError(tt.msg, tt.debug); got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, got)
			}
		})
	}
}
