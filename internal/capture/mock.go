package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// MockDevice generates synthetic frames at a fixed rate
type MockDevice struct {
	index  int
	width  int
	height int

	ticker *time.Ticker
	done   chan struct{}
	once   sync.Once

	mu    sync.Mutex
	count uint64
}

// NewMockOpener returns a DeviceOpener that exposes `devices` synthetic cameras
// numbered from 0. Opening any other index fails.
func NewMockOpener(devices int) DeviceOpener {
	return func(cfg DeviceConfig) (Device, error) {
		if cfg.Index < 0 || cfg.Index >= devices {
			return nil, fmt.Errorf("mock device %d does not exist (have %d)", cfg.Index, devices)
		}
		fps := cfg.FPS
		if fps <= 0 {
			fps = 30
		}

		slog.Info("capture: mock device opened",
			"index", cfg.Index,
			"width", cfg.Width,
			"height", cfg.Height,
			"fps", fps,
		)

		return &MockDevice{
			index:  cfg.Index,
			width:  cfg.Width,
			height: cfg.Height,
			ticker: time.NewTicker(time.Second / time.Duration(fps)),
			done:   make(chan struct{}),
		}, nil
	}
}

// Read waits for the next tick and returns a frame with a moving gradient
func (m *MockDevice) Read(ctx context.Context) (*types.Frame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrDeviceClosed
	case <-m.ticker.C:
		return m.createFrame(), nil
	}
}

// Close stops the generator
func (m *MockDevice) Close() error {
	m.once.Do(func() {
		m.ticker.Stop()
		close(m.done)
	})
	return nil
}

func (m *MockDevice) createFrame() *types.Frame {
	m.mu.Lock()
	n := m.count
	m.count++
	m.mu.Unlock()

	data := make([]byte, m.width*m.height*3)
	shift := int(n % 256)
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			i := (y*m.width + x) * 3
			data[i] = byte((x + shift) % 256)
			data[i+1] = byte((y + shift) % 256)
			data[i+2] = byte(shift)
		}
	}

	return &types.Frame{
		Timestamp: time.Now(),
		Width:     m.width,
		Height:    m.height,
		Data:      data,
		Source:    fmt.Sprintf("mock://%d", m.index),
		TraceID:   uuid.New().String(),
	}
}
