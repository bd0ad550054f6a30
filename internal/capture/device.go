package capture

import (
	"context"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// DeviceConfig carries the best-effort hints used to open a device
type DeviceConfig struct {
	Index  int
	Width  int
	Height int
	FPS    int
}

// Device is an opened capture device.
//
// Read blocks until the next frame is available, the device fails, or ctx is
// cancelled. It must not busy-spin. The returned frame belongs to the caller.
type Device interface {
	Read(ctx context.Context) (*types.Frame, error)
	Close() error
}

// DeviceOpener opens the device at cfg.Index. Implementations return an error
// when the device is missing or cannot be configured.
type DeviceOpener func(cfg DeviceConfig) (Device, error)
