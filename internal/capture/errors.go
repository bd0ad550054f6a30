package capture

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDeviceUnavailable is returned when the capture device cannot be opened or configured.
	// It is fatal to Start but not to the process: callers may retry with another index.
	ErrDeviceUnavailable = errors.New("capture: device unavailable")
	// ErrAlreadyStarted is returned by Start on a running source
	ErrAlreadyStarted = errors.New("capture: source already started")
	// ErrDeviceClosed is returned by Read after Close
	ErrDeviceClosed = errors.New("capture: device closed")
	// ErrStopTimeout is returned by Stop when the acquisition loop did not exit
	// in time. The loop still owns the device; Start fails until it exits.
	ErrStopTimeout = errors.New("capture: stop timeout exceeded")
)

// ErrorCategory represents the classification of device read errors for telemetry
type ErrorCategory int

const (
	// ErrCategoryDevice indicates the device went away or stopped producing (unplugged, busy, EOS)
	ErrCategoryDevice ErrorCategory = iota
	// ErrCategoryFormat indicates caps negotiation or pixel format failures
	ErrCategoryFormat
	// ErrCategoryPermission indicates the process may not open the device
	ErrCategoryPermission
	// ErrCategoryUnknown indicates unclassified errors
	ErrCategoryUnknown
)

// String returns a human-readable string representation of the error category
func (e ErrorCategory) String() string {
	switch e {
	case ErrCategoryDevice:
		return "device"
	case ErrCategoryFormat:
		return "format"
	case ErrCategoryPermission:
		return "permission"
	default:
		return "unknown"
	}
}

// ReadError is returned by Device.Read when the device reports a failure
type ReadError struct {
	Category ErrorCategory
	Err      error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("capture: read failed [%s]: %v", e.Category, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// ClassifyError categorizes a device error from its message and debug text.
//
// Classification is keyword based: permission problems are the most specific,
// then format negotiation, then device loss.
func ClassifyError(msg, debug string) ErrorCategory {
	combined := strings.ToLower(msg + " " + debug)

	if containsAny(combined, permissionKeywords) {
		return ErrCategoryPermission
	}
	if containsAny(combined, formatKeywords) {
		return ErrCategoryFormat
	}
	if containsAny(combined, deviceKeywords) {
		return ErrCategoryDevice
	}
	return ErrCategoryUnknown
}

var (
	permissionKeywords = []string{
		"permission denied",
		"not permitted",
		"eacces",
		"access denied",
	}

	formatKeywords = []string{
		"not negotiated",
		"not-negotiated",
		"negotiation",
		"caps",
		"format",
		"no decoder",
		"missing plugin",
	}

	deviceKeywords = []string{
		"no such device",
		"no such file",
		"cannot identify device",
		"could not open",
		"busy",
		"disconnected",
		"end of stream",
		"timeout",
		"v4l2",
	}
)

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}
