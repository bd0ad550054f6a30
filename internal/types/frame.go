package types

import "time"

// Frame represents a single captured video frame
type Frame struct {
	// Seq is the monotonic sequence number assigned by the capture source
	Seq uint64
	// Timestamp is when the frame was read from the device
	Timestamp time.Time
	// Width in pixels
	Width int
	// Height in pixels
	Height int
	// Data contains packed RGB24 pixels (Width*Height*3 bytes)
	Data []byte
	// Source identifies the device the frame came from (e.g. "/dev/video0")
	Source string
	// TraceID is a unique identifier for following a frame through analysis and narration
	TraceID string
}

// Clone returns a deep copy of the frame. A nil frame clones to nil.
func (f *Frame) Clone() *Frame {
	if f == nil {
		return nil
	}
	c := *f
	if f.Data != nil {
		c.Data = make([]byte, len(f.Data))
		copy(c.Data, f.Data)
	}
	return &c
}

// Meta returns the frame metadata without pixel data
func (f *Frame) Meta() FrameMeta {
	return FrameMeta{
		Seq:       f.Seq,
		Timestamp: f.Timestamp,
		Width:     f.Width,
		Height:    f.Height,
		Source:    f.Source,
		TraceID:   f.TraceID,
	}
}

// FrameMeta contains frame metadata without the raw data
type FrameMeta struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	Source    string    `json:"source"`
	TraceID   string    `json:"trace_id"`
}
