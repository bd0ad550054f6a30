// Package framebus holds the most recent captured frame and encodes it for transport.
//
// The bus is a single-slot mailbox: every Store overwrites the previous frame,
// there is no queue, no history and no backpressure. Readers only ever want
// "now", and each reader receives an independent copy.
package framebus

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

var (
	// ErrNoFrame is returned when a snapshot is requested before any frame was stored
	ErrNoFrame = errors.New("framebus: no frame available")
	// ErrDecodeFailure is returned when caller-supplied image bytes cannot be decoded
	ErrDecodeFailure = errors.New("framebus: decode failure")
)

// Slot is a thread-safe single-slot frame store with overwrite-on-write semantics.
//
// Thread-safety:
//   - Store and Latest may be called concurrently from any goroutine
//   - The mutex is held only to swap or read the frame pointer; pixel copies
//     happen outside the critical section
//
// Frames held by the slot are never mutated after Store, so a reader that
// observed the pointer under the lock can copy it without holding the lock.
type Slot struct {
	mu     sync.Mutex
	frame  *types.Frame
	unread bool

	stores     atomic.Uint64
	reads      atomic.Uint64
	overwrites atomic.Uint64
}

// Stats is a snapshot of slot activity
type Stats struct {
	// Stores is the total number of frames written
	Stores uint64 `json:"stores"`
	// Reads is the total number of successful Latest calls
	Reads uint64 `json:"reads"`
	// Overwrites counts frames replaced before any reader observed them
	Overwrites uint64 `json:"overwrites"`
	// LatestSeq is the sequence number of the current frame (0 when empty)
	LatestSeq uint64 `json:"latest_seq"`
}

// New creates an empty slot
func New() *Slot {
	return &Slot{}
}

// Store copies frame into the slot, replacing whatever was there.
// A nil frame is ignored.
func (s *Slot) Store(frame *types.Frame) {
	if frame == nil {
		return
	}
	c := frame.Clone()

	s.mu.Lock()
	if s.unread {
		s.overwrites.Add(1)
	}
	s.frame = c
	s.unread = true
	s.mu.Unlock()

	s.stores.Add(1)
}

// Latest returns an independent copy of the most recent frame, or nil if empty
func (s *Slot) Latest() *types.Frame {
	s.mu.Lock()
	f := s.frame
	s.unread = false
	s.mu.Unlock()

	if f == nil {
		return nil
	}
	s.reads.Add(1)
	return f.Clone()
}

// Reset empties the slot
func (s *Slot) Reset() {
	s.mu.Lock()
	s.frame = nil
	s.unread = false
	s.mu.Unlock()
}

// Stats returns slot statistics
func (s *Slot) Stats() Stats {
	s.mu.Lock()
	var seq uint64
	if s.frame != nil {
		seq = s.frame.Seq
	}
	s.mu.Unlock()

	return Stats{
		Stores:     s.stores.Load(),
		Reads:      s.reads.Load(),
		Overwrites: s.overwrites.Load(),
		LatestSeq:  seq,
	}
}
