// Package speech serializes narration onto a single voice.
//
// Messages wait in a priority queue; one worker at a time speaks them, highest
// priority first and in arrival order within a priority. The worker is started
// on demand and exits after a short idle period.
package speech

import (
	"container/heap"
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrQueueClosed is returned by Enqueue after DrainAndStop
var ErrQueueClosed = errors.New("speech: queue closed")

// Voice speaks text, blocking until the utterance is finished
type Voice interface {
	Speak(ctx context.Context, text string) error
}

// State is the lifecycle state of the queue worker
type State int

const (
	// StateIdle means no worker is running
	StateIdle State = iota
	// StateArmed means a worker is running but not speaking
	StateArmed
	// StateSpeaking means the worker is inside Voice.Speak
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateArmed:
		return "armed"
	case StateSpeaking:
		return "speaking"
	default:
		return "idle"
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// QueueConfig contains configuration for the speech queue
type QueueConfig struct {
	// IdleTimeout is how long the worker waits on an empty queue before exiting
	IdleTimeout time.Duration
	// AbortOnInterrupt also cancels the utterance in progress when an
	// interrupting message arrives. By default only the backlog is cleared.
	AbortOnInterrupt bool
}

// DefaultQueueConfig returns the default queue configuration
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{IdleTimeout: time.Second}
}

type entry struct {
	text     string
	priority int
	seq      uint64
}

// entryHeap orders by priority, then by arrival
type entryHeap []entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) { *h = append(*h, x.(entry)) }

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// QueueStats contains speech queue statistics
type QueueStats struct {
	State            State  `json:"state"`
	Pending          int    `json:"pending"`
	SpeakingPriority int    `json:"speaking_priority,omitempty"`
	Enqueued         uint64 `json:"enqueued"`
	Spoken           uint64 `json:"spoken"`
	Failed           uint64 `json:"failed"`
	Interrupts       uint64 `json:"interrupts"`
	Discarded        uint64 `json:"discarded"`
	Workers          uint64 `json:"workers_spawned"`
}

// Queue is a priority queue in front of a single voice
type Queue struct {
	voice  Voice
	cfg    QueueConfig
	logger *slog.Logger

	mu          sync.Mutex
	pending     entryHeap
	seq         uint64
	state       State
	speakingPri int
	closed      bool
	workerDone  chan struct{}
	cancelSpeak context.CancelFunc

	// wake nudges an armed worker that is waiting on an empty queue
	wake chan struct{}

	enqueued   atomic.Uint64
	spoken     atomic.Uint64
	failed     atomic.Uint64
	interrupts atomic.Uint64
	discarded  atomic.Uint64
	workers    atomic.Uint64
}

// NewQueue creates a speech queue. No goroutine runs until the first Enqueue.
func NewQueue(voice Voice, cfg QueueConfig, logger *slog.Logger) *Queue {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultQueueConfig().IdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		voice:  voice,
		cfg:    cfg,
		logger: logger.With("component", "speech"),
		wake:   make(chan struct{}, 1),
	}
}

// Enqueue adds a message. An interrupting message first discards everything
// still waiting to be spoken.
func (q *Queue) Enqueue(text string, priority int, interrupt bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	if interrupt {
		q.interrupts.Add(1)
		if n := len(q.pending); n > 0 {
			q.discarded.Add(uint64(n))
			q.pending = q.pending[:0]
		}
		if q.cfg.AbortOnInterrupt && q.cancelSpeak != nil {
			q.cancelSpeak()
		}
	}

	q.seq++
	heap.Push(&q.pending, entry{text: text, priority: priority, seq: q.seq})
	q.enqueued.Add(1)

	if q.state == StateIdle {
		q.state = StateArmed
		q.workerDone = make(chan struct{})
		q.workers.Add(1)
		go q.run(q.workerDone)
		return nil
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) run(done chan struct{}) {
	defer close(done)

	idle := time.NewTimer(q.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			e := heap.Pop(&q.pending).(entry)
			ctx, cancel := context.WithCancel(context.Background())
			q.state = StateSpeaking
			q.speakingPri = e.priority
			q.cancelSpeak = cancel
			q.mu.Unlock()

			q.speak(ctx, e)
			cancel()

			q.mu.Lock()
			q.state = StateArmed
			q.speakingPri = 0
			q.cancelSpeak = nil
			q.mu.Unlock()
			continue
		}
		if q.closed {
			q.state = StateIdle
			q.mu.Unlock()
			return
		}
		q.mu.Unlock()

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(q.cfg.IdleTimeout)

		select {
		case <-q.wake:
		case <-idle.C:
			// Going idle and the empty check happen under one lock so an
			// Enqueue either sees Idle and spawns, or lands before the check
			q.mu.Lock()
			if len(q.pending) == 0 {
				q.state = StateIdle
				q.mu.Unlock()
				return
			}
			q.mu.Unlock()
		}
	}
}

// speak runs one utterance. Voice failures drop the utterance only.
func (q *Queue) speak(ctx context.Context, e entry) {
	defer func() {
		if r := recover(); r != nil {
			q.failed.Add(1)
			q.logger.Error("speech: voice panicked", "priority", e.priority, "panic", r)
		}
	}()

	start := time.Now()
	if err := q.voice.Speak(ctx, e.text); err != nil {
		q.failed.Add(1)
		if errors.Is(err, context.Canceled) {
			q.logger.Debug("speech: utterance aborted", "priority", e.priority)
			return
		}
		q.logger.Error("speech: voice engine failed",
			"priority", e.priority,
			"error", err,
		)
		return
	}

	q.spoken.Add(1)
	q.logger.Debug("speech: spoke",
		"priority", e.priority,
		"chars", len(e.text),
		"duration", time.Since(start),
	)
}

// DrainAndStop rejects further messages and waits for the backlog to be
// spoken. If ctx ends first the backlog is discarded, the current utterance is
// cancelled, and ctx.Err() is returned.
func (q *Queue) DrainAndStop(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	done := q.workerDone
	idle := q.state == StateIdle
	q.mu.Unlock()

	if idle || done == nil {
		return nil
	}

	select {
	case q.wake <- struct{}{}:
	default:
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.mu.Lock()
		q.discarded.Add(uint64(len(q.pending)))
		q.pending = q.pending[:0]
		if q.cancelSpeak != nil {
			q.cancelSpeak()
		}
		q.mu.Unlock()
		return ctx.Err()
	}
}

// State returns the current worker state
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Stats returns queue statistics
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	state, pending, pri := q.state, len(q.pending), q.speakingPri
	q.mu.Unlock()

	return QueueStats{
		State:            state,
		Pending:          pending,
		SpeakingPriority: pri,
		Enqueued:         q.enqueued.Load(),
		Spoken:           q.spoken.Load(),
		Failed:           q.failed.Load(),
		Interrupts:       q.interrupts.Load(),
		Discarded:        q.discarded.Load(),
		Workers:          q.workers.Load(),
	}
}
