package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/harshitnarang21/AI-Vision/internal/framebus"
	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// ErrNotRunning is returned by OnFrame when the dispatcher worker is not started
var ErrNotRunning = errors.New("analysis: dispatcher not running")

// stopTimeout bounds how long Stop waits for an in-flight analysis
const stopTimeout = 5 * time.Second

// DispatcherConfig contains configuration for the dispatcher
type DispatcherConfig struct {
	// JPEGQuality is the transport encoding quality (default 85)
	JPEGQuality int
	// FaceEvery is K: faces are detected on every Kth dispatched analysis
	FaceEvery int
	// CallTimeout bounds each collaborator call (0 disables)
	CallTimeout time.Duration
	// Obstacles selects hazardous objects from the scene
	Obstacles ObstaclePolicy
	// AccessDisabledLogEvery and RateLimitedLogEvery log recurring failures of
	// that kind once every P occurrences
	AccessDisabledLogEvery int
	RateLimitedLogEvery    int
}

// DefaultDispatcherConfig returns the default dispatcher configuration
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		JPEGQuality: framebus.DefaultJPEGQuality,
		FaceEvery:   10,
		CallTimeout: 15 * time.Second,
		Obstacles: ObstaclePolicy{
			Threshold: 0.7,
			Keywords:  DefaultObstacleKeywords,
		},
		AccessDisabledLogEvery: 50,
		RateLimitedLogEvery:    10,
	}
}

// ResultSink receives every result the dispatcher produces, in completion order
type ResultSink interface {
	OnResult(result *types.AnalysisResult)
}

// ResultSinkFunc adapts a function to ResultSink
type ResultSinkFunc func(result *types.AnalysisResult)

// OnResult implements ResultSink
func (f ResultSinkFunc) OnResult(result *types.AnalysisResult) {
	f(result)
}

// DispatcherStats contains dispatcher statistics
type DispatcherStats struct {
	Running        bool              `json:"running"`
	Dispatches     uint64            `json:"dispatches"`
	Succeeded      uint64            `json:"succeeded"`
	Failed         uint64            `json:"failed"`
	FailuresByKind map[string]uint64 `json:"failures_by_kind"`
	TextFailures   uint64            `json:"text_failures"`
	FaceRuns       uint64            `json:"face_runs"`
	FaceFailures   uint64            `json:"face_failures"`
	FramesDropped  uint64            `json:"frames_dropped"`
	FaceDetection  bool              `json:"face_detection"`
}

// Dispatcher turns frames into AnalysisResults.
//
// Frames arrive through OnFrame from the acquisition goroutine and land in a
// single-slot mailbox; one worker goroutine drains it, so capture never waits
// on network I/O. A frame that arrives while the previous one is still waiting
// replaces it.
type Dispatcher struct {
	cfg    DispatcherConfig
	collab Collaborator
	faces  FaceDetector
	logger *slog.Logger

	// Mailbox
	mu      sync.Mutex
	cond    *sync.Cond
	pending *types.Frame
	running bool
	closed  bool
	wg      sync.WaitGroup
	stopCtx func() bool

	last atomic.Pointer[types.AnalysisResult]

	sinksMu sync.RWMutex
	sinks   []ResultSink

	dispatches    atomic.Uint64
	succeeded     atomic.Uint64
	textFailures  atomic.Uint64
	faceRuns      atomic.Uint64
	faceFailures  atomic.Uint64
	framesDropped atomic.Uint64

	failMu   sync.Mutex
	failures map[types.ErrorKind]uint64
}

// NewDispatcher creates a dispatcher. faces may be nil when no face-capable
// collaborator is configured.
func NewDispatcher(cfg DispatcherConfig, collab Collaborator, faces FaceDetector, logger *slog.Logger) (*Dispatcher, error) {
	if collab == nil {
		return nil, fmt.Errorf("analysis: collaborator is required")
	}
	def := DefaultDispatcherConfig()
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = def.JPEGQuality
	}
	if cfg.FaceEvery <= 0 {
		cfg.FaceEvery = def.FaceEvery
	}
	if cfg.AccessDisabledLogEvery <= 0 {
		cfg.AccessDisabledLogEvery = def.AccessDisabledLogEvery
	}
	if cfg.RateLimitedLogEvery <= 0 {
		cfg.RateLimitedLogEvery = def.RateLimitedLogEvery
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:      cfg,
		collab:   collab,
		faces:    faces,
		logger:   logger.With("component", "analysis"),
		failures: make(map[types.ErrorKind]uint64),
	}
	d.cond = sync.NewCond(&d.mu)
	return d, nil
}

// AddSink registers a result sink
func (d *Dispatcher) AddSink(s ResultSink) {
	d.sinksMu.Lock()
	d.sinks = append(d.sinks, s)
	d.sinksMu.Unlock()
}

// Start launches the mailbox worker. Cancelling ctx stops it like Stop.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.running {
		return fmt.Errorf("analysis: dispatcher already running")
	}
	d.running = true
	d.closed = false
	d.pending = nil
	d.stopCtx = context.AfterFunc(ctx, d.close)

	// In-flight calls are allowed to finish after shutdown begins
	callCtx := context.WithoutCancel(ctx)

	d.wg.Add(1)
	go d.run(callCtx)

	d.logger.Info("analysis: dispatcher started",
		"face_detection", d.faces != nil,
		"face_every", d.cfg.FaceEvery,
	)
	return nil
}

// Stop signals the worker and waits for any in-flight analysis to finish.
// Idempotent.
func (d *Dispatcher) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	stopCtx := d.stopCtx
	d.mu.Unlock()

	if stopCtx != nil {
		stopCtx()
	}
	d.close()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(stopTimeout):
		d.logger.Warn("analysis: stop timeout exceeded, analysis still in flight")
	}

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()

	d.logger.Info("analysis: dispatcher stopped",
		"dispatches", d.dispatches.Load(),
		"frames_dropped", d.framesDropped.Load(),
	)
	return nil
}

func (d *Dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.pending = nil
	d.cond.Broadcast()
	d.mu.Unlock()
}

// OnFrame queues a frame for analysis without blocking. It implements
// capture.FrameConsumer.
func (d *Dispatcher) OnFrame(frame *types.Frame) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running || d.closed {
		return ErrNotRunning
	}
	if d.pending != nil {
		d.framesDropped.Add(1)
	}
	d.pending = frame
	d.cond.Signal()
	return nil
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	for {
		d.mu.Lock()
		for d.pending == nil && !d.closed {
			d.cond.Wait()
		}
		if d.closed {
			d.mu.Unlock()
			return
		}
		frame := d.pending
		d.pending = nil
		d.mu.Unlock()

		d.Analyze(ctx, frame)
	}
}

// LastResult returns the most recently completed result (last writer wins), or nil
func (d *Dispatcher) LastResult() *types.AnalysisResult {
	return d.last.Load()
}

// Analyze runs one analysis cycle for frame and publishes the result
func (d *Dispatcher) Analyze(ctx context.Context, frame *types.Frame) *types.AnalysisResult {
	if frame == nil {
		return d.failure(types.FrameMeta{}, types.KindUnknown, "no frame available")
	}
	image, err := framebus.EncodeJPEG(frame, d.cfg.JPEGQuality)
	if err != nil {
		d.logger.Error("analysis: failed to encode frame", "seq", frame.Seq, "error", err)
		return d.failure(frame.Meta(), types.KindUnknown, err.Error())
	}
	result := d.analyze(ctx, frame.Meta(), image)
	d.publish(result)
	return result
}

// AnalyzeImage runs a one-off analysis of caller-supplied JPEG or PNG bytes.
// Malformed input yields a decode_failure result that is not published.
func (d *Dispatcher) AnalyzeImage(ctx context.Context, data []byte) *types.AnalysisResult {
	frame, err := framebus.Decode(data)
	if err != nil {
		d.logger.Warn("analysis: rejected uploaded image", "error", err)
		return d.failure(types.FrameMeta{}, types.KindDecodeFailure, err.Error())
	}
	return d.Analyze(ctx, frame)
}

// analyze calls the collaborator and merges the partial results
func (d *Dispatcher) analyze(ctx context.Context, meta types.FrameMeta, image []byte) *types.AnalysisResult {
	n := d.dispatches.Add(1)
	result := newResult(meta)

	var scene *types.Scene
	err := d.call(ctx, func(ctx context.Context) error {
		var err error
		scene, err = d.collab.AnalyzeScene(ctx, image)
		return err
	})
	if err != nil {
		kind := Classify(err)
		d.recordFailure(kind, err, meta)
		result.Error = &types.AnalysisError{Kind: kind, Message: describe(kind, err)}
		return result
	}
	if scene == nil {
		scene = &types.Scene{}
	}

	result.Description = strings.TrimSpace(scene.Description)
	result.Objects = scene.Objects
	result.Tags = scene.Tags
	result.Obstacles = d.cfg.Obstacles.Obstacles(scene.Objects)

	throttled := false
	var text string
	err = d.call(ctx, func(ctx context.Context) error {
		var err error
		text, err = d.collab.ExtractText(ctx, image)
		return err
	})
	if err != nil {
		d.textFailures.Add(1)
		throttled = Classify(err) == types.KindRateLimited
		d.logger.Debug("analysis: text extraction failed", "seq", meta.Seq, "error", err)
	} else if t := strings.TrimSpace(text); t != "" {
		result.Text = t
	}

	if d.faces != nil && !throttled && n%uint64(d.cfg.FaceEvery) == 0 {
		d.faceRuns.Add(1)
		var faces []types.Face
		err = d.call(ctx, func(ctx context.Context) error {
			var err error
			faces, err = d.faces.DetectFaces(ctx, image)
			return err
		})
		if err != nil {
			d.faceFailures.Add(1)
			d.logger.Debug("analysis: face detection failed", "seq", meta.Seq, "error", err)
		} else if len(faces) > 0 {
			result.Faces = faces
		}
	}

	d.succeeded.Add(1)
	d.logger.Debug("analysis: frame analyzed",
		"seq", meta.Seq,
		"trace_id", meta.TraceID,
		"objects", len(result.Objects),
		"obstacles", len(result.Obstacles),
		"faces", len(result.Faces),
	)
	return result
}

// call runs one collaborator operation under the per-call timeout
func (d *Dispatcher) call(ctx context.Context, fn func(context.Context) error) error {
	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}
	return fn(ctx)
}

// recordFailure counts the failure and logs it, suppressing recurring noise
func (d *Dispatcher) recordFailure(kind types.ErrorKind, err error, meta types.FrameMeta) {
	d.failMu.Lock()
	d.failures[kind]++
	count := d.failures[kind]
	d.failMu.Unlock()

	every := uint64(1)
	switch kind {
	case types.KindAccessDisabled:
		every = uint64(d.cfg.AccessDisabledLogEvery)
	case types.KindRateLimited:
		every = uint64(d.cfg.RateLimitedLogEvery)
	}
	if (count-1)%every != 0 {
		return
	}

	d.logger.Warn("analysis: scene analysis failed",
		"kind", kind.String(),
		"error", err,
		"occurrences", count,
		"seq", meta.Seq,
		"trace_id", meta.TraceID,
	)
}

// failure builds an error-variant result outside the collaborator path
func (d *Dispatcher) failure(meta types.FrameMeta, kind types.ErrorKind, msg string) *types.AnalysisResult {
	result := newResult(meta)
	result.Error = &types.AnalysisError{Kind: kind, Message: msg}
	return result
}

func (d *Dispatcher) publish(result *types.AnalysisResult) {
	d.last.Store(result)

	d.sinksMu.RLock()
	sinks := make([]ResultSink, len(d.sinks))
	copy(sinks, d.sinks)
	d.sinksMu.RUnlock()

	for _, s := range sinks {
		d.deliver(s, result)
	}
}

func (d *Dispatcher) deliver(s ResultSink, result *types.AnalysisResult) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("analysis: result sink panicked", "result_id", result.ID, "panic", r)
		}
	}()
	s.OnResult(result)
}

// Stats returns dispatcher statistics
func (d *Dispatcher) Stats() DispatcherStats {
	d.failMu.Lock()
	byKind := make(map[string]uint64, len(d.failures))
	var failed uint64
	for k, v := range d.failures {
		byKind[k.String()] = v
		failed += v
	}
	d.failMu.Unlock()

	d.mu.Lock()
	running := d.running
	d.mu.Unlock()

	return DispatcherStats{
		Running:        running,
		Dispatches:     d.dispatches.Load(),
		Succeeded:      d.succeeded.Load(),
		Failed:         failed,
		FailuresByKind: byKind,
		TextFailures:   d.textFailures.Load(),
		FaceRuns:       d.faceRuns.Load(),
		FaceFailures:   d.faceFailures.Load(),
		FramesDropped:  d.framesDropped.Load(),
		FaceDetection:  d.faces != nil,
	}
}

func newResult(meta types.FrameMeta) *types.AnalysisResult {
	return &types.AnalysisResult{
		ID:        uuid.New().String(),
		FrameSeq:  meta.Seq,
		TraceID:   meta.TraceID,
		Timestamp: time.Now(),
	}
}
