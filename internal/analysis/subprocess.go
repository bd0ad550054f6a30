package analysis

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// maxMessageSize bounds a single framed message from the worker
const maxMessageSize = 64 << 20

// errWorkerGone is returned when the worker process exits mid-call
var errWorkerGone = errors.New("analysis: worker process exited")

// Worker operations
const (
	opScene = "scene"
	opText  = "text"
	opFaces = "faces"
)

type workerRequest struct {
	ID    uint64 `msgpack:"id"`
	Op    string `msgpack:"op"`
	Image []byte `msgpack:"image"`
}

type workerResponse struct {
	ID     uint64       `msgpack:"id"`
	OK     bool         `msgpack:"ok"`
	Status int          `msgpack:"status"`
	Error  string       `msgpack:"error"`
	Scene  *types.Scene `msgpack:"scene"`
	Text   string       `msgpack:"text"`
	Faces  []types.Face `msgpack:"faces"`
}

// writeMessage writes v as a 4-byte big-endian length prefix followed by msgpack data
func writeMessage(w io.Writer, v any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// readMessage reads one length-prefixed msgpack message into v
func readMessage(r io.Reader, v any) error {
	lengthBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBuf); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(lengthBuf)
	if n > maxMessageSize {
		return fmt.Errorf("message too large: %d bytes", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("failed to read msgpack data (expected %d bytes): %w", n, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal msgpack response: %w", err)
	}
	return nil
}

// SubprocessConfig contains configuration for the subprocess collaborator
type SubprocessConfig struct {
	// Command is the worker executable, e.g. "models/run_vision_worker.sh"
	Command string
	Args    []string
	Env     []string
	// Faces enables the faces operation; workers without a face model leave it off
	Faces bool
}

// workerConn is one live worker: requests go to w, responses come from r
type workerConn struct {
	w     io.WriteCloser
	r     io.Reader
	close func() error
	// exited is closed when the process is gone
	exited chan struct{}
}

// Subprocess is a collaborator that runs the vision models in a separate worker
// process, speaking length-prefixed msgpack over stdin/stdout.
//
// One call is in flight at a time. A call that exceeds its context kills the
// worker; the next call starts a fresh one.
type Subprocess struct {
	cfg    SubprocessConfig
	logger *slog.Logger
	spawn  func() (*workerConn, error)

	mu    sync.Mutex
	conn  *workerConn
	reqID uint64

	calls    atomic.Uint64
	failures atomic.Uint64
	restarts atomic.Uint64
}

// NewSubprocess creates a subprocess collaborator. The worker is spawned on first use.
func NewSubprocess(cfg SubprocessConfig, logger *slog.Logger) (*Subprocess, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("analysis: subprocess command is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Subprocess{
		cfg:    cfg,
		logger: logger.With("component", "analysis-worker"),
	}
	s.spawn = s.spawnProcess
	return s, nil
}

// AnalyzeScene implements SceneAnalyzer
func (s *Subprocess) AnalyzeScene(ctx context.Context, image []byte) (*types.Scene, error) {
	resp, err := s.do(ctx, opScene, image)
	if err != nil {
		return nil, err
	}
	if resp.Scene == nil {
		return &types.Scene{}, nil
	}
	return resp.Scene, nil
}

// ExtractText implements TextExtractor
func (s *Subprocess) ExtractText(ctx context.Context, image []byte) (string, error) {
	resp, err := s.do(ctx, opText, image)
	if err != nil {
		return "", err
	}
	return resp.Text, nil
}

// DetectFaces implements FaceDetector
func (s *Subprocess) DetectFaces(ctx context.Context, image []byte) ([]types.Face, error) {
	resp, err := s.do(ctx, opFaces, image)
	if err != nil {
		return nil, err
	}
	return resp.Faces, nil
}

// FaceDetector returns s as a FaceDetector when the worker has faces enabled, else nil
func (s *Subprocess) FaceDetector() FaceDetector {
	if !s.cfg.Faces {
		return nil
	}
	return s
}

func (s *Subprocess) do(ctx context.Context, op string, image []byte) (*workerResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls.Add(1)

	if s.conn == nil {
		conn, err := s.spawn()
		if err != nil {
			s.failures.Add(1)
			return nil, fmt.Errorf("analysis: failed to start worker: %w", err)
		}
		s.conn = conn
	}

	s.reqID++
	req := workerRequest{ID: s.reqID, Op: op, Image: image}
	conn := s.conn

	done := make(chan error, 1)
	var resp workerResponse
	go func() {
		if err := writeMessage(conn.w, req); err != nil {
			done <- err
			return
		}
		done <- readMessage(conn.r, &resp)
	}()

	var err error
	select {
	case err = <-done:
	case <-conn.exited:
		err = errWorkerGone
	case <-ctx.Done():
		err = ctx.Err()
	}

	if err != nil {
		s.failures.Add(1)
		s.resetLocked(op, err)
		return nil, fmt.Errorf("analysis: %s call failed: %w", op, err)
	}

	if resp.ID != req.ID {
		s.failures.Add(1)
		s.resetLocked(op, fmt.Errorf("response id %d for request %d", resp.ID, req.ID))
		return nil, fmt.Errorf("analysis: %s call: worker out of sync", op)
	}
	if !resp.OK {
		s.failures.Add(1)
		if resp.Status != 0 {
			return nil, &StatusError{Status: resp.Status, Message: resp.Error}
		}
		return nil, fmt.Errorf("analysis: %s call: %s", op, resp.Error)
	}
	return &resp, nil
}

// resetLocked tears down a worker whose stream can no longer be trusted
func (s *Subprocess) resetLocked(op string, cause error) {
	if s.conn == nil {
		return
	}
	s.logger.Warn("analysis worker reset",
		"op", op,
		"error", cause,
	)
	if err := s.conn.close(); err != nil {
		s.logger.Debug("analysis worker close", "error", err)
	}
	s.conn = nil
	s.restarts.Add(1)
}

// Close stops the worker process
func (s *Subprocess) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		return nil
	}
	err := s.conn.close()
	s.conn = nil
	return err
}

// SubprocessStats contains worker statistics
type SubprocessStats struct {
	Calls    uint64 `json:"calls"`
	Failures uint64 `json:"failures"`
	Restarts uint64 `json:"restarts"`
}

// Stats returns worker statistics
func (s *Subprocess) Stats() SubprocessStats {
	return SubprocessStats{
		Calls:    s.calls.Load(),
		Failures: s.failures.Load(),
		Restarts: s.restarts.Load(),
	}
}

// spawnProcess starts the worker subprocess
func (s *Subprocess) spawnProcess() (*workerConn, error) {
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(cmd.Environ(), s.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker process: %w", err)
	}

	pid := cmd.Process.Pid
	s.logger.Info("analysis worker spawned", "command", s.cfg.Command, "pid", pid)

	exited := make(chan struct{})
	var stopping atomic.Bool

	go s.logStderr(stderr, pid)
	go func() {
		err := cmd.Wait()
		close(exited)
		switch {
		case stopping.Load():
			s.logger.Debug("analysis worker exited (shutdown)", "pid", pid)
		case err != nil:
			s.logger.Error("analysis worker exited unexpectedly", "pid", pid, "error", err)
		default:
			s.logger.Info("analysis worker exited cleanly", "pid", pid)
		}
	}()

	closeFn := func() error {
		stopping.Store(true)
		// Closing stdin asks the worker to exit; kill it if it does not
		_ = stdin.Close()
		select {
		case <-exited:
			return nil
		case <-time.After(2 * time.Second):
			s.logger.Warn("analysis worker did not exit, killing", "pid", pid)
			if err := cmd.Process.Kill(); err != nil {
				return fmt.Errorf("failed to kill worker: %w", err)
			}
			<-exited
			return nil
		}
	}

	return &workerConn{
		w:      stdin,
		r:      bufio.NewReader(stdout),
		close:  closeFn,
		exited: exited,
	}, nil
}

// logStderr maps worker log lines onto slog levels
func (s *Subprocess) logStderr(r io.Reader, pid int) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			s.logger.Error("analysis worker error", "pid", pid, "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			s.logger.Warn("analysis worker warning", "pid", pid, "log", line)
		default:
			s.logger.Debug("analysis worker log", "pid", pid, "log", line)
		}
	}
}
