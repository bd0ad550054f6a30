// Package api serves the assistant's HTTP request surface and the live
// narration websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/harshitnarang21/AI-Vision/internal/capture"
	"github.com/harshitnarang21/AI-Vision/internal/core"
	"github.com/harshitnarang21/AI-Vision/internal/framebus"
	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// maxUpload bounds /api/process bodies
const maxUpload = 16 << 20

// processTimeout bounds a one-off analysis
const processTimeout = 30 * time.Second

// Operations is what the HTTP surface needs from the assistant
type Operations interface {
	StartCamera(index int) error
	StopCamera() error
	LatestFrame() (*framebus.Snapshot, error)
	LatestResult() *types.AnalysisResult
	AnalyzeImage(ctx context.Context, data []byte) *types.AnalysisResult
	Speak(text string, priority int, interrupt bool) error
	TestAudio() error
	SetProcessing(enabled bool)
	Processing() bool
	Status() map[string]interface{}

	LivenessHandler(w http.ResponseWriter, r *http.Request)
	ReadinessHandler(w http.ResponseWriter, r *http.Request)
	MetricsHandler(w http.ResponseWriter, r *http.Request)
}

// Server is the HTTP API
type Server struct {
	ops    Operations
	hub    *Hub
	logger *slog.Logger
	http   *http.Server
}

// NewServer creates a server listening on addr. hub may be nil.
func NewServer(addr string, ops Operations, hub *Hub, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		ops:    ops,
		hub:    hub,
		logger: logger.With("component", "api"),
	}
	s.http = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	router := httprouter.New()

	router.POST("/api/camera/start", s.httpCameraStart)
	router.POST("/api/camera/stop", s.httpCameraStop)
	router.GET("/api/camera/frame", s.httpCameraFrame)
	router.GET("/api/analysis", s.httpAnalysis)
	router.POST("/api/process", s.httpProcess)
	router.POST("/api/processing", s.httpSetProcessing)
	router.POST("/api/audio/speak", s.httpSpeak)
	router.GET("/api/audio/test", s.httpAudioTest)
	router.POST("/api/audio/test", s.httpAudioTest)
	router.GET("/api/status", s.httpStatus)

	router.HandlerFunc(http.MethodGet, "/health", s.ops.LivenessHandler)
	router.HandlerFunc(http.MethodGet, "/api/health", s.ops.LivenessHandler)
	router.HandlerFunc(http.MethodGet, "/readiness", s.ops.ReadinessHandler)
	router.HandlerFunc(http.MethodGet, "/metrics", s.ops.MetricsHandler)

	if s.hub != nil {
		router.Handler(http.MethodGet, "/ws/narration", s.hub)
	}
	return router
}

// Start listens on the configured address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.http.Addr, err)
	}

	s.logger.Info("starting http api", "addr", ln.Addr().String())

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http api failed", "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting requests and closes websocket clients
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.http.Shutdown(ctx)
}

func sendJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func sendError(w http.ResponseWriter, code int, msg string) {
	sendJSON(w, code, map[string]interface{}{"error": msg})
}

func sendOK(w http.ResponseWriter, msg string, extra map[string]interface{}) {
	body := map[string]interface{}{"success": true, "message": msg}
	for k, v := range extra {
		body[k] = v
	}
	sendJSON(w, http.StatusOK, body)
}

// decodeBody reads an optional JSON body into v. An empty body is not an error.
func decodeBody(r *http.Request, v interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func (s *Server) httpCameraStart(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		CameraIndex *int `json:"camera_index"`
		Device      *int `json:"device"`
	}
	if err := decodeBody(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	index := 0
	switch {
	case req.CameraIndex != nil:
		index = *req.CameraIndex
	case req.Device != nil:
		index = *req.Device
	case r.URL.Query().Get("camera_index") != "":
		n, err := parseIndex(r.URL.Query().Get("camera_index"))
		if err != nil {
			sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		index = n
	}

	if err := s.ops.StartCamera(index); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, capture.ErrDeviceUnavailable) {
			code = http.StatusBadRequest
		}
		sendJSON(w, code, map[string]interface{}{"success": false, "message": err.Error()})
		return
	}
	sendOK(w, "Camera started", map[string]interface{}{"camera_index": index})
}

func (s *Server) httpCameraStop(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.ops.StopCamera(); err != nil {
		sendJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "message": err.Error()})
		return
	}
	sendOK(w, "Camera stopped", nil)
}

func (s *Server) httpCameraFrame(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	snap, err := s.ops.LatestFrame()
	if err != nil {
		if errors.Is(err, framebus.ErrNoFrame) {
			sendError(w, http.StatusNotFound, "No frame available")
			return
		}
		sendError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sendJSON(w, http.StatusOK, map[string]interface{}{
		"frame":     snap.Image,
		"seq":       snap.Seq,
		"width":     snap.Width,
		"height":    snap.Height,
		"timestamp": snap.Timestamp,
		"trace_id":  snap.TraceID,
	})
}

func (s *Server) httpAnalysis(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	result := s.ops.LatestResult()
	if result == nil {
		sendJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	sendJSON(w, http.StatusOK, result)
}

// httpProcess analyzes an uploaded image: a multipart "image" field or the raw
// request body
func (s *Server) httpProcess(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)

	var data []byte
	if file, _, err := r.FormFile("image"); err == nil {
		data, err = io.ReadAll(file)
		file.Close()
		if err != nil {
			sendError(w, http.StatusBadRequest, "failed to read image")
			return
		}
	} else if !errors.Is(err, http.ErrNotMultipart) {
		sendError(w, http.StatusBadRequest, "No image provided")
		return
	} else {
		data, err = io.ReadAll(r.Body)
		if err != nil {
			sendError(w, http.StatusBadRequest, "failed to read image")
			return
		}
	}
	if len(data) == 0 {
		sendError(w, http.StatusBadRequest, "Empty image file")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), processTimeout)
	defer cancel()

	result := s.ops.AnalyzeImage(ctx, data)
	if result.Error != nil && result.Error.Kind == types.KindDecodeFailure {
		sendJSON(w, http.StatusBadRequest, result)
		return
	}
	sendJSON(w, http.StatusOK, result)
}

func (s *Server) httpSetProcessing(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil || req.Enabled == nil {
		sendError(w, http.StatusBadRequest, "missing or invalid 'enabled' field")
		return
	}
	s.ops.SetProcessing(*req.Enabled)
	sendOK(w, "Processing updated", map[string]interface{}{"processing_enabled": s.ops.Processing()})
}

func (s *Server) httpSpeak(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req struct {
		Text      string `json:"text"`
		Priority  int    `json:"priority"`
		Interrupt bool   `json:"interrupt"`
	}
	if err := decodeBody(r, &req); err != nil {
		sendError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.ops.Speak(req.Text, req.Priority, req.Interrupt); err != nil {
		if errors.Is(err, core.ErrEmptyText) {
			sendError(w, http.StatusBadRequest, "No text provided")
			return
		}
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}

	preview := []rune(req.Text)
	if len(preview) > 50 {
		preview = preview[:50]
	}
	sendOK(w, "Speaking: "+string(preview), map[string]interface{}{
		"priority":  req.Priority,
		"interrupt": req.Interrupt,
	})
}

func (s *Server) httpAudioTest(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.ops.TestAudio(); err != nil {
		sendError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	sendOK(w, "Audio test triggered", nil)
}

func (s *Server) httpStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	status := s.ops.Status()
	status["http_addr"] = s.http.Addr
	if s.hub != nil {
		status["ws_clients"] = s.hub.Clients()
	}
	sendJSON(w, http.StatusOK, status)
}

// parseIndex parses a non-negative device index
func parseIndex(v string) (int, error) {
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid device index %q", v)
	}
	return n, nil
}
