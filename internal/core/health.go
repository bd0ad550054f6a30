package core

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// HealthStatus represents the health state of the assistant
type HealthStatus struct {
	Status          string `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds   int64  `json:"uptime_seconds"`
	CameraActive    bool   `json:"camera_active"`
	Processing      bool   `json:"processing_enabled"`
	AnalysisRunning bool   `json:"analysis_running"`
	SpeechState     string `json:"speech_state"`
	MQTTConnected   bool   `json:"mqtt_connected"`
	LastResultAgeS  *int64 `json:"last_result_age_s,omitempty"`
}

// HealthCheck returns the current health status of the service
func (a *Assistant) HealthCheck() HealthStatus {
	a.mu.RLock()
	running := a.isRunning
	started := a.started
	a.mu.RUnlock()

	status := HealthStatus{
		Status:          "healthy",
		CameraActive:    a.source.Running(),
		Processing:      a.processing.Load(),
		AnalysisRunning: a.dispatcher.Stats().Running,
		SpeechState:     a.queue.State().String(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}
	if a.emitter != nil {
		status.MQTTConnected = a.emitter.Stats().Connected
	}
	if last := a.dispatcher.LastResult(); last != nil {
		age := int64(time.Since(last.Timestamp).Seconds())
		status.LastResultAgeS = &age
	}

	switch {
	case !running || !status.AnalysisRunning:
		status.Status = "unhealthy"
	case a.emitter != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (simple liveness check)
func (a *Assistant) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	uptime := int64(time.Since(a.started).Seconds())
	a.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "alive",
		"uptime":  uptime,
		"service": "visiond",
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (a *Assistant) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := a.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(health)
}

// MetricsHandler handles /metrics in the Prometheus text format
func (a *Assistant) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, a.metricsText())
}

func (a *Assistant) metricsText() string {
	src := a.source.Stats()
	an := a.dispatcher.Stats()
	sp := a.queue.Stats()

	var b strings.Builder
	label := fmt.Sprintf(`instance=%q`, a.cfg.InstanceID)
	gauge := func(name string, v interface{}) {
		fmt.Fprintf(&b, "visiond_%s{%s} %v\n", name, label, v)
	}

	gauge("camera_active", boolMetric(src.Running))
	gauge("frames_captured_total", src.FramesCaptured)
	gauge("frames_dispatched_total", src.FramesDispatched)
	gauge("capture_read_errors_total", src.ReadErrors)
	gauge("capture_reconnects_total", src.Reconnects)
	gauge("capture_fps", fmt.Sprintf("%.2f", src.FPSReal))
	gauge("processing_enabled", boolMetric(a.processing.Load()))
	gauge("analysis_dispatches_total", an.Dispatches)
	gauge("analysis_succeeded_total", an.Succeeded)
	gauge("analysis_frames_dropped_total", an.FramesDropped)

	kinds := make([]string, 0, len(an.FailuresByKind))
	for k := range an.FailuresByKind {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(&b, "visiond_analysis_failures_total{%s,kind=%q} %d\n", label, k, an.FailuresByKind[k])
	}

	gauge("speech_pending", sp.Pending)
	gauge("speech_spoken_total", sp.Spoken)
	gauge("speech_failed_total", sp.Failed)
	gauge("speech_discarded_total", sp.Discarded)
	gauge("speech_interrupts_total", sp.Interrupts)
	return b.String()
}

func boolMetric(v bool) int {
	if v {
		return 1
	}
	return 0
}

// publishHealth publishes HealthCheck on the health topic until ctx ends
func (a *Assistant) publishHealth(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			payload, err := json.Marshal(a.HealthCheck())
			if err != nil {
				a.logger.Error("failed to marshal health", "error", err)
				continue
			}
			if err := a.emitter.PublishHealth(payload); err != nil {
				a.logger.Debug("failed to publish health", "error", err)
			}
		}
	}
}
