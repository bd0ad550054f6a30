package core

import (
	"context"
	"time"

	"github.com/harshitnarang21/AI-Vision/internal/control"
)

// analyzeTimeout bounds an on-demand analysis requested over MQTT
const analyzeTimeout = 30 * time.Second

func (a *Assistant) commandCallbacks() control.CommandCallbacks {
	return control.CommandCallbacks{
		OnGetStatus:     a.Status,
		OnStartCamera:   a.StartCamera,
		OnStopCamera:    a.StopCamera,
		OnSpeak:         a.Speak,
		OnTestAudio:     a.TestAudio,
		OnAnalyzeLatest: a.analyzeLatestCommand,
		OnSetProcessing: func(enabled bool) error {
			a.SetProcessing(enabled)
			return nil
		},
		OnShutdown: a.shutdownViaControl,
	}
}

// Status returns the current service status
func (a *Assistant) Status() map[string]interface{} {
	a.mu.RLock()
	running := a.isRunning
	var uptime float64
	if running {
		uptime = time.Since(a.started).Seconds()
	}
	a.mu.RUnlock()

	sourceStats := a.source.Stats()
	analysisStats := a.dispatcher.Stats()
	speechStats := a.queue.Stats()

	status := map[string]interface{}{
		"instance_id":        a.cfg.InstanceID,
		"uptime_s":           uptime,
		"running":            running,
		"camera_active":      sourceStats.Running,
		"processing_enabled": a.processing.Load(),
		"camera": map[string]interface{}{
			"device":            sourceStats.DeviceIndex,
			"fps_real":          float64(int(sourceStats.FPSReal*100)) / 100,
			"frames_captured":   sourceStats.FramesCaptured,
			"frames_dispatched": sourceStats.FramesDispatched,
			"read_errors":       sourceStats.ReadErrors,
			"reconnects":        sourceStats.Reconnects,
			"decimation":        sourceStats.Decimation,
		},
		"analysis": map[string]interface{}{
			"backend":          a.cfg.Analysis.Backend,
			"dispatches":       analysisStats.Dispatches,
			"succeeded":        analysisStats.Succeeded,
			"failed":           analysisStats.Failed,
			"failures_by_kind": analysisStats.FailuresByKind,
			"frames_dropped":   analysisStats.FramesDropped,
			"face_detection":   analysisStats.FaceDetection,
		},
		"speech": map[string]interface{}{
			"engine":    a.cfg.Speech.Engine,
			"state":     speechStats.State.String(),
			"pending":   speechStats.Pending,
			"spoken":    speechStats.Spoken,
			"failed":    speechStats.Failed,
			"discarded": speechStats.Discarded,
		},
	}

	if last := a.dispatcher.LastResult(); last != nil {
		status["last_result"] = map[string]interface{}{
			"id":        last.ID,
			"timestamp": last.Timestamp,
			"failed":    last.Failed(),
		}
	}

	if a.emitter != nil {
		emitterStats := a.emitter.Stats()
		status["mqtt"] = map[string]interface{}{
			"broker":    a.cfg.MQTT.Broker,
			"connected": emitterStats.Connected,
			"published": emitterStats.Published,
			"errors":    emitterStats.Errors,
		}
	}

	return status
}

func (a *Assistant) analyzeLatestCommand() (map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(a.baseContext(), analyzeTimeout)
	defer cancel()

	result, err := a.AnalyzeLatest(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"result": result}, nil
}

// shutdownViaControl ends Run as if the process had been signalled
func (a *Assistant) shutdownViaControl() error {
	a.mu.RLock()
	cancel := a.cancelCtx
	a.mu.RUnlock()

	a.logger.Warn("shutdown requested via control plane")
	if cancel != nil {
		cancel()
	}
	return nil
}
