package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tinyzimmer/go-gst/gst"
	"github.com/tinyzimmer/go-gst/gst/app"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// openTimeout bounds how long OpenGStreamer waits for the pipeline to reach PLAYING
const openTimeout = 5 * time.Second

// gstDevice captures from a V4L2 device through a GStreamer pipeline:
//
//	v4l2src → videoconvert → videoscale → videorate → capsfilter(RGB) → appsink
//
// The appsink keeps only the latest buffer; OnNewSample copies it into Go
// memory and hands it to Read through a one-slot channel.
type gstDevice struct {
	path     string
	width    int
	height   int
	pipeline *gst.Pipeline

	frames chan *types.Frame
	errs   chan error
	done   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

// OpenGStreamer is a DeviceOpener for /dev/video<index> devices.
// Resolution and frame rate are hints: videoscale and videorate adapt whatever
// the camera produces.
func OpenGStreamer(cfg DeviceConfig) (Device, error) {
	if cfg.Index < 0 {
		return nil, fmt.Errorf("invalid device index %d", cfg.Index)
	}
	gst.Init(nil)

	d := &gstDevice{
		path:   fmt.Sprintf("/dev/video%d", cfg.Index),
		width:  cfg.Width,
		height: cfg.Height,
		frames: make(chan *types.Frame, 1),
		errs:   make(chan error, 1),
		done:   make(chan struct{}),
	}

	pipeline, sink, err := buildPipeline(d.path, cfg)
	if err != nil {
		return nil, err
	}
	d.pipeline = pipeline

	sink.SetCallbacks(&app.SinkCallbacks{
		NewSampleFunc: d.onNewSample,
	})

	if err := pipeline.SetState(gst.StatePlaying); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, fmt.Errorf("failed to start pipeline for %s: %w", d.path, err)
	}

	if err := d.waitPlaying(openTimeout); err != nil {
		pipeline.SetState(gst.StateNull)
		return nil, err
	}

	d.wg.Add(1)
	go d.monitorBus()

	slog.Info("capture: gstreamer device opened",
		"device", d.path,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
	)
	return d, nil
}

func buildPipeline(path string, cfg DeviceConfig) (*gst.Pipeline, *app.Sink, error) {
	pipeline, err := gst.NewPipeline("")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pipeline: %w", err)
	}

	src, err := gst.NewElement("v4l2src")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create v4l2src: %w", err)
	}
	src.SetProperty("device", path)

	converter, err := gst.NewElement("videoconvert")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoconvert: %w", err)
	}
	scaler, err := gst.NewElement("videoscale")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videoscale: %w", err)
	}
	rate, err := gst.NewElement("videorate")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create videorate: %w", err)
	}
	rate.SetProperty("drop-only", true)

	capsfilter, err := gst.NewElement("capsfilter")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capsfilter: %w", err)
	}
	capsfilter.SetProperty("caps", gst.NewCapsFromString(
		fmt.Sprintf("video/x-raw,format=RGB,width=%d,height=%d,framerate=%d/1", cfg.Width, cfg.Height, cfg.FPS),
	))

	sink, err := app.NewAppSink()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create appsink: %w", err)
	}
	sink.SetProperty("sync", false)
	sink.SetProperty("max-buffers", 1)
	sink.SetProperty("drop", true)

	if err := pipeline.AddMany(src, converter, scaler, rate, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to add pipeline elements: %w", err)
	}
	if err := gst.ElementLinkMany(src, converter, scaler, rate, capsfilter, sink.Element); err != nil {
		return nil, nil, fmt.Errorf("failed to link pipeline elements: %w", err)
	}
	return pipeline, sink, nil
}

// waitPlaying blocks until the pipeline reports PLAYING or an error
func (d *gstDevice) waitPlaying(timeout time.Duration) error {
	bus := d.pipeline.GetPipelineBus()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		msg := bus.TimedPop(100 * time.Millisecond)
		if msg == nil {
			continue
		}
		switch msg.Type() {
		case gst.MessageError:
			gerr := msg.ParseError()
			return &ReadError{
				Category: ClassifyError(gerr.Error(), gerr.DebugString()),
				Err:      fmt.Errorf("%s: %s", d.path, gerr.Error()),
			}
		case gst.MessageStateChanged:
			if msg.Source() != d.pipeline.GetName() {
				continue
			}
			if _, newState := msg.ParseStateChanged(); newState == gst.StatePlaying {
				return nil
			}
		}
	}
	return fmt.Errorf("%s: pipeline did not reach PLAYING within %s", d.path, timeout)
}

// onNewSample copies the appsink buffer (GStreamer reuses it) and replaces
// any frame Read has not consumed yet.
func (d *gstDevice) onNewSample(sink *app.Sink) gst.FlowReturn {
	sample := sink.PullSample()
	if sample == nil {
		return gst.FlowOK
	}
	buffer := sample.GetBuffer()
	if buffer == nil {
		return gst.FlowOK
	}

	mapInfo := buffer.Map(gst.MapRead)
	data := mapInfo.Bytes()
	if len(data) == 0 {
		buffer.Unmap()
		return gst.FlowOK
	}
	frameData := make([]byte, len(data))
	copy(frameData, data)
	buffer.Unmap()

	frame := &types.Frame{
		Timestamp: time.Now(),
		Width:     d.width,
		Height:    d.height,
		Data:      frameData,
		Source:    d.path,
		TraceID:   uuid.New().String(),
	}

	select {
	case d.frames <- frame:
	default:
		select {
		case <-d.frames:
			d.dropped.Add(1)
		default:
		}
		select {
		case d.frames <- frame:
		default:
			d.dropped.Add(1)
		}
	}
	return gst.FlowOK
}

// monitorBus forwards pipeline errors and EOS to Read
func (d *gstDevice) monitorBus() {
	defer d.wg.Done()
	bus := d.pipeline.GetPipelineBus()

	for {
		select {
		case <-d.done:
			return
		default:
		}

		msg := bus.TimedPop(50 * time.Millisecond)
		if msg == nil {
			continue
		}

		var err error
		switch msg.Type() {
		case gst.MessageEOS:
			err = &ReadError{Category: ErrCategoryDevice, Err: fmt.Errorf("%s: end of stream", d.path)}
		case gst.MessageError:
			gerr := msg.ParseError()
			err = &ReadError{
				Category: ClassifyError(gerr.Error(), gerr.DebugString()),
				Err:      fmt.Errorf("%s: %s", d.path, gerr.Error()),
			}
		default:
			continue
		}

		select {
		case d.errs <- err:
		default:
		}
	}
}

// Read implements Device
func (d *gstDevice) Read(ctx context.Context) (*types.Frame, error) {
	select {
	case frame := <-d.frames:
		return frame, nil
	case err := <-d.errs:
		return nil, err
	case <-d.done:
		return nil, ErrDeviceClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Device. Safe to call more than once.
func (d *gstDevice) Close() error {
	var err error
	d.once.Do(func() {
		close(d.done)
		d.wg.Wait()
		if e := d.pipeline.SetState(gst.StateNull); e != nil {
			err = fmt.Errorf("failed to set pipeline to NULL: %w", e)
		}
		slog.Debug("capture: gstreamer device closed",
			"device", d.path,
			"frames_dropped", d.dropped.Load(),
		)
	})
	return err
}
