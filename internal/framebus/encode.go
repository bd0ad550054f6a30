package framebus

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png" // register PNG for Decode
	"time"

	"github.com/google/uuid"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// DefaultJPEGQuality is the transport quality for frames crossing the process boundary
const DefaultJPEGQuality = 85

// Snapshot is an encoded frame ready for transport
type Snapshot struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`
	TraceID   string    `json:"trace_id,omitempty"`
	// JPEG holds the encoded bytes
	JPEG []byte `json:"-"`
	// Image is the base64-encoded JPEG for embedding in structured responses
	Image string `json:"image"`
}

// NewSnapshot encodes frame as JPEG at the given quality (0 selects the default)
func NewSnapshot(frame *types.Frame, quality int) (*Snapshot, error) {
	if frame == nil {
		return nil, ErrNoFrame
	}
	data, err := EncodeJPEG(frame, quality)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		Width:     frame.Width,
		Height:    frame.Height,
		TraceID:   frame.TraceID,
		JPEG:      data,
		Image:     base64.StdEncoding.EncodeToString(data),
	}, nil
}

// EncodeJPEG encodes an RGB24 frame as JPEG
func EncodeJPEG(frame *types.Frame, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	img, err := toRGBA(frame)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("framebus: jpeg encode failed: %w", err)
	}
	return buf.Bytes(), nil
}

// MaxDecodePixels caps the declared size of images accepted by Decode
const MaxDecodePixels = 4096 * 4096

// Decode turns caller-supplied JPEG or PNG bytes into an RGB24 frame.
// Malformed input, or a header declaring more than MaxDecodePixels, returns an
// error wrapping ErrDecodeFailure.
func Decode(data []byte) (*types.Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrDecodeFailure)
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width*cfg.Height > MaxDecodePixels {
		return nil, fmt.Errorf("%w: image size %dx%d exceeds limit", ErrDecodeFailure, cfg.Width, cfg.Height)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecodeFailure, err)
	}

	b := img.Bounds()
	rgba, ok := img.(*image.RGBA)
	if !ok {
		rgba = image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	}

	w, h := rgba.Bounds().Dx(), rgba.Bounds().Dy()
	pix := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		row := rgba.Pix[y*rgba.Stride : y*rgba.Stride+w*4]
		for x := 0; x < w; x++ {
			copy(pix[(y*w+x)*3:(y*w+x)*3+3], row[x*4:x*4+3])
		}
	}

	return &types.Frame{
		Timestamp: time.Now(),
		Width:     w,
		Height:    h,
		Data:      pix,
		Source:    "upload",
		TraceID:   uuid.New().String(),
	}, nil
}

// toRGBA expands packed RGB24 into an opaque RGBA image
func toRGBA(frame *types.Frame) (*image.RGBA, error) {
	if frame.Width <= 0 || frame.Height <= 0 {
		return nil, fmt.Errorf("framebus: invalid frame size %dx%d", frame.Width, frame.Height)
	}
	need := frame.Width * frame.Height * 3
	if len(frame.Data) < need {
		return nil, fmt.Errorf("framebus: short frame buffer (have %d bytes, need %d)", len(frame.Data), need)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for i, j := 0, 0; i < need; i, j = i+3, j+4 {
		img.Pix[j] = frame.Data[i]
		img.Pix[j+1] = frame.Data[i+1]
		img.Pix[j+2] = frame.Data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}
