package types

import (
	"fmt"
	"time"
)

// BoundingBox is a pixel rectangle in frame coordinates
type BoundingBox struct {
	X      int `json:"x" msgpack:"x"`
	Y      int `json:"y" msgpack:"y"`
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// CenterX returns the horizontal center of the box
func (b BoundingBox) CenterX() float64 {
	return float64(b.X) + float64(b.Width)/2
}

// Area returns the pixel area of the box
func (b BoundingBox) Area() int {
	return b.Width * b.Height
}

// Object is a detected object with its confidence in [0,1]
type Object struct {
	Name       string      `json:"name" msgpack:"name"`
	Confidence float64     `json:"confidence" msgpack:"confidence"`
	Box        BoundingBox `json:"position" msgpack:"position"`
}

// Obstacle is an object considered hazardous for navigation
type Obstacle struct {
	Object
	// Distance is a coarse bucket derived from the box area ("very close", "close", ...)
	Distance string `json:"distance_estimate"`
}

// Face is a detected face. Attributes are optional and empty when the
// collaborator could not estimate them.
type Face struct {
	Box     BoundingBox `json:"position" msgpack:"position"`
	Age     *int        `json:"age,omitempty" msgpack:"age,omitempty"`
	Gender  string      `json:"gender,omitempty" msgpack:"gender,omitempty"`
	Emotion string      `json:"emotion,omitempty" msgpack:"emotion,omitempty"`
}

// Scene is the primary result of an "analyze scene" call
type Scene struct {
	Description string   `json:"description" msgpack:"description"`
	Objects     []Object `json:"objects" msgpack:"objects"`
	Tags        []string `json:"tags" msgpack:"tags"`
}

// ErrorKind classifies analysis failures into stable categories
type ErrorKind int

const (
	// KindUnknown indicates an unclassified failure
	KindUnknown ErrorKind = iota
	// KindAuthError indicates rejected credentials
	KindAuthError
	// KindRateLimited indicates the collaborator throttled the request
	KindRateLimited
	// KindAccessDisabled indicates the collaborator endpoint refuses public access
	KindAccessDisabled
	// KindDecodeFailure indicates a malformed caller-supplied image
	KindDecodeFailure
)

// String returns the wire name of the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindAuthError:
		return "auth_error"
	case KindRateLimited:
		return "rate_limited"
	case KindAccessDisabled:
		return "access_disabled"
	case KindDecodeFailure:
		return "decode_failure"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k ErrorKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Unrecognized names map to KindUnknown.
func (k *ErrorKind) UnmarshalText(text []byte) error {
	*k = KindUnknown
	for _, kind := range []ErrorKind{KindAuthError, KindRateLimited, KindAccessDisabled, KindDecodeFailure} {
		if kind.String() == string(text) {
			*k = kind
		}
	}
	return nil
}

// AnalysisError is the error variant of an AnalysisResult
type AnalysisError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// AnalysisResult is the normalized, merged output of one analysis cycle.
// It is immutable once built.
type AnalysisResult struct {
	ID        string    `json:"id"`
	FrameSeq  uint64    `json:"frame_seq"`
	TraceID   string    `json:"trace_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	Description string     `json:"description,omitempty"`
	Objects     []Object   `json:"objects,omitempty"`
	Obstacles   []Obstacle `json:"obstacles,omitempty"`
	Tags        []string   `json:"tags,omitempty"`
	Text        string     `json:"text,omitempty"`
	Faces       []Face     `json:"faces,omitempty"`

	Error *AnalysisError `json:"error,omitempty"`
}

// Failed reports whether the result is an error variant
func (r *AnalysisResult) Failed() bool {
	return r == nil || r.Error != nil
}
