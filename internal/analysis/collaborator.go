// Package analysis dispatches frames to an external scene-analysis collaborator
// and merges its partial answers into one AnalysisResult.
package analysis

import (
	"context"
	"fmt"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// SceneAnalyzer is the primary "analyze scene" operation
type SceneAnalyzer interface {
	AnalyzeScene(ctx context.Context, image []byte) (*types.Scene, error)
}

// TextExtractor is the optional OCR operation
type TextExtractor interface {
	ExtractText(ctx context.Context, image []byte) (string, error)
}

// FaceDetector is the optional face operation; only some backends support it
type FaceDetector interface {
	DetectFaces(ctx context.Context, image []byte) ([]types.Face, error)
}

// Collaborator is the minimum a backend must provide
type Collaborator interface {
	SceneAnalyzer
	TextExtractor
}

// StatusError is returned by collaborators that know the status code of the
// failed remote call
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("analysis: status %d: %s", e.Status, e.Message)
}
