package analysis

import (
	"context"
	"sync/atomic"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// Mock is a deterministic collaborator for running without a vision backend.
// It cycles through a small set of canned scenes.
type Mock struct {
	n atomic.Uint64
}

var mockScenes = []types.Scene{
	{
		Description: "a hallway with a door at the end",
		Objects: []types.Object{
			{Name: "door", Confidence: 0.91, Box: types.BoundingBox{X: 560, Y: 120, Width: 160, Height: 420}},
		},
		Tags: []string{"indoor", "hallway"},
	},
	{
		Description: "a person standing near a table",
		Objects: []types.Object{
			{Name: "person", Confidence: 0.95, Box: types.BoundingBox{X: 200, Y: 100, Width: 250, Height: 300}},
			{Name: "table", Confidence: 0.82, Box: types.BoundingBox{X: 700, Y: 400, Width: 300, Height: 150}},
		},
		Tags: []string{"indoor", "person"},
	},
	{
		Tags: []string{"outdoor", "street"},
	},
}

// AnalyzeScene implements SceneAnalyzer
func (m *Mock) AnalyzeScene(ctx context.Context, image []byte) (*types.Scene, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	i := m.n.Add(1) - 1
	scene := mockScenes[i%uint64(len(mockScenes))]
	return &scene, nil
}

// ExtractText implements TextExtractor
func (m *Mock) ExtractText(ctx context.Context, image []byte) (string, error) {
	if m.n.Load()%uint64(len(mockScenes)) == 1 {
		return "EXIT", nil
	}
	return "", nil
}

// DetectFaces implements FaceDetector
func (m *Mock) DetectFaces(ctx context.Context, image []byte) ([]types.Face, error) {
	return []types.Face{{Box: types.BoundingBox{X: 260, Y: 110, Width: 80, Height: 90}}}, nil
}
