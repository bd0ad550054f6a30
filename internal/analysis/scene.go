package analysis

import (
	"strings"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// DefaultObstacleKeywords are the object classes treated as navigation hazards
var DefaultObstacleKeywords = []string{"person", "vehicle", "furniture", "barrier", "pole", "post"}

// ObstaclePolicy selects obstacles from detected objects
type ObstaclePolicy struct {
	// Threshold is the minimum confidence for an obstacle
	Threshold float64
	// Keywords are matched as case-insensitive substrings of the object name
	Keywords []string
}

// Obstacles returns, in detection order, the objects that match a keyword and
// reach the confidence threshold, each with a distance bucket.
func (p ObstaclePolicy) Obstacles(objects []types.Object) []types.Obstacle {
	var out []types.Obstacle
	for _, obj := range objects {
		if obj.Confidence < p.Threshold || !p.matches(obj.Name) {
			continue
		}
		out = append(out, types.Obstacle{
			Object:   obj,
			Distance: DistanceBucket(obj.Box),
		})
	}
	return out
}

func (p ObstaclePolicy) matches(name string) bool {
	name = strings.ToLower(name)
	for _, kw := range p.Keywords {
		if strings.Contains(name, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// DistanceBucket estimates distance from apparent size: larger boxes are closer
func DistanceBucket(box types.BoundingBox) string {
	switch area := box.Area(); {
	case area > 50000:
		return "very close"
	case area > 20000:
		return "close"
	case area > 5000:
		return "moderate distance"
	default:
		return "far"
	}
}
