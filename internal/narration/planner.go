// Package narration turns analysis results into prioritized spoken messages.
//
// Planning is a pure function of the result: no I/O, no shared state, and the
// same result always yields the same messages in the same order.
package narration

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

// Message priorities. Higher is spoken first.
const (
	PriorityObstacle    = 10
	PriorityObjects     = 6
	PriorityDescription = 5
	PriorityTags        = 4
	PriorityText        = 2
	PriorityFaces       = 1
)

// Planner holds the tunables for narration rules
type Planner struct {
	// Threshold is the minimum confidence for an object to be named
	Threshold float64
	// FrameWidth is the reference width used to place obstacles left or right
	FrameWidth int
	// MaxObjects and MaxTags cap how many names are read out
	MaxObjects int
	MaxTags    int
	// MaxTextLen truncates OCR text, in characters
	MaxTextLen int
}

// DefaultPlanner returns a planner with the standard rules
func DefaultPlanner() Planner {
	return Planner{
		Threshold:  0.7,
		FrameWidth: 1280,
		MaxObjects: 5,
		MaxTags:    5,
		MaxTextLen: 200,
	}
}

// Plan returns the narration messages for one analysis result. Error results
// produce no messages.
func (p Planner) Plan(result *types.AnalysisResult) []types.NarrationMessage {
	if result.Failed() {
		return nil
	}

	var msgs []types.NarrationMessage
	add := func(text string, priority int, interrupt bool) {
		msgs = append(msgs, types.NarrationMessage{Text: text, Priority: priority, Interrupt: interrupt})
	}

	if len(result.Obstacles) > 0 {
		add(p.obstacleWarning(result.Obstacles), PriorityObstacle, true)
	}

	if text, ok := p.objectSummary(result.Objects); ok {
		add(text, PriorityObjects, false)
	}

	if result.Description != "" {
		add(result.Description, PriorityDescription, false)
	}

	if result.Text != "" {
		add("Text detected: "+truncate(result.Text, p.MaxTextLen), PriorityText, false)
	}

	if result.Description == "" && len(result.Tags) > 0 {
		tags := result.Tags
		if len(tags) > p.MaxTags {
			tags = tags[:p.MaxTags]
		}
		add("Scene contains: "+strings.Join(tags, ", "), PriorityTags, false)
	}

	if n := len(result.Faces); n > 0 {
		text := fmt.Sprintf("Detected %d face", n)
		if n > 1 {
			text += "s"
		}
		add(text, PriorityFaces, false)
	}

	return msgs
}

func (p Planner) obstacleWarning(obstacles []types.Obstacle) string {
	warnings := make([]string, 0, len(obstacles))
	for _, o := range obstacles {
		distance := o.Distance
		if distance == "" {
			distance = "unknown distance"
		}
		warnings = append(warnings, fmt.Sprintf("%s %s at %s",
			Direction(o.Box, p.FrameWidth), nameOf(o.Object), distance))
	}
	return "Warning. " + strings.Join(warnings, ". ")
}

// objectSummary names the most confident objects as a spoken list
func (p Planner) objectSummary(objects []types.Object) (string, bool) {
	var detected []types.Object
	for _, obj := range objects {
		if obj.Confidence >= p.Threshold {
			detected = append(detected, obj)
		}
	}
	if len(detected) == 0 {
		return "", false
	}

	// Stable so equal confidences keep detection order
	sort.SliceStable(detected, func(i, j int) bool {
		return detected[i].Confidence > detected[j].Confidence
	})

	top := detected
	if len(top) > p.MaxObjects {
		top = top[:p.MaxObjects]
	}
	names := make([]string, len(top))
	for i, obj := range top {
		names[i] = nameOf(obj)
	}

	text := "Detected " + JoinList(names)
	if extra := len(detected) - len(top); extra > 0 {
		text += fmt.Sprintf(", and %d more objects", extra)
	}
	return text, true
}

// JoinList formats names as an English list: "a", "a and b", "a, b, and c"
func JoinList(names []string) string {
	switch len(names) {
	case 0:
		return ""
	case 1:
		return names[0]
	case 2:
		return names[0] + " and " + names[1]
	default:
		return strings.Join(names[:len(names)-1], ", ") + ", and " + names[len(names)-1]
	}
}

// Direction places a box relative to the center of a frame of the given width:
// "ahead" within 100px of center, "left"/"right" beyond 200px, and
// "slightly left"/"slightly right" in between.
func Direction(box types.BoundingBox, frameWidth int) string {
	rel := box.CenterX() - float64(frameWidth)/2

	switch {
	case math.Abs(rel) < 100:
		return "ahead"
	case rel < -200:
		return "left"
	case rel > 200:
		return "right"
	case rel < 0:
		return "slightly left"
	default:
		return "slightly right"
	}
}

func nameOf(obj types.Object) string {
	if obj.Name == "" {
		return "object"
	}
	return obj.Name
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	return string(r[:n])
}
