package narration

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/harshitnarang21/AI-Vision/internal/types"
)

func TestDirection(t *testing.T) {
	tests := []struct {
		name string
		box  types.BoundingBox
		want string
	}{
		{"far left", types.BoundingBox{X: 0, Width: 0}, "left"},
		{"center", types.BoundingBox{X: 590, Width: 100}, "ahead"},
		{"far right", types.BoundingBox{X: 1000, Width: 0}, "right"},
		{"slightly left", types.BoundingBox{X: 490, Width: 0}, "slightly left"},
		{"slightly right", types.BoundingBox{X: 790, Width: 0}, "slightly right"},
		{"edge of ahead", types.BoundingBox{X: 739, Width: 0}, "ahead"},
		{"exactly 100 right", types.BoundingBox{X: 740, Width: 0}, "slightly right"},
		{"exactly 200 left", types.BoundingBox{X: 440, Width: 0}, "slightly left"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Direction(tt.box, 1280); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func objectsNamed(names ...string) []types.Object {
	objs := make([]types.Object, len(names))
	for i, n := range names {
		// Descending confidence keeps input order after sorting
		objs[i] = types.Object{Name: n, Confidence: 0.99 - float64(i)*0.01}
	}
	return objs
}

func TestPlan_ObjectList(t *testing.T) {
	tests := []struct {
		name    string
		objects []types.Object
		want    string
	}{
		{"one", objectsNamed("cat"), "Detected cat"},
		{"two", objectsNamed("cat", "dog"), "Detected cat and dog"},
		{"three", objectsNamed("cat", "dog", "bird"), "Detected cat, dog, and bird"},
		{
			"seven",
			objectsNamed("a", "b", "c", "d", "e", "f", "g"),
			"Detected a, b, c, d, and e, and 2 more objects",
		},
		{
			"sorted by confidence",
			[]types.Object{
				{Name: "chair", Confidence: 0.75},
				{Name: "table", Confidence: 0.95},
				{Name: "cup", Confidence: 0.2},
			},
			"Detected table and chair",
		},
	}

	p := DefaultPlanner()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := p.Plan(&types.AnalysisResult{Objects: tt.objects})
			if len(msgs) != 1 {
				t.Fatalf("Expected 1 message, got %d: %+v", len(msgs), msgs)
			}
			if msgs[0].Text != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, msgs[0].Text)
			}
			if msgs[0].Priority != PriorityObjects || msgs[0].Interrupt {
				t.Errorf("Expected priority %d without interrupt, got %+v", PriorityObjects, msgs[0])
			}
		})
	}
}

func TestPlan_ObjectsBelowThreshold(t *testing.T) {
	msgs := DefaultPlanner().Plan(&types.AnalysisResult{
		Objects: []types.Object{{Name: "ghost", Confidence: 0.69}},
	})
	if len(msgs) != 0 {
		t.Errorf("Expected no messages, got %+v", msgs)
	}
}

func TestPlan_ErrorResult(t *testing.T) {
	p := DefaultPlanner()

	if msgs := p.Plan(nil); len(msgs) != 0 {
		t.Errorf("Expected no messages for nil result, got %+v", msgs)
	}

	msgs := p.Plan(&types.AnalysisResult{
		Description: "ignored",
		Error:       &types.AnalysisError{Kind: types.KindRateLimited, Message: "slow down"},
	})
	if len(msgs) != 0 {
		t.Errorf("Expected no messages for error result, got %+v", msgs)
	}
}

func TestPlan_AllRules(t *testing.T) {
	person := types.Object{Name: "person", Confidence: 0.9, Box: types.BoundingBox{X: 0, Width: 100}}
	result := &types.AnalysisResult{
		Description: "a busy street",
		Objects:     []types.Object{person},
		Obstacles: []types.Obstacle{
			{Object: person, Distance: "close"},
			{Object: types.Object{Name: "pole", Box: types.BoundingBox{X: 600, Width: 80}}, Distance: "far"},
		},
		Tags:  []string{"outdoor"},
		Text:  "ONE WAY",
		Faces: []types.Face{{}, {}},
	}

	want := []types.NarrationMessage{
		{Text: "Warning. left person at close. ahead pole at far", Priority: 10, Interrupt: true},
		{Text: "Detected person", Priority: 6},
		{Text: "a busy street", Priority: 5},
		{Text: "Text detected: ONE WAY", Priority: 2},
		{Text: "Detected 2 faces", Priority: 1},
	}

	got := DefaultPlanner().Plan(result)
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected\n%+v\ngot\n%+v", want, got)
	}
}

func TestPlan_TagsOnlyWithoutDescription(t *testing.T) {
	p := DefaultPlanner()
	tags := []string{"a", "b", "c", "d", "e", "f"}

	msgs := p.Plan(&types.AnalysisResult{Tags: tags})
	if len(msgs) != 1 || msgs[0].Text != "Scene contains: a, b, c, d, e" || msgs[0].Priority != PriorityTags {
		t.Errorf("Expected tag summary, got %+v", msgs)
	}

	msgs = p.Plan(&types.AnalysisResult{Description: "park", Tags: tags})
	for _, m := range msgs {
		if strings.HasPrefix(m.Text, "Scene contains") {
			t.Errorf("Expected no tag summary alongside a description, got %q", m.Text)
		}
	}
}

func TestPlan_TextTruncated(t *testing.T) {
	long := strings.Repeat("x", 250)
	msgs := DefaultPlanner().Plan(&types.AnalysisResult{Text: long})
	if len(msgs) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(msgs))
	}
	if want := "Text detected: " + strings.Repeat("x", 200); msgs[0].Text != want {
		t.Errorf("Expected text truncated to 200 characters, got %d", len(msgs[0].Text))
	}
}

func TestPlan_SingleFace(t *testing.T) {
	msgs := DefaultPlanner().Plan(&types.AnalysisResult{Faces: []types.Face{{}}})
	if len(msgs) != 1 || msgs[0].Text != "Detected 1 face" {
		t.Errorf("Expected 'Detected 1 face', got %+v", msgs)
	}
}

func TestPlan_Deterministic(t *testing.T) {
	result := &types.AnalysisResult{
		Description: "room",
		Objects: []types.Object{
			{Name: "chair", Confidence: 0.8},
			{Name: "desk", Confidence: 0.8},
			{Name: "lamp", Confidence: 0.8},
		},
		Obstacles: []types.Obstacle{{Object: types.Object{Name: "chair"}, Distance: "close"}},
	}

	p := DefaultPlanner()
	first := p.Plan(result)
	for i := 0; i < 100; i++ {
		if got := p.Plan(result); !reflect.DeepEqual(got, first) {
			t.Fatalf("Run %d: Expected %+v, got %+v", i, first, got)
		}
	}
	if first[1].Text != "Detected chair, desk, and lamp" {
		t.Errorf("Expected ties in detection order, got %q", first[1].Text)
	}
}

func ExamplePlanner_Plan() {
	result := &types.AnalysisResult{
		Description: "a kitchen with a table",
		Objects: []types.Object{
			{Name: "chair", Confidence: 0.92, Box: types.BoundingBox{X: 900, Y: 300, Width: 200, Height: 300}},
			{Name: "cup", Confidence: 0.81},
		},
		Obstacles: []types.Obstacle{
			{Object: types.Object{Name: "chair", Box: types.BoundingBox{X: 900, Width: 200}}, Distance: "very close"},
		},
	}

	for _, msg := range DefaultPlanner().Plan(result) {
		fmt.Printf("%d %t %s\n", msg.Priority, msg.Interrupt, msg.Text)
	}
	// Output:
	// 10 true Warning. right chair at very close
	// 6 false Detected chair and cup
	// 5 false a kitchen with a table
}
