package llm

import "testing"

func TestRemarshal_DecodesMapIntoTypedStruct(t *testing.T) {
	raw := map[string]any{
		"scene_source": "scene intro",
		"timings": []any{
			map[string]any{"index": float64(0), "label": "Intro", "duration_estimate_seconds": float64(4)},
		},
	}
	var plan ScriptPlan
	if err := remarshal(raw, &plan); err != nil {
		t.Fatalf("remarshal() error = %v", err)
	}
	if plan.SceneSource != "scene intro" {
		t.Fatalf("SceneSource = %q, want %q", plan.SceneSource, "scene intro")
	}
	if len(plan.Timings) != 1 || plan.Timings[0].Label != "Intro" {
		t.Fatalf("Timings = %+v", plan.Timings)
	}
}

func TestRemarshal_ErrorsOnUnmarshalableInput(t *testing.T) {
	raw := map[string]any{"bad": make(chan int)}
	var plan ScriptPlan
	if err := remarshal(raw, &plan); err == nil {
		t.Fatalf("expected an error marshaling a channel value")
	}
}
