// Package llm adapts internal/platform/openai.Client to the four pipeline
// stages that call out to an LLM service (spec.md §6): summary (stage 2),
// base animation script (stage 3), image plan (stage 4), and narration
// (stage 8). Grounded on internal/clients/openai/client.go's interface
// shape, backed by the fuller internal/platform/openai client actually kept
// in this module (see DESIGN.md) for its retry/backoff and structured-output
// support.
package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xdotcontractor01/mdvideo/internal/platform/openai"
	"github.com/xdotcontractor01/mdvideo/internal/platform/promptstyle"
	"github.com/xdotcontractor01/mdvideo/internal/styleprompt"
)

// Service is the narrow LLM surface the stage implementations depend on.
type Service interface {
	Summarize(ctx context.Context, preset styleprompt.Preset, canonicalMarkdown string) (string, error)
	GenerateBaseScript(ctx context.Context, preset styleprompt.Preset, summary string) (ScriptPlan, error)
	PlanImages(ctx context.Context, summary string, timings []SlideTimingInput) (ImagePlan, error)
	GenerateNarration(ctx context.Context, preset styleprompt.Preset, summary string, timings []SlideTimingInput) (NarrationPlan, error)
}

type SlideTimingInput struct {
	Index            int     `json:"index"`
	Label            string  `json:"label"`
	DurationEstimate float64 `json:"duration_estimate_seconds"`
}

type ScriptPlan struct {
	SceneSource string  `json:"scene_source"`
	Timings     []SlideTimingInput `json:"timings"`
}

type ImageQuery struct {
	SlideIndex int    `json:"slide_index"`
	Query      string `json:"query"`
	Layout     string `json:"layout"`
}

type ImagePlan struct {
	Queries []ImageQuery `json:"queries"`
}

type NarrationLine struct {
	SlideIndex       int     `json:"slide_index"`
	Text             string  `json:"text"`
	DurationEstimate float64 `json:"duration_estimate_seconds"`
}

type NarrationPlan struct {
	Lines []NarrationLine `json:"lines"`
}

type service struct {
	client openai.Client
}

func New(client openai.Client) Service {
	return &service{client: client}
}

func (s *service) Summarize(ctx context.Context, preset styleprompt.Preset, canonicalMarkdown string) (string, error) {
	system := promptstyle.ApplySystem(preset.SummaryPrompt, "text")
	text, err := s.client.GenerateText(ctx, system, canonicalMarkdown)
	if err != nil {
		return "", fmt.Errorf("llm summarize: %w", err)
	}
	return text, nil
}

func (s *service) GenerateBaseScript(ctx context.Context, preset styleprompt.Preset, summary string) (ScriptPlan, error) {
	system := promptstyle.ApplySystem(preset.ScriptPrompt, "json")
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"scene_source": map[string]any{"type": "string"},
			"timings": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"index":                       map[string]any{"type": "integer"},
						"label":                       map[string]any{"type": "string"},
						"duration_estimate_seconds":   map[string]any{"type": "number"},
					},
					"required": []string{"index", "label", "duration_estimate_seconds"},
				},
			},
		},
		"required": []string{"scene_source", "timings"},
	}
	raw, err := s.client.GenerateJSON(ctx, system, summary, "base_script", schema)
	if err != nil {
		return ScriptPlan{}, fmt.Errorf("llm base script: %w", err)
	}
	var plan ScriptPlan
	if err := remarshal(raw, &plan); err != nil {
		return ScriptPlan{}, fmt.Errorf("llm base script decode: %w", err)
	}
	return plan, nil
}

func (s *service) PlanImages(ctx context.Context, summary string, timings []SlideTimingInput) (ImagePlan, error) {
	system := promptstyle.ApplySystem(
		"Given a talk summary and per-slide timings, propose one short image search query and a layout hint (full, left, right, background) per slide.",
		"json",
	)
	user, err := json.Marshal(struct {
		Summary string             `json:"summary"`
		Timings []SlideTimingInput `json:"timings"`
	}{summary, timings})
	if err != nil {
		return ImagePlan{}, fmt.Errorf("llm image plan encode: %w", err)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"queries": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"slide_index": map[string]any{"type": "integer"},
						"query":       map[string]any{"type": "string"},
						"layout":      map[string]any{"type": "string"},
					},
					"required": []string{"slide_index", "query", "layout"},
				},
			},
		},
		"required": []string{"queries"},
	}
	raw, err := s.client.GenerateJSON(ctx, system, string(user), "image_plan", schema)
	if err != nil {
		return ImagePlan{}, fmt.Errorf("llm image plan: %w", err)
	}
	var plan ImagePlan
	if err := remarshal(raw, &plan); err != nil {
		return ImagePlan{}, fmt.Errorf("llm image plan decode: %w", err)
	}
	return plan, nil
}

func (s *service) GenerateNarration(ctx context.Context, preset styleprompt.Preset, summary string, timings []SlideTimingInput) (NarrationPlan, error) {
	system := promptstyle.ApplySystem(preset.NarrationPrompt, "json")
	user, err := json.Marshal(struct {
		Summary string             `json:"summary"`
		Timings []SlideTimingInput `json:"timings"`
	}{summary, timings})
	if err != nil {
		return NarrationPlan{}, fmt.Errorf("llm narration encode: %w", err)
	}
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"lines": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"slide_index":               map[string]any{"type": "integer"},
						"text":                      map[string]any{"type": "string"},
						"duration_estimate_seconds": map[string]any{"type": "number"},
					},
					"required": []string{"slide_index", "text", "duration_estimate_seconds"},
				},
			},
		},
		"required": []string{"lines"},
	}
	raw, err := s.client.GenerateJSON(ctx, system, string(user), "narration", schema)
	if err != nil {
		return NarrationPlan{}, fmt.Errorf("llm narration: %w", err)
	}
	var plan NarrationPlan
	if err := remarshal(raw, &plan); err != nil {
		return NarrationPlan{}, fmt.Errorf("llm narration decode: %w", err)
	}
	return plan, nil
}

func remarshal(raw map[string]any, out any) error {
	b, err := json.Marshal(raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}
