// Package styleprompt loads the style-prompt configuration that stage 0
// (spec.md §4.1, "Load system style-prompts") hands to every downstream
// LLM-backed stage. Backed by gopkg.in/yaml.v3, with an embedded default
// file loaded when no path is given, and a hard-coded Default() preset that
// stage 0's fallback producer uses (spec.md §4.2: fallback producers must be
// pure and dependency-free).
package styleprompt

import (
	"embed"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var embedded embed.FS

// Preset is one named style configuration: tone guidance plus rendering
// defaults that downstream stages (summary, script, image plan, narration,
// render) read from the context.
type Preset struct {
	Name            string `yaml:"name"`
	Tone            string `yaml:"tone"`
	SummaryPrompt   string `yaml:"summary_prompt"`
	ScriptPrompt    string `yaml:"script_prompt"`
	NarrationPrompt string `yaml:"narration_prompt"`
	VoiceID         string `yaml:"voice_id"`
	RenderQuality   string `yaml:"render_quality"`
}

// Library is the full set of loadable presets, keyed by name.
type Library struct {
	Presets []Preset `yaml:"presets"`
}

// Load reads a style-prompt YAML file from path. An empty path loads the
// embedded default set.
func Load(path string) (*Library, error) {
	var raw []byte
	var err error
	if strings.TrimSpace(path) == "" {
		raw, err = embedded.ReadFile("default.yaml")
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read style prompt file: %w", err)
	}
	var lib Library
	if err := yaml.Unmarshal(raw, &lib); err != nil {
		return nil, fmt.Errorf("parse style prompt yaml: %w", err)
	}
	if len(lib.Presets) == 0 {
		return nil, fmt.Errorf("style prompt file has no presets")
	}
	return &lib, nil
}

// Find returns the named preset, or the library's first preset if name is
// empty or not found. Stage 0's Run resolves the job's preset through it;
// stage 0's registry fallback uses Default() instead.
func (l *Library) Find(name string) Preset {
	if l == nil || len(l.Presets) == 0 {
		return Default()
	}
	if name != "" {
		for _, p := range l.Presets {
			if p.Name == name {
				return p
			}
		}
	}
	return l.Presets[0]
}

// Default returns the single hard-coded preset used when even the embedded
// file cannot be parsed — the last-resort fallback with no I/O at all.
func Default() Preset {
	return Preset{
		Name:            "plain",
		Tone:            "neutral, clear, concise",
		SummaryPrompt:   "Summarize the following material in about 100 words, plainly and accurately.",
		ScriptPrompt:    "Turn the following summary and document into a slide-by-slide narrated animation script.",
		NarrationPrompt: "Write narration for each slide matching its on-screen text, one to two sentences per slide.",
		VoiceID:         "en-US-Neural2-C",
		RenderQuality:   "high",
	}
}
