// Package stages implements the eleven concrete stage bodies named by the
// Stage Registry (spec.md §4.1) and wires them into the
// []pipeline.StageDescriptor array the Pipeline Engine drives. Each stage
// body is a thin adaptation over the relevant external-collaborator
// adapter (internal/adapters/*); none of the adapters call back into the
// registry, keeping the dependency direction registry -> adapters, as
// spec.md §9 requires ("adapters are chosen at construction").
package stages

import (
	"context"
	"fmt"
	"html"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/xdotcontractor01/mdvideo/internal/adapters/audioqa"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/imagesearch"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/llm"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/mux"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/render"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/tts"
	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
	"github.com/xdotcontractor01/mdvideo/internal/styleprompt"
)

// Deps bundles the adapters and configuration every stage body may need.
// Constructed once per worker process and shared read-only across jobs.
type Deps struct {
	Log *logger.Logger

	Styles *styleprompt.Library
	LLM    llm.Service
	Images imagesearch.Service
	Render render.Renderer
	TTS    tts.Synthesiser
	Mux    mux.Muxer
	AudioQ audioqa.Checker

	DefaultVoiceID        string
	RenderQualityPrimary  string
	RenderQualityFallback string
	TruncationChars       int
	ImageFetchWorkers     int
	TTSClipWorkers        int
}

// Registry builds the fixed 11-entry stage array in ordinal order.
func Registry(d Deps) []pipeline.StageDescriptor {
	return []pipeline.StageDescriptor{
		stage0LoadStylePrompts(d),
		stage1ValidateInput(d),
		stage2Summarize(d),
		stage3BaseScript(d),
		stage4PlanImages(d),
		stage5FetchImages(d),
		stage6EnhanceScript(d),
		stage7Render(d),
		stage8Narration(d),
		stage9SynthesizeAudio(d),
		stage10Mux(d),
	}
}

// --- stage 0: load system style-prompts -----------------------------------

func stage0LoadStylePrompts(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       0,
		Name:        "load_style_prompts",
		MaxRetries:  1,
		Criticality: pipeline.Degradable,
		Timeout:     5 * time.Second,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			if d.Styles == nil {
				return classify.New(domain.ErrKindFS, fmt.Errorf("style prompt library not loaded"))
			}
			preset := d.Styles.Find(pc.StylePrompt)
			pc.StylePrompt = preset.Name
			return nil
		},
		Fallback: func(pc *pipeline.Context) error {
			pc.StylePrompt = styleprompt.Default().Name
			return nil
		},
	}
}

// --- stage 1: validate & normalise input -----------------------------------

var headingCollapse = regexp.MustCompile(`\n{3,}`)

func stage1ValidateInput(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       1,
		Name:        "validate_input",
		MaxRetries:  1,
		Criticality: pipeline.Fatal,
		Timeout:     10 * time.Second,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			raw, err := os.ReadFile(filepath.Join(pc.WorkDir, "input.md"))
			if err != nil {
				return classify.New(domain.ErrKindFS, fmt.Errorf("read input markdown: %w", err))
			}
			text := string(raw)
			if strings.TrimSpace(text) == "" {
				return classify.New(domain.ErrKindSyntax, fmt.Errorf("input markdown is empty"))
			}
			if !utf8.ValidString(text) {
				return classify.New(domain.ErrKindSyntax, fmt.Errorf("input markdown is not valid utf-8"))
			}
			text = html.UnescapeString(text)
			text = headingCollapse.ReplaceAllString(text, "\n\n")

			limit := d.TruncationChars
			if limit <= 0 {
				limit = 10000
			}
			truncated := false
			if runes := []rune(text); len(runes) > limit {
				text = string(runes[:limit])
				truncated = true
			}

			pc.CanonicalMarkdown = text
			pc.InputSizeBytes = len(text)
			pc.InputTruncated = truncated
			return nil
		},
		// No fallback: malformed input is a fatal, non-degradable stage
		// (spec.md §4.1 — reject the job rather than guess at intent).
	}
}

// --- stage 2: synthesise summary -------------------------------------------

func stage2Summarize(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       2,
		Name:        "synthesize_summary",
		MaxRetries:  3,
		Criticality: pipeline.Degradable,
		Timeout:     60 * time.Second,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			preset := presetFor(d, pc)
			text, err := d.LLM.Summarize(ctx, preset, pc.CanonicalMarkdown)
			if err != nil {
				return err
			}
			pc.Summary = strings.TrimSpace(text)
			pc.Tokens.Add(estimateTokens(pc.CanonicalMarkdown), estimateTokens(pc.Summary))
			return nil
		},
		Fallback: func(pc *pipeline.Context) error {
			pc.Summary = genericSummary(pc.CanonicalMarkdown)
			return nil
		},
	}
}

// --- stage 3: synthesise base animation script ------------------------------

func stage3BaseScript(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       3,
		Name:        "synthesize_base_script",
		MaxRetries:  3,
		Criticality: pipeline.Degradable,
		Timeout:     90 * time.Second,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			preset := presetFor(d, pc)
			plan, err := d.LLM.GenerateBaseScript(ctx, preset, pc.Summary)
			if err != nil {
				return err
			}
			if strings.TrimSpace(plan.SceneSource) == "" || len(plan.Timings) == 0 {
				return classify.New(domain.ErrKindFormat, fmt.Errorf("base script response missing scene source or timings"))
			}
			pc.BaseScript = plan.SceneSource
			pc.Timings = toSlideTimings(plan.Timings)
			pc.Tokens.Add(estimateTokens(pc.Summary), estimateTokens(plan.SceneSource))
			return nil
		},
		Fallback: func(pc *pipeline.Context) error {
			pc.BaseScript = scaffoldScript(pc.Summary)
			pc.Timings = scaffoldTimings(pc.Summary)
			return nil
		},
	}
}

// --- stage 4: plan images & layouts ----------------------------------------

func stage4PlanImages(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       4,
		Name:        "plan_images",
		MaxRetries:  3,
		Criticality: pipeline.Degradable,
		Timeout:     60 * time.Second,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			plan, err := d.LLM.PlanImages(ctx, pc.Summary, toLLMTimings(pc.Timings))
			if err != nil {
				return err
			}
			hints := make([]pipeline.LayoutHint, 0, len(plan.Queries))
			for _, q := range plan.Queries {
				hints = append(hints, pipeline.LayoutHint{Query: q.Query, Layout: q.Layout, Slide: q.SlideIndex})
			}
			pc.ImagePlan = hints
			return nil
		},
		Fallback: func(pc *pipeline.Context) error {
			pc.ImagePlan = nil
			return nil
		},
	}
}

// --- stage 5: fetch images ---------------------------------------------------

func stage5FetchImages(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       5,
		Name:        "fetch_images",
		MaxRetries:  3,
		Criticality: pipeline.Degradable,
		Timeout:     120 * time.Second,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			if len(pc.ImagePlan) == 0 {
				pc.Images = nil
				return nil
			}
			queries := make([]imagesearch.Query, 0, len(pc.ImagePlan))
			for _, h := range pc.ImagePlan {
				queries = append(queries, imagesearch.Query{SlideIndex: h.Slide, Text: h.Query})
			}
			destDir := filepath.Join(pc.WorkDir, "images")
			candidates, err := d.Images.FetchAll(ctx, queries, destDir, d.ImageFetchWorkers)
			if err != nil {
				return err
			}
			descriptors := make([]pipeline.ImageDescriptor, 0, len(candidates))
			for i, c := range candidates {
				if c.Path == "" {
					continue
				}
				descriptors = append(descriptors, pipeline.ImageDescriptor{
					Slide:  c.SlideIndex,
					Query:  pc.ImagePlan[i].Query,
					Path:   c.Path,
					Width:  c.WidthPx,
					Height: c.HeightPx,
				})
			}
			pc.Images = descriptors
			return nil
		},
		Fallback: func(pc *pipeline.Context) error {
			pc.Images = nil
			return nil
		},
	}
}

// --- stage 6: enhance script with images ------------------------------------

func stage6EnhanceScript(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       6,
		Name:        "enhance_script",
		MaxRetries:  2,
		Criticality: pipeline.Degradable,
		Timeout:     15 * time.Second,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			if len(pc.Images) == 0 {
				pc.EnhancedScript = pc.BaseScript
				return nil
			}
			var b strings.Builder
			b.WriteString(pc.BaseScript)
			b.WriteString("\n\n# image overlays\n")
			for _, img := range pc.Images {
				fmt.Fprintf(&b, "slide %d: image %s (%dx%d)\n", img.Slide, filepath.Base(img.Path), img.Width, img.Height)
			}
			pc.EnhancedScript = b.String()
			return nil
		},
		// Fallback is the no-op pass-through (spec.md §4.1); always succeeds.
		Fallback: func(pc *pipeline.Context) error {
			pc.EnhancedScript = pc.BaseScript
			return nil
		},
	}
}

// --- stage 7: render silent video (fatal, no fallback) -----------------------

func stage7Render(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       7,
		Name:        "render_video",
		MaxRetries:  2,
		Criticality: pipeline.Fatal,
		Timeout:     10 * time.Minute,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			slides := render.SlidesFromContext(pc)
			outPath := filepath.Join(pc.WorkDir, "silent_video.mp4")
			quality := render.Named(d.RenderQualityPrimary)
			if err := d.Render.Render(ctx, slides, quality, outPath); err != nil {
				// One retry at the fallback quality before surfacing fatally,
				// matching the registry's "re-render lowest quality; still
				// failing -> fatal" policy (spec.md §4.1) inline rather than
				// via a separate Fallback hook, since stage 7 has none.
				lowQuality := render.Named(d.RenderQualityFallback)
				if lowErr := d.Render.Render(ctx, slides, lowQuality, outPath); lowErr != nil {
					return classify.New(domain.ErrKindRender, fmt.Errorf("render failed at primary and fallback quality: %w", lowErr))
				}
			}
			pc.SilentVideoPath = outPath
			return nil
		},
	}
}

// --- stage 8: synthesise narration text -------------------------------------

func stage8Narration(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       8,
		Name:        "synthesize_narration",
		MaxRetries:  3,
		Criticality: pipeline.Degradable,
		Timeout:     60 * time.Second,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			preset := presetFor(d, pc)
			plan, err := d.LLM.GenerateNarration(ctx, preset, pc.Summary, toLLMTimings(pc.Timings))
			if err != nil {
				return err
			}
			records := make([]pipeline.NarrationRecord, 0, len(plan.Lines))
			for _, l := range plan.Lines {
				records = append(records, pipeline.NarrationRecord{Slide: l.SlideIndex, Text: l.Text, DurationEstimate: l.DurationEstimate})
			}
			pc.Narration = records
			pc.Tokens.Add(estimateTokens(pc.Summary), estimateTokens(narrationText(records)))
			return nil
		},
		Fallback: func(pc *pipeline.Context) error {
			pc.Narration = templateNarration(pc.Timings)
			return nil
		},
	}
}

// --- stage 9: synthesise audio clips -----------------------------------------

func stage9SynthesizeAudio(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       9,
		Name:        "synthesize_audio",
		MaxRetries:  3,
		Criticality: pipeline.Degradable,
		Timeout:     120 * time.Second,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			voiceID := d.DefaultVoiceID
			if preset := presetFor(d, pc); preset.VoiceID != "" {
				voiceID = preset.VoiceID
			}
			clipDir := filepath.Join(pc.WorkDir, "audio_clips")
			if err := os.MkdirAll(clipDir, 0o755); err != nil {
				return classify.New(domain.ErrKindFS, err)
			}
			clips := make([]pipeline.AudioClip, 0, len(pc.Narration))
			for _, n := range pc.Narration {
				clipPath := filepath.Join(clipDir, fmt.Sprintf("slide-%02d.mp3", n.Slide))
				if err := d.TTS.Synthesise(ctx, n.Text, voiceID, clipPath); err != nil {
					return err
				}
				clips = append(clips, pipeline.AudioClip{Slide: n.Slide, Path: clipPath, DurationSecs: n.DurationEstimate})
			}
			fullPath := filepath.Join(pc.WorkDir, "full_audio.mp3")
			total, err := concatClips(ctx, d, clips, fullPath)
			if err != nil {
				return err
			}
			pc.AudioClips = clips
			pc.FullAudioPath = fullPath
			pc.AudioDurationS = total
			return nil
		},
		Fallback: func(pc *pipeline.Context) error {
			// Pure, dependency-free silence clips sized to the script's own
			// timing estimates — no TTS or subprocess call (spec.md §4.2).
			clips := make([]pipeline.AudioClip, 0, len(pc.Timings))
			total := 0.0
			for _, t := range pc.Timings {
				dur := t.Duration()
				clips = append(clips, pipeline.AudioClip{Slide: t.Slide, Path: "", DurationSecs: dur})
				total += dur
			}
			pc.AudioClips = clips
			pc.FullAudioPath = ""
			pc.AudioDurationS = total
			return nil
		},
	}
}

func concatClips(ctx context.Context, d Deps, clips []pipeline.AudioClip, outPath string) (float64, error) {
	if len(clips) == 0 {
		return 0, classify.New(domain.ErrKindRender, fmt.Errorf("no audio clips to concatenate"))
	}
	if len(clips) == 1 {
		if err := os.Rename(clips[0].Path, outPath); err != nil {
			return 0, classify.New(domain.ErrKindFS, err)
		}
		return d.Mux.Duration(ctx, outPath)
	}
	if err := concatWithFfmpeg(ctx, clips, outPath); err != nil {
		return 0, err
	}
	return d.Mux.Duration(ctx, outPath)
}

// concatWithFfmpeg joins audio clips end to end via ffmpeg's concat demuxer,
// the same idiom internal/adapters/render.Renderer uses for video frames.
func concatWithFfmpeg(ctx context.Context, clips []pipeline.AudioClip, outPath string) error {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return classify.New(domain.ErrKindRender, fmt.Errorf("missing ffmpeg: %w", err))
	}
	listPath := outPath + ".concat.txt"
	var list strings.Builder
	for _, c := range clips {
		fmt.Fprintf(&list, "file '%s'\n", c.Path)
	}
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return classify.New(domain.ErrKindFS, fmt.Errorf("write audio concat list: %w", err))
	}
	defer os.Remove(listPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-f", "concat", "-safe", "0", "-i", listPath, "-c", "copy", outPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return classify.New(domain.ErrKindRender, fmt.Errorf("ffmpeg audio concat failed: %w; out=%s", err, string(out)))
	}
	return nil
}

// --- stage 10: mux audio & video ---------------------------------------------

func stage10Mux(d Deps) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       10,
		Name:        "mux_audio_video",
		MaxRetries:  2,
		Criticality: pipeline.Fatal,
		Timeout:     3 * time.Minute,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			if pc.FullAudioPath == "" {
				// Degraded audio fallback produced no real clips: keep the
				// silent video as final output (spec.md §4.1's stage 10
				// fallback policy), handled as a non-fatal early return.
				pc.FinalOutputPath = pc.SilentVideoPath
				return nil
			}
			outPath := filepath.Join(pc.WorkDir, "final.mp4")
			finalPath, err := d.Mux.Mux(ctx, pc.SilentVideoPath, pc.FullAudioPath, outPath)
			if err != nil {
				return err
			}
			pc.FinalOutputPath = finalPath
			return nil
		},
		// No declared Fallback: the "keep silent video, mark degraded" policy
		// is implemented inline above rather than via the retry-exhaustion
		// Fallback hook, since it depends on whether audio synthesis itself
		// degraded (stage 9), not on stage 10's own failure.
	}
}

// --- shared helpers ----------------------------------------------------------

func presetFor(d Deps, pc *pipeline.Context) styleprompt.Preset {
	if d.Styles == nil {
		return styleprompt.Default()
	}
	return d.Styles.Find(pc.StylePrompt)
}

func estimateTokens(s string) int {
	// A four-characters-per-token heuristic, the same rough ratio the
	// donor's token-accounting code uses when a provider omits usage data.
	return (len(s) + 3) / 4
}

func genericSummary(markdown string) string {
	words := strings.Fields(markdown)
	if len(words) > 100 {
		words = words[:100]
	}
	return strings.Join(words, " ")
}

func scaffoldScript(summary string) string {
	return "scene intro\ntext: " + summary + "\nscene outro\ntext: end"
}

func scaffoldTimings(summary string) []pipeline.SlideTiming {
	return []pipeline.SlideTiming{
		{Slide: 0, Label: "Introduction", StartSeconds: 0, EndSeconds: 5},
		{Slide: 1, Label: "Overview", StartSeconds: 5, EndSeconds: 10},
	}
}

func toSlideTimings(in []llm.SlideTimingInput) []pipeline.SlideTiming {
	out := make([]pipeline.SlideTiming, 0, len(in))
	cursor := 0.0
	for _, t := range in {
		end := cursor + t.DurationEstimate
		out = append(out, pipeline.SlideTiming{Slide: t.Index, Label: t.Label, StartSeconds: cursor, EndSeconds: end})
		cursor = end
	}
	return out
}

func toLLMTimings(in []pipeline.SlideTiming) []llm.SlideTimingInput {
	out := make([]llm.SlideTimingInput, 0, len(in))
	for _, t := range in {
		out = append(out, llm.SlideTimingInput{Index: t.Slide, Label: t.Label, DurationEstimate: t.Duration()})
	}
	return out
}

func templateNarration(timings []pipeline.SlideTiming) []pipeline.NarrationRecord {
	out := make([]pipeline.NarrationRecord, 0, len(timings))
	for _, t := range timings {
		text := t.Label
		if text == "" {
			text = fmt.Sprintf("Slide %d.", t.Slide)
		}
		out = append(out, pipeline.NarrationRecord{Slide: t.Slide, Text: text, DurationEstimate: t.Duration()})
	}
	return out
}

func narrationText(records []pipeline.NarrationRecord) string {
	parts := make([]string, 0, len(records))
	for _, r := range records {
		parts = append(parts, r.Text)
	}
	return strings.Join(parts, " ")
}
