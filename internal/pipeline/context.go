// Package pipeline defines the Stage Registry & Context component: the
// shared per-job context every stage reads from and writes to, and the
// static descriptor shape the registry is built from.
package pipeline

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/xdotcontractor01/mdvideo/internal/domain"
)

// ImageDescriptor is a single fetched image's local artifact record.
type ImageDescriptor struct {
	Slide  int    `json:"slide"`
	Query  string `json:"query"`
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Source string `json:"source,omitempty"`
}

// LayoutHint pairs an image-search query with how it should be composed.
type LayoutHint struct {
	Query  string `json:"query"`
	Layout string `json:"layout"`
	Slide  int    `json:"slide"`
}

// NarrationRecord is a single slide's narration text and estimated duration.
type NarrationRecord struct {
	Slide            int     `json:"slide"`
	Text             string  `json:"text"`
	DurationEstimate float64 `json:"duration_estimate_seconds"`
}

// AudioClip is one synthesised narration clip.
type AudioClip struct {
	Slide        int     `json:"slide"`
	Path         string  `json:"path"`
	DurationSecs float64 `json:"duration_seconds"`
}

// SlideTiming is the per-slide timing entry the base script stage produces.
type SlideTiming struct {
	Slide        int     `json:"slide"`
	Label        string  `json:"label,omitempty"`
	StartSeconds float64 `json:"start_seconds"`
	EndSeconds   float64 `json:"end_seconds"`
}

// Duration is the slide's on-screen time derived from its start/end marks.
func (t SlideTiming) Duration() float64 {
	d := t.EndSeconds - t.StartSeconds
	if d <= 0 {
		return 3
	}
	return d
}

// GateChecklist is the pre-merge validation gate's persisted result (§4.6).
type GateChecklist struct {
	Summarised        bool `json:"summarised"`
	ScriptGenerated    bool `json:"script_generated"`
	ImagesIdentified   bool `json:"images_identified"`
	ImagesIntegrated   bool `json:"images_integrated"`
	VideoRendered      bool `json:"video_rendered"`
	AudioGenerated     bool `json:"audio_generated"`
	DurationAligned    bool `json:"duration_aligned"`
	AudioIntegrated    bool `json:"audio_integrated"`
	VideoReady         bool `json:"video_ready"`
	DurationRepaired   bool `json:"duration_repaired"`
}

// TokenCounters accumulates LLM usage across stages. Monotonically
// non-decreasing for the lifetime of a Context (testable property 8).
type TokenCounters struct {
	Input  int `json:"input_tokens"`
	Output int `json:"output_tokens"`
	Total  int `json:"total_tokens"`
}

func (t *TokenCounters) Add(input, output int) {
	t.Input += input
	t.Output += output
	t.Total += input + output
}

// Context is the transient, in-memory state of a running job (spec.md §3).
// It is a flat record keyed by stage-output name, not a pointer graph, so
// that serialization to a Checkpoint is a straightforward JSON encode.
type Context struct {
	JobID   uuid.UUID `json:"job_id"`
	WorkDir string    `json:"work_dir"`

	// Cancellation is carried explicitly on the context rather than relying
	// on ambient goroutine state, per spec.md §9's coroutine/callback note.
	Cancel <-chan struct{} `json:"-"`

	StylePrompt string `json:"style_prompt,omitempty"`

	CanonicalMarkdown string `json:"canonical_markdown,omitempty"`
	InputSizeBytes    int    `json:"input_size_bytes,omitempty"`
	InputTruncated    bool   `json:"input_truncated,omitempty"`

	Summary string `json:"summary,omitempty"`

	BaseScript string        `json:"base_script,omitempty"`
	Timings    []SlideTiming `json:"timings,omitempty"`

	ImagePlan []LayoutHint `json:"image_plan,omitempty"`

	Images []ImageDescriptor `json:"images,omitempty"`

	EnhancedScript string `json:"enhanced_script,omitempty"`

	SilentVideoPath string `json:"silent_video_path,omitempty"`
	VideoDurationS  float64 `json:"video_duration_seconds,omitempty"`

	Narration []NarrationRecord `json:"narration,omitempty"`

	AudioClips     []AudioClip `json:"audio_clips,omitempty"`
	FullAudioPath  string      `json:"full_audio_path,omitempty"`
	AudioDurationS float64     `json:"audio_duration_seconds,omitempty"`

	FinalOutputPath string `json:"final_output_path,omitempty"`

	Tokens TokenCounters `json:"tokens"`

	ErrorCount   int  `json:"error_count"`
	DegradedFlag bool `json:"degraded_flag"`

	Checklist *GateChecklist `json:"checklist,omitempty"`
}

// New constructs a fresh Context bound to a dedicated work directory, as
// the Pipeline Engine does on first acquiring a pending job.
func New(jobID uuid.UUID, workDir string, cancel <-chan struct{}) *Context {
	return &Context{JobID: jobID, WorkDir: workDir, Cancel: cancel}
}

// Done reports whether the context's cancellation signal has fired.
func (c *Context) Done() bool {
	if c == nil || c.Cancel == nil {
		return false
	}
	select {
	case <-c.Cancel:
		return true
	default:
		return false
	}
}

// StageFunc is a stage implementation: a pure function of the context that
// either mutates it with the stage's declared outputs or returns a
// classified error (domain.ErrorKind is attached by the classify package).
type StageFunc func(ctx context.Context, pc *Context) error

// FallbackFunc produces a deterministic, dependency-free substitute output
// when a stage exhausts its retries and its fallback policy is enabled.
// Per spec.md §4.2, fallback producers must not call network services.
type FallbackFunc func(pc *Context) error

// Criticality marks whether a stage's exhaustion aborts the job (fatal) or
// may continue in degraded accumulation (degradable).
type Criticality string

const (
	Fatal      Criticality = "fatal"
	Degradable Criticality = "degradable"
)

// StageDescriptor is the static metadata for one registry entry (spec.md §3).
type StageDescriptor struct {
	Index       int
	Name        string
	MaxRetries  int
	Criticality Criticality

	Timeout time.Duration

	Run      StageFunc
	Fallback FallbackFunc // nil when Criticality == Fatal

	// Retryable decides, given a classified error kind, whether a given
	// attempt should be retried at all (spec.md §4.2 "logical errors from a
	// remote service ... are not retried beyond one attempt unless the
	// stage descriptor opts in").
	Retryable func(kind domain.ErrorKind) bool
}

// DefaultRetryable implements spec.md §4.2's tie-break: network errors are
// retried; quota/remote-api errors get exactly one attempt unless a stage
// opts in with its own Retryable.
func DefaultRetryable(kind domain.ErrorKind) bool {
	switch kind {
	case domain.ErrKindNetwork, domain.ErrKindTimeout, domain.ErrKindFS, domain.ErrKindUnknown:
		return true
	case domain.ErrKindQuota, domain.ErrKindRemoteAPI, domain.ErrKindSyntax, domain.ErrKindFormat, domain.ErrKindRender:
		return false
	case domain.ErrKindCancelled:
		return false
	default:
		return false
	}
}
