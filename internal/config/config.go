// Package config loads the engine's configuration surface (spec.md §6) from
// environment variables, in the donor's envutil idiom
// (internal/platform/envutil), assembled into one struct the way
// internal/app.LoadConfig assembles donor config.
package config

import (
	"github.com/xdotcontractor01/mdvideo/internal/platform/envutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Config is the engine's configuration surface (spec.md §6), consumed once
// at engine construction.
type Config struct {
	MaxRetriesPerStage           int
	TotalRetryCeiling            int
	DegradedThreshold            int
	BackoffBaseSeconds           int
	BackoffCapSeconds            int
	WorkspaceRoot                string
	CheckpointDir                string
	JobStoreURI                  string
	DefaultVoiceID               string
	RenderQualityPrimary         string
	RenderQualityFallback        string
	MarkdownInputTruncationChars int

	StaleRunningSeconds int
	ImageFetchWorkers   int
	TTSClipWorkers      int

	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	GCSBucket      string
	RedisAddr      string
	RedisChannel   string
	TemporalHostPort string
	TemporalNamespace string

	StylePromptPath string
}

// Load reads the configuration surface from the environment, applying the
// spec.md §6 defaults where a variable is unset.
func Load(log *logger.Logger) Config {
	return Config{
		MaxRetriesPerStage:           envutil.Int("MAX_RETRIES_PER_STAGE", 3),
		TotalRetryCeiling:            envutil.Int("TOTAL_RETRY_CEILING", 10),
		DegradedThreshold:            envutil.Int("DEGRADED_THRESHOLD", 5),
		BackoffBaseSeconds:           envutil.Int("BACKOFF_BASE_SECONDS", 2),
		BackoffCapSeconds:            envutil.Int("BACKOFF_CAP_SECONDS", 30),
		WorkspaceRoot:                envutil.Str("WORKSPACE_ROOT", "./data/workspace"),
		CheckpointDir:                envutil.Str("CHECKPOINT_DIR", "./data/checkpoints"),
		JobStoreURI:                  envutil.Str("JOB_STORE_URI", ""),
		DefaultVoiceID:               envutil.Str("DEFAULT_VOICE_ID", "en-US-Neural2-C"),
		RenderQualityPrimary:         envutil.Str("RENDER_QUALITY_PRIMARY", "high"),
		RenderQualityFallback:        envutil.Str("RENDER_QUALITY_FALLBACK", "low"),
		MarkdownInputTruncationChars: envutil.Int("MARKDOWN_INPUT_TRUNCATION_CHARS", 10000),

		StaleRunningSeconds: envutil.Int("STALE_RUNNING_SECONDS", 120),
		ImageFetchWorkers:   envutil.Int("IMAGE_FETCH_WORKERS", 6),
		TTSClipWorkers:      envutil.Int("TTS_CLIP_WORKERS", 4),

		OpenAIAPIKey:      envutil.Str("OPENAI_API_KEY", ""),
		OpenAIBaseURL:     envutil.Str("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:       envutil.Str("OPENAI_MODEL", "gpt-5.2"),
		GCSBucket:         envutil.Str("PIPELINE_GCS_BUCKET", ""),
		RedisAddr:         envutil.Str("REDIS_ADDR", ""),
		RedisChannel:      envutil.Str("REDIS_CHANNEL", "pipeline_events"),
		TemporalHostPort:  envutil.Str("TEMPORAL_HOST_PORT", "localhost:7233"),
		TemporalNamespace: envutil.Str("TEMPORAL_NAMESPACE", "default"),

		StylePromptPath: envutil.Str("STYLE_PROMPT_PATH", ""),
	}
}
