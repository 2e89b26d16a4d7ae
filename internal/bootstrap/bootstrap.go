// Package bootstrap wires the engine's dependency graph from configuration,
// shared by cmd/pipelined and cmd/pipelinectl, in place of the donor's
// internal/app.New (which wired an HTTP router/handlers/middleware this
// headless engine has no use for — spec.md §6 names only a CLI surface).
package bootstrap

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/xdotcontractor01/mdvideo/internal/adapters/archive"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/audioqa"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/imagesearch"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/llm"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/mux"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/render"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/tts"
	"github.com/xdotcontractor01/mdvideo/internal/adapters/videoqa"
	"github.com/xdotcontractor01/mdvideo/internal/config"
	"github.com/xdotcontractor01/mdvideo/internal/engine"
	"github.com/xdotcontractor01/mdvideo/internal/gate"
	"github.com/xdotcontractor01/mdvideo/internal/notify"
	"github.com/xdotcontractor01/mdvideo/internal/platform/envutil"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
	"github.com/xdotcontractor01/mdvideo/internal/platform/openai"
	"github.com/xdotcontractor01/mdvideo/internal/platform/pgdb"
	"github.com/xdotcontractor01/mdvideo/internal/runner"
	"github.com/xdotcontractor01/mdvideo/internal/stages"
	"github.com/xdotcontractor01/mdvideo/internal/store/checkpoint"
	"github.com/xdotcontractor01/mdvideo/internal/store/job"
	"github.com/xdotcontractor01/mdvideo/internal/styleprompt"
)

// App holds every long-lived component a CLI command or worker process
// needs, plus cleanup hooks.
type App struct {
	Log     *logger.Logger
	Cfg     config.Config
	DB      *gorm.DB
	Jobs    job.Store
	Checkpoints checkpoint.Store
	Engine  *engine.Engine
	Notify  notify.JobNotifier
	Archiver archive.Archiver

	closers []func()
}

// New connects to every backing service and assembles the Engine. Callers
// must call Close when done.
func New() (*App, error) {
	logMode := envutil.Str("LOG_MODE", "production")
	log, err := logger.New(logMode)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init logger: %w", err)
	}

	cfg := config.Load(log)

	db, err := pgdb.Open(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("bootstrap: open postgres: %w", err)
	}

	jobs := job.New(db, log)
	cps := checkpoint.New(db, log)

	oa, err := openai.NewClientWithModel(log, cfg.OpenAIModel)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("bootstrap: init openai client: %w", err)
	}
	llmSvc := llm.New(oa)

	images, err := imagesearch.New(log, envutil.Str("IMAGE_SEARCH_BASE_URL", ""), envutil.Str("IMAGE_SEARCH_API_KEY", ""), envutil.Bool("IMAGE_SEARCH_VISION_ENABLED", true))
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("bootstrap: init image search: %w", err)
	}

	renderer, err := render.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("bootstrap: init renderer: %w", err)
	}

	synth, err := tts.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("bootstrap: init tts: %w", err)
	}

	muxer := mux.New(log)

	aqa, err := audioqa.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("bootstrap: init audio qa: %w", err)
	}

	vqa, err := videoqa.New(log)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("bootstrap: init video qa: %w", err)
	}

	var archiver archive.Archiver
	if cfg.GCSBucket != "" {
		archiver, err = archive.New(log, cfg.GCSBucket)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("bootstrap: init archiver: %w", err)
		}
	}

	styles, err := styleprompt.Load(cfg.StylePromptPath)
	if err != nil {
		log.Sync()
		return nil, fmt.Errorf("bootstrap: load style prompts: %w", err)
	}

	var notifier notify.JobNotifier = notify.NoopNotifier{}
	if cfg.RedisAddr != "" {
		notifier, err = notify.New(log, cfg.RedisAddr, cfg.RedisChannel)
		if err != nil {
			log.Sync()
			return nil, fmt.Errorf("bootstrap: init notifier: %w", err)
		}
	}

	registry := stages.Registry(stages.Deps{
		Log:                   log,
		Styles:                styles,
		LLM:                   llmSvc,
		Images:                images,
		Render:                renderer,
		TTS:                   synth,
		Mux:                   muxer,
		AudioQ:                aqa,
		DefaultVoiceID:        cfg.DefaultVoiceID,
		RenderQualityPrimary:  cfg.RenderQualityPrimary,
		RenderQualityFallback: cfg.RenderQualityFallback,
		TruncationChars:       cfg.MarkdownInputTruncationChars,
		ImageFetchWorkers:     cfg.ImageFetchWorkers,
		TTSClipWorkers:        cfg.TTSClipWorkers,
	})

	g := gate.New(muxer, vqa, archiver, log)

	r := runner.New(runner.Config{
		TotalRetryCeiling:  cfg.TotalRetryCeiling,
		DegradedThreshold:  cfg.DegradedThreshold,
		BackoffBaseSeconds: cfg.BackoffBaseSeconds,
		BackoffCapSeconds:  cfg.BackoffCapSeconds,
	}, jobs, cps, log)

	eng := engine.New(jobs, cps, r, g, notifier, registry, log)

	a := &App{
		Log:         log,
		Cfg:         cfg,
		DB:          db,
		Jobs:        jobs,
		Checkpoints: cps,
		Engine:      eng,
		Notify:      notifier,
		Archiver:    archiver,
	}
	a.closers = append(a.closers, func() { log.Sync() })
	if notifier != nil {
		a.closers = append(a.closers, func() { _ = notifier.Close() })
	}
	return a, nil
}

func (a *App) Close() {
	if a == nil {
		return
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
