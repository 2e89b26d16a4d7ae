// Package engine implements the Pipeline Engine (spec.md §4.3): the
// component that drives one job through stages 0–10, resuming from its
// latest checkpoint, invoking the Stage Runner per stage, running the
// pre-merge gate after stage 10, and persisting the job's terminal status.
// Grounded on internal/jobs/orchestrator/engine.go's stage-sequencing loop
// and internal/temporalx/jobrun's Tick shape, collapsed into a single
// synchronous RunOnce call the Temporal tick workflow (internal/temporalx)
// invokes repeatedly, rather than the donor's own DAG-of-child-jobs engine.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/gate"
	"github.com/xdotcontractor01/mdvideo/internal/notify"
	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
	"github.com/xdotcontractor01/mdvideo/internal/runner"
	"github.com/xdotcontractor01/mdvideo/internal/store/checkpoint"
	"github.com/xdotcontractor01/mdvideo/internal/store/job"
)

// TickResult mirrors the donor's jobrun.TickResult shape (status/stage/
// wait-until), returned so a Temporal activity or CLI poll loop can decide
// whether to sleep, continue, or stop without re-deriving job state.
type TickResult struct {
	JobID      uuid.UUID
	Status     domain.JobStatus
	StageIndex int
	StageName  string
	Done       bool
}

// Engine drives the fixed 11-stage registry against one job at a time.
type Engine struct {
	jobs     job.Store
	cps      checkpoint.Store
	runner   *runner.Runner
	gate     *gate.Gate
	notifier notify.JobNotifier
	stages   []pipeline.StageDescriptor
	log      *logger.Logger
}

func New(jobs job.Store, cps checkpoint.Store, r *runner.Runner, g *gate.Gate, notifier notify.JobNotifier, stages []pipeline.StageDescriptor, log *logger.Logger) *Engine {
	if notifier == nil {
		notifier = notify.NoopNotifier{}
	}
	return &Engine{
		jobs:     jobs,
		cps:      cps,
		runner:   r,
		gate:     g,
		notifier: notifier,
		stages:   stages,
		log:      log.With("component", "Engine"),
	}
}

// RunOnce advances one claimed job as far as it will go in a single call:
// every stage from its resume point through stage 10 plus the pre-merge
// gate, or until the stage runner returns an error or the job is cancelled.
// The call blocks for that whole run; the Temporal workflow wrapper makes it
// from one heartbeating activity and polls the returned TickResult.
func (e *Engine) RunOnce(ctx context.Context, jobID uuid.UUID, cancel <-chan struct{}) (TickResult, error) {
	j, err := e.jobs.Get(ctx, jobID)
	if err != nil {
		return TickResult{}, fmt.Errorf("engine: load job: %w", err)
	}

	switch j.Status {
	case domain.JobSucceeded, domain.JobFailed, domain.JobCancelled, domain.JobDegraded:
		return TickResult{JobID: jobID, Status: j.Status, StageIndex: j.StageIndex, StageName: j.StageName, Done: true}, nil
	}

	pc, lastCompleted, err := e.resume(ctx, j, cancel)
	if err != nil {
		return TickResult{}, err
	}
	startIndex := lastCompleted + 1

	for i := startIndex; i < len(e.stages); i++ {
		if pc.Done() {
			if serr := e.jobs.UpdateStatus(ctx, jobID, domain.JobCancelled, ""); serr != nil {
				e.log.Warn("failed to persist cancellation", "error", serr)
			}
			return TickResult{JobID: jobID, Status: domain.JobCancelled, Done: true}, nil
		}

		desc := e.stages[i]
		outcome, rerr := e.runner.Run(ctx, jobID, desc, pc)
		if rerr != nil {
			if outcome.Fatal {
				if serr := e.jobs.UpdateStatus(ctx, jobID, domain.JobFailed, ""); serr != nil {
					e.log.Warn("failed to persist failure", "error", serr)
				}
				_ = e.notifier.JobFailed(ctx, jobID, rerr.Error())
				return TickResult{JobID: jobID, Status: domain.JobFailed, StageIndex: desc.Index, StageName: desc.Name, Done: true}, rerr
			}
			return TickResult{}, rerr
		}

		if outcome.Degraded {
			_ = e.notifier.JobDegraded(ctx, jobID, fmt.Sprintf("stage %q exceeded its error budget", desc.Name))
		}
		_ = e.notifier.StageCompleted(ctx, jobID, desc.Index, desc.Name)
	}

	checklist, gerr := e.gate.Evaluate(ctx, pc)
	if gerr != nil {
		return TickResult{}, fmt.Errorf("engine: pre-merge gate: %w", gerr)
	}
	if serr := e.jobs.SetGateChecklist(ctx, jobID, checklist); serr != nil {
		e.log.Warn("failed to persist gate checklist", "error", serr)
	}
	if cerr := e.cps.Save(ctx, jobID, len(e.stages)-1, pc); cerr != nil {
		e.log.Warn("failed to save final checkpoint", "error", cerr)
	}

	finalStatus := domain.JobSucceeded
	if pc.DegradedFlag || !checklist.VideoReady {
		finalStatus = domain.JobDegraded
	}
	if err := e.jobs.UpdateStatus(ctx, jobID, finalStatus, pc.FinalOutputPath); err != nil {
		return TickResult{}, fmt.Errorf("engine: persist terminal status: %w", err)
	}

	if finalStatus == domain.JobSucceeded {
		if cerr := e.cps.Cleanup(ctx, jobID); cerr != nil {
			e.log.Warn("failed to clean up checkpoints after success", "error", cerr)
		}
		_ = e.notifier.JobSucceeded(ctx, jobID, pc.FinalOutputPath)
	} else {
		_ = e.notifier.JobDegraded(ctx, jobID, "pre-merge gate did not reach video_ready")
	}

	return TickResult{JobID: jobID, Status: finalStatus, StageIndex: len(e.stages) - 1, Done: true}, nil
}

// resume loads the latest checkpoint for jobID and the index of the last
// stage it completed, or constructs a fresh Context and returns -1 (so the
// caller starts at stage 0) when no checkpoint exists yet.
func (e *Engine) resume(ctx context.Context, j *domain.Job, cancel <-chan struct{}) (*pipeline.Context, int, error) {
	stageIndex, pc, ok, err := e.cps.Latest(ctx, j.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("engine: load latest checkpoint: %w", err)
	}
	if ok {
		pc.Cancel = cancel
		return pc, stageIndex, nil
	}

	if err := os.MkdirAll(j.WorkDir, 0o755); err != nil {
		return nil, 0, fmt.Errorf("engine: create work dir: %w", err)
	}
	pc = pipeline.New(j.ID, j.WorkDir, cancel)
	pc.StylePrompt = j.StylePreset
	return pc, -1, nil
}

// Claim is a thin wrapper over the Job Store's durable claim, exposed here
// so callers only need to import the Engine to drive a worker loop.
func (e *Engine) Claim(ctx context.Context, staleRunning time.Duration) (*domain.Job, error) {
	return e.jobs.ClaimNextRunnable(ctx, staleRunning)
}
