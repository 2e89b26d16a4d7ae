// Package runner implements the Stage Runner (spec.md §4.2): invokes a
// single stage under a uniform retry/backoff/rollback/fallback shell and
// is the only component permitted to mutate retry counters, error history,
// and the degraded flag. Grounded on
// internal/jobs/orchestrator/engine.go's handleStageErr/computeBackoff/
// shouldRetry, generalized from a DAG of named inline/child stages to the
// spec's fixed 11-stage array with no child-job indirection.
package runner

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
	"github.com/xdotcontractor01/mdvideo/internal/store/checkpoint"
	"github.com/xdotcontractor01/mdvideo/internal/store/job"
)

// Config is the retry/backoff configuration shared by every stage, per
// spec.md §6's "universal backoff schedule; it applies to every stage
// uniformly".
type Config struct {
	TotalRetryCeiling  int
	DegradedThreshold  int
	BackoffBaseSeconds int
	BackoffCapSeconds  int
}

// Outcome reports what the Runner did for one stage invocation, so the
// Engine can decide whether to continue, abort, or mark the job degraded.
type Outcome struct {
	Fatal        bool
	FallbackUsed bool
	Degraded     bool
}

// Runner drives the retry shell for a single stage.
type Runner struct {
	cfg   Config
	jobs  job.Store
	cps   checkpoint.Store
	log   *logger.Logger
	sleep func(time.Duration) // overridable in tests
}

func New(cfg Config, jobs job.Store, cps checkpoint.Store, log *logger.Logger) *Runner {
	return &Runner{
		cfg:   cfg,
		jobs:  jobs,
		cps:   cps,
		log:   log.With("component", "StageRunner"),
		sleep: time.Sleep,
	}
}

// Run executes desc against pc, retrying per desc.MaxRetries and the
// universal backoff schedule, rolling back to the previous stage's
// checkpoint between attempts, and invoking the fallback producer on
// exhaustion if one is declared. It returns an error with Outcome.Fatal set
// when the stage — or the job overall — must terminate fatally, and an error
// with Outcome.Fatal unset when saving the stage's checkpoint or marking it
// complete fails.
func (r *Runner) Run(ctx context.Context, jobID uuid.UUID, desc pipeline.StageDescriptor, pc *pipeline.Context) (Outcome, error) {
	maxRetries := desc.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	retryable := desc.Retryable
	if retryable == nil {
		retryable = pipeline.DefaultRetryable
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		if pc.Done() {
			return Outcome{Fatal: true}, classify.New(domain.ErrKindCancelled, fmt.Errorf("stage %q: cancelled before attempt %d", desc.Name, attempt))
		}

		if attempt > 1 {
			delay := r.backoff(attempt)
			r.log.Info("retrying stage after backoff", "stage", desc.Name, "attempt", attempt, "delay", delay.String())
			r.sleep(delay)
		}

		stageCtx := ctx
		var cancel context.CancelFunc
		if desc.Timeout > 0 {
			stageCtx, cancel = context.WithTimeout(ctx, desc.Timeout)
		}
		var err error
		func() {
			defer func() {
				if p := recover(); p != nil {
					err = classify.New(domain.ErrKindUnknown, fmt.Errorf("stage %q panicked: %v", desc.Name, p))
				}
			}()
			err = desc.Run(stageCtx, pc)
		}()
		if cancel != nil {
			cancel()
		}

		if err == nil {
			if cerr := r.cps.Save(ctx, jobID, desc.Index, pc); cerr != nil {
				return Outcome{}, fmt.Errorf("checkpoint stage %d: %w", desc.Index, cerr)
			}
			if merr := r.jobs.MarkStageComplete(ctx, jobID, desc.Index, desc.Name); merr != nil {
				return Outcome{}, fmt.Errorf("mark stage complete: %w", merr)
			}
			return Outcome{}, nil
		}

		lastErr = err
		kind := classify.Kind(err)
		fatal := classify.IsFatal(err)

		// Roll back before recording the failure, so the record reflects
		// whether a checkpoint was actually restored for this attempt.
		restored := false
		if !fatal && desc.Index > 0 {
			if prior, ok, lerr := r.cps.Load(ctx, jobID, desc.Index-1); lerr == nil && ok {
				*pc = *prior
				restored = true
				r.log.Debug("rolled back context to prior checkpoint", "stage", desc.Name, "restored_stage", desc.Index-1)
			}
		}

		if rerr := r.recordFailure(ctx, jobID, desc, attempt, kind, err, fatal, restored, false); rerr != nil {
			r.log.Warn("failed to record stage error", "stage", desc.Name, "error", rerr)
		}

		total, terr := r.jobs.IncrementAttempt(ctx, jobID)
		if terr != nil {
			r.log.Warn("failed to increment job attempt counter", "error", terr)
		} else if r.cfg.TotalRetryCeiling > 0 && total > r.cfg.TotalRetryCeiling {
			return Outcome{Fatal: true}, fmt.Errorf("stage %q: job-wide retry ceiling (%d) exceeded: %w", desc.Name, r.cfg.TotalRetryCeiling, err)
		}

		if fatal {
			return Outcome{Fatal: true}, err
		}

		if !retryable(kind) {
			r.log.Warn("stage error not retryable, skipping remaining attempts", "stage", desc.Name, "kind", kind)
			break
		}
	}

	// Retries exhausted (or a non-retryable kind short-circuited the loop).
	if desc.Fallback == nil {
		return Outcome{Fatal: true}, fmt.Errorf("stage %q exhausted retries with no fallback: %w", desc.Name, lastErr)
	}

	if ferr := desc.Fallback(pc); ferr != nil {
		// Fallback producers must be pure and dependency-free (spec.md §4.2);
		// a failing fallback is an engine-level bug, not a retryable fault.
		return Outcome{Fatal: true}, fmt.Errorf("stage %q: fallback producer failed: %w", desc.Name, ferr)
	}

	if lastErr != nil {
		if rerr := r.recordFailure(ctx, jobID, desc, maxRetries, classify.Kind(lastErr), lastErr, false, false, true); rerr != nil {
			r.log.Warn("failed to record fallback usage", "stage", desc.Name, "error", rerr)
		}
	}

	pc.ErrorCount++
	outcome := Outcome{FallbackUsed: true}
	if r.cfg.DegradedThreshold > 0 && pc.ErrorCount >= r.cfg.DegradedThreshold {
		pc.DegradedFlag = true
		outcome.Degraded = true
		if serr := r.jobs.SetDegraded(ctx, jobID, fmt.Sprintf("error budget exceeded at stage %q", desc.Name)); serr != nil {
			r.log.Warn("failed to persist degraded flag", "error", serr)
		}
	}

	if cerr := r.cps.Save(ctx, jobID, desc.Index, pc); cerr != nil {
		return Outcome{}, fmt.Errorf("checkpoint stage %d after fallback: %w", desc.Index, cerr)
	}
	if merr := r.jobs.MarkStageComplete(ctx, jobID, desc.Index, desc.Name); merr != nil {
		return Outcome{}, fmt.Errorf("mark stage complete after fallback: %w", merr)
	}
	return outcome, nil
}

func (r *Runner) recordFailure(ctx context.Context, jobID uuid.UUID, desc pipeline.StageDescriptor, attempt int, kind domain.ErrorKind, err error, fatal, checkpointLoaded, fallbackUsed bool) error {
	rec := domain.ErrorRecord{
		StageIndex:       desc.Index,
		StageName:        desc.Name,
		Attempt:          attempt,
		Kind:             kind,
		Message:          err.Error(),
		OccurredAt:       time.Now(),
		Fatal:            fatal,
		CheckpointLoaded: checkpointLoaded,
		FallbackUsed:     fallbackUsed,
	}
	return r.jobs.AppendError(ctx, jobID, rec)
}

// backoff computes min(cap, base*2^(attempt-2)) with +/-20% jitter, the
// universal schedule of spec.md §4.2, identical in shape to the donor's
// computeBackoff (orchestrator/engine.go) but parameterized from Config
// instead of a per-stage RetryPolicy.
func (r *Runner) backoff(attempt int) time.Duration {
	base := time.Duration(r.cfg.BackoffBaseSeconds) * time.Second
	if base <= 0 {
		base = 2 * time.Second
	}
	cap := time.Duration(r.cfg.BackoffCapSeconds) * time.Second
	if cap <= 0 {
		cap = 30 * time.Second
	}
	exp := attempt - 2
	if exp < 0 {
		exp = 0
	}
	d := time.Duration(float64(base) * math.Pow(2, float64(exp)))
	if d > cap {
		d = cap
	}
	jitter := 0.20
	delta := float64(d) * jitter
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	v := low + rand.Float64()*(high-low)
	return time.Duration(v)
}
