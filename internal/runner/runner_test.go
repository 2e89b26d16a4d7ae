package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
	"github.com/xdotcontractor01/mdvideo/internal/store/checkpoint"
	"github.com/xdotcontractor01/mdvideo/internal/store/job"
)

// fakeJobs is an in-memory job.Store sufficient to exercise the Runner's
// error-history, attempt-counter, and degraded-flag side effects without a
// real database.
type fakeJobs struct {
	mu             sync.Mutex
	attempts       int
	errors         []domain.ErrorRecord
	degradedCalls  []string
	stageCompletes int
}

func (f *fakeJobs) Create(ctx context.Context, inputPath, workDir, stylePreset string) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeJobs) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) { return nil, nil }
func (f *fakeJobs) List(ctx context.Context, statusFilter domain.JobStatus) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) Delete(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeJobs) ClaimNextRunnable(ctx context.Context, staleRunning time.Duration) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, outputPath string) error {
	return nil
}
func (f *fakeJobs) AppendError(ctx context.Context, id uuid.UUID, rec domain.ErrorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors = append(f.errors, rec)
	return nil
}
func (f *fakeJobs) MarkStageComplete(ctx context.Context, id uuid.UUID, stageIndex int, stageName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stageCompletes++
	return nil
}
func (f *fakeJobs) UpdateTokens(ctx context.Context, id uuid.UUID, deltaInput, deltaOutput int) error {
	return nil
}
func (f *fakeJobs) SetDegraded(ctx context.Context, id uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.degradedCalls = append(f.degradedCalls, reason)
	return nil
}
func (f *fakeJobs) SetGateChecklist(ctx context.Context, id uuid.UUID, checklist any) error {
	return nil
}
func (f *fakeJobs) Heartbeat(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeJobs) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return f.attempts, nil
}

var _ job.Store = (*fakeJobs)(nil)

// fakeCheckpoints is an in-memory checkpoint.Store keyed by stage index.
type fakeCheckpoints struct {
	mu      sync.Mutex
	byStage map[int]*pipeline.Context
	saves   int
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{byStage: map[int]*pipeline.Context{}}
}

func (f *fakeCheckpoints) Save(ctx context.Context, jobID uuid.UUID, stageIndex int, pc *pipeline.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *pc
	f.byStage[stageIndex] = &cp
	f.saves++
	return nil
}
func (f *fakeCheckpoints) Load(ctx context.Context, jobID uuid.UUID, stageIndex int) (*pipeline.Context, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pc, ok := f.byStage[stageIndex]
	if !ok {
		return nil, false, nil
	}
	cp := *pc
	return &cp, true, nil
}
func (f *fakeCheckpoints) Latest(ctx context.Context, jobID uuid.UUID) (int, *pipeline.Context, bool, error) {
	return 0, nil, false, nil
}
func (f *fakeCheckpoints) Cleanup(ctx context.Context, jobID uuid.UUID) error { return nil }

var _ checkpoint.Store = (*fakeCheckpoints)(nil)

func testRunner(t *testing.T, cfg Config) (*Runner, *fakeJobs, *fakeCheckpoints) {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	jobs := &fakeJobs{}
	cps := newFakeCheckpoints()
	r := New(cfg, jobs, cps, log)
	r.sleep = func(time.Duration) {} // no real delays in tests
	return r, jobs, cps
}

func baseDesc(name string, run pipeline.StageFunc) pipeline.StageDescriptor {
	return pipeline.StageDescriptor{
		Index:       1,
		Name:        name,
		MaxRetries:  3,
		Criticality: pipeline.Fatal,
		Run:         run,
	}
}

func TestRun_SucceedsOnFirstAttempt(t *testing.T) {
	r, jobs, cps := testRunner(t, Config{})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)

	calls := 0
	desc := baseDesc("summarise", func(ctx context.Context, pc *pipeline.Context) error {
		calls++
		pc.Summary = "done"
		return nil
	})

	outcome, err := r.Run(context.Background(), jobID, desc, pc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Fatal || outcome.FallbackUsed || outcome.Degraded {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if calls != 1 {
		t.Fatalf("stage invoked %d times, want 1", calls)
	}
	if jobs.stageCompletes != 1 {
		t.Fatalf("MarkStageComplete called %d times, want 1", jobs.stageCompletes)
	}
	if cps.saves != 1 {
		t.Fatalf("checkpoint saved %d times, want 1", cps.saves)
	}
}

func TestRun_RetriesThenSucceeds(t *testing.T) {
	r, _, _ := testRunner(t, Config{})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)

	attempt := 0
	desc := baseDesc("render", func(ctx context.Context, pc *pipeline.Context) error {
		attempt++
		if attempt < 3 {
			return classify.New(domain.ErrKindNetwork, errors.New("dial tcp: connection refused"))
		}
		return nil
	})

	outcome, err := r.Run(context.Background(), jobID, desc, pc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if outcome.Fatal {
		t.Fatalf("unexpected fatal outcome")
	}
	if attempt != 3 {
		t.Fatalf("stage invoked %d times, want 3", attempt)
	}
}

func TestRun_ExhaustionWithFallbackProducesDegradedOutcomeAtThreshold(t *testing.T) {
	r, jobs, _ := testRunner(t, Config{DegradedThreshold: 1})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)

	desc := pipeline.StageDescriptor{
		Index:       2,
		Name:        "narrate",
		MaxRetries:  2,
		Criticality: pipeline.Degradable,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			return classify.New(domain.ErrKindNetwork, errors.New("dial tcp: connection refused"))
		},
		Fallback: func(pc *pipeline.Context) error {
			pc.EnhancedScript = pc.BaseScript
			return nil
		},
	}

	outcome, err := r.Run(context.Background(), jobID, desc, pc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.FallbackUsed {
		t.Fatalf("expected fallback to be used")
	}
	if !outcome.Degraded {
		t.Fatalf("expected degraded outcome once DegradedThreshold is met")
	}
	if !pc.DegradedFlag {
		t.Fatalf("expected pc.DegradedFlag to be set")
	}
	if len(jobs.degradedCalls) != 1 {
		t.Fatalf("SetDegraded called %d times, want 1", len(jobs.degradedCalls))
	}
}

func TestRun_ExhaustionWithNoFallbackIsFatal(t *testing.T) {
	r, _, _ := testRunner(t, Config{})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)

	desc := baseDesc("mux", func(ctx context.Context, pc *pipeline.Context) error {
		return classify.New(domain.ErrKindNetwork, errors.New("dial tcp: connection refused"))
	})

	outcome, err := r.Run(context.Background(), jobID, desc, pc)
	if err == nil {
		t.Fatalf("expected an error when retries are exhausted with no fallback")
	}
	if !outcome.Fatal {
		t.Fatalf("expected a fatal outcome")
	}
}

func TestRun_CancelledErrorIsFatalImmediately(t *testing.T) {
	r, _, _ := testRunner(t, Config{})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)

	calls := 0
	desc := baseDesc("qa", func(ctx context.Context, pc *pipeline.Context) error {
		calls++
		return classify.New(domain.ErrKindCancelled, context.Canceled)
	})

	outcome, err := r.Run(context.Background(), jobID, desc, pc)
	if err == nil {
		t.Fatalf("expected an error")
	}
	if !outcome.Fatal {
		t.Fatalf("expected a fatal outcome")
	}
	if calls != 1 {
		t.Fatalf("stage invoked %d times, want exactly 1 (no retries for a fatal error)", calls)
	}
}

func TestRun_NonRetryableKindStopsAfterOneAttemptThenFallsBack(t *testing.T) {
	r, _, _ := testRunner(t, Config{})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)

	calls := 0
	desc := pipeline.StageDescriptor{
		Index:       3,
		Name:        "images",
		MaxRetries:  5,
		Criticality: pipeline.Degradable,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			calls++
			return classify.New(domain.ErrKindRemoteAPI, errors.New("401 unauthorized"))
		},
		Fallback: func(pc *pipeline.Context) error { return nil },
	}

	outcome, err := r.Run(context.Background(), jobID, desc, pc)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !outcome.FallbackUsed {
		t.Fatalf("expected fallback to be used")
	}
	if calls != 1 {
		t.Fatalf("stage invoked %d times, want exactly 1 (remote-api kind is not retryable by default)", calls)
	}
}

func TestRun_JobWideRetryCeilingAbortsFatally(t *testing.T) {
	r, _, _ := testRunner(t, Config{TotalRetryCeiling: 1})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)

	desc := pipeline.StageDescriptor{
		Index:       4,
		Name:        "assemble",
		MaxRetries:  5,
		Criticality: pipeline.Degradable,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			return classify.New(domain.ErrKindNetwork, errors.New("dial tcp: connection refused"))
		},
		Fallback: func(pc *pipeline.Context) error { return nil },
	}

	outcome, err := r.Run(context.Background(), jobID, desc, pc)
	if err == nil {
		t.Fatalf("expected an error once the job-wide retry ceiling is exceeded")
	}
	if !outcome.Fatal {
		t.Fatalf("expected a fatal outcome")
	}
}

func TestRun_RollsBackContextToPriorCheckpointBetweenAttempts(t *testing.T) {
	r, _, cps := testRunner(t, Config{})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)
	pc.Summary = "prior stage output"
	if err := cps.Save(context.Background(), jobID, 0, pc); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	attempt := 0
	desc := pipeline.StageDescriptor{
		Index:       1,
		Name:        "script",
		MaxRetries:  2,
		Criticality: pipeline.Fatal,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			attempt++
			if attempt == 1 {
				pc.Summary = "corrupted mid-attempt state"
				return classify.New(domain.ErrKindNetwork, errors.New("dial tcp: connection refused"))
			}
			if pc.Summary != "prior stage output" {
				t.Fatalf("expected context to be rolled back to the prior checkpoint, got Summary=%q", pc.Summary)
			}
			return nil
		},
	}

	if _, err := r.Run(context.Background(), jobID, desc, pc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

func TestRun_ErrorRecordFlagsCheckpointRestoreBeforeNextAttempt(t *testing.T) {
	r, jobs, cps := testRunner(t, Config{})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)
	if err := cps.Save(context.Background(), jobID, 0, pc); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}

	attempt := 0
	desc := pipeline.StageDescriptor{
		Index:       1,
		Name:        "script",
		MaxRetries:  2,
		Criticality: pipeline.Fatal,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			attempt++
			if attempt == 1 {
				return classify.New(domain.ErrKindNetwork, errors.New("dial tcp: connection refused"))
			}
			return nil
		},
	}

	if _, err := r.Run(context.Background(), jobID, desc, pc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(jobs.errors) != 1 {
		t.Fatalf("expected exactly 1 error record, got %d", len(jobs.errors))
	}
	rec := jobs.errors[0]
	if !rec.CheckpointLoaded {
		t.Fatalf("expected CheckpointLoaded=true on the error record, got %+v", rec)
	}
	if rec.FallbackUsed {
		t.Fatalf("expected FallbackUsed=false on a mid-retry error record, got %+v", rec)
	}
	if rec.Fatal {
		t.Fatalf("expected Fatal=false on a retryable error record, got %+v", rec)
	}
}

func TestRun_ErrorRecordFlagsFallbackUsageOnExhaustion(t *testing.T) {
	r, jobs, _ := testRunner(t, Config{})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)

	desc := pipeline.StageDescriptor{
		Index:       2,
		Name:        "narrate",
		MaxRetries:  1,
		Criticality: pipeline.Degradable,
		Run: func(ctx context.Context, pc *pipeline.Context) error {
			return classify.New(domain.ErrKindNetwork, errors.New("dial tcp: connection refused"))
		},
		Fallback: func(pc *pipeline.Context) error { return nil },
	}

	if _, err := r.Run(context.Background(), jobID, desc, pc); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(jobs.errors) != 2 {
		t.Fatalf("expected 2 error records (the attempt failure plus a fallback-usage record), got %d", len(jobs.errors))
	}
	last := jobs.errors[len(jobs.errors)-1]
	if !last.FallbackUsed {
		t.Fatalf("expected the final error record to flag FallbackUsed=true, got %+v", last)
	}
	if last.Fatal {
		t.Fatalf("expected the fallback-usage record to not be fatal, got %+v", last)
	}
}

func TestRun_ErrorRecordIsFatalWhenNoRetryFollows(t *testing.T) {
	r, jobs, _ := testRunner(t, Config{})
	jobID := uuid.New()
	pc := pipeline.New(jobID, t.TempDir(), nil)

	desc := baseDesc("qa", func(ctx context.Context, pc *pipeline.Context) error {
		return classify.New(domain.ErrKindCancelled, context.Canceled)
	})

	if _, err := r.Run(context.Background(), jobID, desc, pc); err == nil {
		t.Fatalf("expected an error")
	}
	if len(jobs.errors) != 1 {
		t.Fatalf("expected exactly 1 error record, got %d", len(jobs.errors))
	}
	rec := jobs.errors[0]
	if !rec.Fatal {
		t.Fatalf("expected Fatal=true on an immediately-fatal error record, got %+v", rec)
	}
	if rec.CheckpointLoaded {
		t.Fatalf("expected CheckpointLoaded=false when the error is fatal (no rollback attempted), got %+v", rec)
	}
}
