package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/xdotcontractor01/mdvideo/internal/classify"
	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/gate"
	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
	"github.com/xdotcontractor01/mdvideo/internal/runner"
)

// fakeJobs is a minimal in-memory job.Store sufficient to drive the Engine
// end to end without a real database.
type fakeJobs struct {
	mu    sync.Mutex
	job   domain.Job
	saved []domain.JobStatus
}

func newFakeJobs(id uuid.UUID, workDir string) *fakeJobs {
	return &fakeJobs{job: domain.Job{ID: id, Status: domain.JobPending, WorkDir: workDir, StageIndex: -1}}
}

func (f *fakeJobs) Create(ctx context.Context, inputPath, workDir, stylePreset string) (*domain.Job, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeJobs) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	j := f.job
	return &j, nil
}
func (f *fakeJobs) List(ctx context.Context, statusFilter domain.JobStatus) ([]*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) Delete(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeJobs) ClaimNextRunnable(ctx context.Context, staleRunning time.Duration) (*domain.Job, error) {
	return nil, nil
}
func (f *fakeJobs) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, outputPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.Status = status
	f.saved = append(f.saved, status)
	return nil
}
func (f *fakeJobs) AppendError(ctx context.Context, id uuid.UUID, rec domain.ErrorRecord) error {
	return nil
}
func (f *fakeJobs) MarkStageComplete(ctx context.Context, id uuid.UUID, stageIndex int, stageName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.job.StageIndex = stageIndex
	f.job.StageName = stageName
	return nil
}
func (f *fakeJobs) UpdateTokens(ctx context.Context, id uuid.UUID, deltaInput, deltaOutput int) error {
	return nil
}
func (f *fakeJobs) SetDegraded(ctx context.Context, id uuid.UUID, reason string) error { return nil }
func (f *fakeJobs) SetGateChecklist(ctx context.Context, id uuid.UUID, checklist any) error {
	return nil
}
func (f *fakeJobs) Heartbeat(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeJobs) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	return 1, nil
}

// fakeCheckpoints is an in-memory checkpoint.Store keyed by stage index.
type fakeCheckpoints struct {
	mu      sync.Mutex
	byStage map[int]*pipeline.Context
}

func newFakeCheckpoints() *fakeCheckpoints {
	return &fakeCheckpoints{byStage: map[int]*pipeline.Context{}}
}

func (f *fakeCheckpoints) Save(ctx context.Context, jobID uuid.UUID, stageIndex int, pc *pipeline.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *pc
	f.byStage[stageIndex] = &cp
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
	f.mu.Lock()
	defer f.mu.Unlock()
	best := -1
	for idx := range f.byStage {
		if idx > best {
			best = idx
		}
	}
	if best < 0 {
		return 0, nil, false, nil
	}
	cp := *f.byStage[best]
	return best, &cp, true, nil
}
func (f *fakeCheckpoints) Cleanup(ctx context.Context, jobID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byStage = map[int]*pipeline.Context{}
	return nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

func passthroughGate(t *testing.T) *gate.Gate {
	t.Helper()
	return gate.New(nil, nil, nil, testLogger(t))
}

func TestRunOnce_HappyPathRunsAllStagesInOrder(t *testing.T) {
	jobID := uuid.New()
	workDir := t.TempDir()
	jobs := newFakeJobs(jobID, workDir)
	cps := newFakeCheckpoints()
	r := runner.New(runner.Config{}, jobs, cps, testLogger(t))

	var ran []string
	stages := []pipeline.StageDescriptor{
		{Index: 0, Name: "stage0", MaxRetries: 1, Criticality: pipeline.Fatal, Run: func(ctx context.Context, pc *pipeline.Context) error {
			ran = append(ran, "stage0")
			pc.Summary = "ok"
			return nil
		}},
		{Index: 1, Name: "stage1", MaxRetries: 1, Criticality: pipeline.Fatal, Run: func(ctx context.Context, pc *pipeline.Context) error {
			ran = append(ran, "stage1")
			pc.FinalOutputPath = "/work/final.mp4"
			return nil
		}},
	}

	eng := New(jobs, cps, r, passthroughGate(t), nil, stages, testLogger(t))
	res, err := eng.RunOnce(context.Background(), jobID, nil)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !res.Done {
		t.Fatalf("expected Done=true, got %+v", res)
	}
	if len(ran) != 2 || ran[0] != "stage0" || ran[1] != "stage1" {
		t.Fatalf("unexpected stage run order: %v", ran)
	}
}

func TestRunOnce_ResumesFromLatestCheckpoint(t *testing.T) {
	jobID := uuid.New()
	workDir := t.TempDir()
	jobs := newFakeJobs(jobID, workDir)
	cps := newFakeCheckpoints()

	seed := pipeline.New(jobID, workDir, nil)
	seed.Summary = "already summarised"
	if err := cps.Save(context.Background(), jobID, 0, seed); err != nil {
		t.Fatalf("seed checkpoint: %v", err)
	}
	jobs.job.StageIndex = 0

	r := runner.New(runner.Config{}, jobs, cps, testLogger(t))

	var stage0Ran bool
	stages := []pipeline.StageDescriptor{
		{Index: 0, Name: "stage0", MaxRetries: 1, Criticality: pipeline.Fatal, Run: func(ctx context.Context, pc *pipeline.Context) error {
			stage0Ran = true
			return nil
		}},
		{Index: 1, Name: "stage1", MaxRetries: 1, Criticality: pipeline.Fatal, Run: func(ctx context.Context, pc *pipeline.Context) error {
			if pc.Summary != "already summarised" {
				t.Fatalf("expected resumed context to carry stage0's output, got Summary=%q", pc.Summary)
			}
			return nil
		}},
	}

	eng := New(jobs, cps, r, passthroughGate(t), nil, stages, testLogger(t))
	if _, err := eng.RunOnce(context.Background(), jobID, nil); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if stage0Ran {
		t.Fatalf("expected stage0 to be skipped on resume (already checkpointed)")
	}
}

func TestRunOnce_CancellationMidLoopMarksJobCancelled(t *testing.T) {
	jobID := uuid.New()
	workDir := t.TempDir()
	jobs := newFakeJobs(jobID, workDir)
	cps := newFakeCheckpoints()
	r := runner.New(runner.Config{}, jobs, cps, testLogger(t))

	cancelCh := make(chan struct{})
	close(cancelCh) // already cancelled before the loop starts

	var stage0Ran bool
	stages := []pipeline.StageDescriptor{
		{Index: 0, Name: "stage0", MaxRetries: 1, Criticality: pipeline.Fatal, Run: func(ctx context.Context, pc *pipeline.Context) error {
			stage0Ran = true
			return nil
		}},
	}

	eng := New(jobs, cps, r, passthroughGate(t), nil, stages, testLogger(t))
	res, err := eng.RunOnce(context.Background(), jobID, cancelCh)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Status != domain.JobCancelled {
		t.Fatalf("Status = %q, want %q", res.Status, domain.JobCancelled)
	}
	if stage0Ran {
		t.Fatalf("expected the loop to observe cancellation before running any stage")
	}
}

func TestRunOnce_DegradedOutcomeMapsToJobDegraded(t *testing.T) {
	jobID := uuid.New()
	workDir := t.TempDir()
	jobs := newFakeJobs(jobID, workDir)
	cps := newFakeCheckpoints()
	r := runner.New(runner.Config{DegradedThreshold: 1}, jobs, cps, testLogger(t))

	stages := []pipeline.StageDescriptor{
		{
			Index:       0,
			Name:        "flaky",
			MaxRetries:  1,
			Criticality: pipeline.Degradable,
			Run: func(ctx context.Context, pc *pipeline.Context) error {
				return classify.New(domain.ErrKindNetwork, errors.New("dial tcp: connection refused"))
			},
			Fallback: func(pc *pipeline.Context) error { return nil },
		},
	}

	eng := New(jobs, cps, r, passthroughGate(t), nil, stages, testLogger(t))
	res, err := eng.RunOnce(context.Background(), jobID, nil)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if res.Status != domain.JobDegraded {
		t.Fatalf("Status = %q, want %q", res.Status, domain.JobDegraded)
	}
}

func TestRunOnce_TerminalJobIsReportedDoneWithoutRerunning(t *testing.T) {
	jobID := uuid.New()
	workDir := t.TempDir()
	jobs := newFakeJobs(jobID, workDir)
	jobs.job.Status = domain.JobSucceeded
	cps := newFakeCheckpoints()
	r := runner.New(runner.Config{}, jobs, cps, testLogger(t))

	var ran bool
	stages := []pipeline.StageDescriptor{
		{Index: 0, Name: "stage0", MaxRetries: 1, Criticality: pipeline.Fatal, Run: func(ctx context.Context, pc *pipeline.Context) error {
			ran = true
			return nil
		}},
	}

	eng := New(jobs, cps, r, passthroughGate(t), nil, stages, testLogger(t))
	res, err := eng.RunOnce(context.Background(), jobID, nil)
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !res.Done || res.Status != domain.JobSucceeded {
		t.Fatalf("unexpected result for an already-terminal job: %+v", res)
	}
	if ran {
		t.Fatalf("expected an already-succeeded job to not re-run any stage")
	}
}
