package checkpoint

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return New(db, log)
}

func TestSaveAndLoad_RoundTripsContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	pc := pipeline.New(jobID, "/work/abc", nil)
	pc.Summary = "a summary"
	pc.ErrorCount = 2

	if err := s.Save(ctx, jobID, 2, pc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok, err := s.Load(ctx, jobID, 2)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected a checkpoint to be found")
	}
	if got.Summary != "a summary" || got.ErrorCount != 2 {
		t.Fatalf("round-tripped context = %+v", got)
	}
}

func TestLoad_MissingStageReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, ok, err := s.Load(context.Background(), uuid.New(), 5)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for a checkpoint that was never saved")
	}
}

func TestSave_UpsertsOnJobAndStageIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	first := pipeline.New(jobID, "/work/abc", nil)
	first.Summary = "first attempt"
	if err := s.Save(ctx, jobID, 1, first); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	second := pipeline.New(jobID, "/work/abc", nil)
	second.Summary = "retried attempt"
	if err := s.Save(ctx, jobID, 1, second); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, ok, err := s.Load(ctx, jobID, 1)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected a checkpoint to be found")
	}
	if got.Summary != "retried attempt" {
		t.Fatalf("Summary = %q, want the latest upserted value", got.Summary)
	}
}

func TestLatest_ReturnsHighestStageIndex(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	for i := 0; i <= 3; i++ {
		pc := pipeline.New(jobID, "/work/abc", nil)
		if err := s.Save(ctx, jobID, i, pc); err != nil {
			t.Fatalf("Save(%d) error = %v", i, err)
		}
	}

	idx, pc, ok, err := s.Latest(ctx, jobID)
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if !ok {
		t.Fatalf("expected a latest checkpoint to be found")
	}
	if idx != 3 {
		t.Fatalf("Latest() stage index = %d, want 3", idx)
	}
	if pc == nil {
		t.Fatalf("expected a non-nil context")
	}
}

func TestLatest_NoCheckpointsReturnsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, _, ok, err := s.Latest(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false when the job has no checkpoints")
	}
}

func TestCleanup_RemovesAllCheckpointsForJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	jobID := uuid.New()

	pc := pipeline.New(jobID, "/work/abc", nil)
	if err := s.Save(ctx, jobID, 0, pc); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := s.Cleanup(ctx, jobID); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	_, ok, err := s.Load(ctx, jobID, 0)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if ok {
		t.Fatalf("expected checkpoint to be gone after Cleanup()")
	}
}
