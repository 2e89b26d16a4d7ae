// Package job implements the Job Store (spec.md §4.4): durable job records
// with status progression and structured error history. Grounded on
// internal/data/repos/jobs/job_run.go's ClaimNextRunnable, generalized from
// a polymorphic job-run table (many job types) to this spec's single Job
// type, and used to resolve spec.md §9's concurrent-retry open question via
// SELECT ... FOR UPDATE SKIP LOCKED.
package job

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xdotcontractor01/mdvideo/internal/domain"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Store is the Job Store contract (spec.md §4.4).
type Store interface {
	Create(ctx context.Context, inputPath, workDir, stylePreset string) (*domain.Job, error)
	Get(ctx context.Context, id uuid.UUID) (*domain.Job, error)
	List(ctx context.Context, statusFilter domain.JobStatus) ([]*domain.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error

	// ClaimNextRunnable atomically claims a pending or stale-running job for
	// this worker, so that two workers racing on the same job cannot both
	// proceed (spec.md §9).
	ClaimNextRunnable(ctx context.Context, staleRunning time.Duration) (*domain.Job, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, outputPath string) error
	AppendError(ctx context.Context, id uuid.UUID, rec domain.ErrorRecord) error
	MarkStageComplete(ctx context.Context, id uuid.UUID, stageIndex int, stageName string) error
	UpdateTokens(ctx context.Context, id uuid.UUID, deltaInput, deltaOutput int) error
	SetDegraded(ctx context.Context, id uuid.UUID, reason string) error
	SetGateChecklist(ctx context.Context, id uuid.UUID, checklist any) error
	Heartbeat(ctx context.Context, id uuid.UUID) error
	IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error)
}

type gormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, log *logger.Logger) Store {
	return &gormStore{db: db, log: log.With("component", "JobStore")}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&domain.Job{})
}

// Create ingests the markdown at inputPath into workDir/input.md (the path
// stage1ValidateInput reads unconditionally) before persisting the job
// record, so every job created through this Store has its source document
// available from stage 0 onward regardless of where inputPath lives on disk.
func (s *gormStore) Create(ctx context.Context, inputPath, workDir, stylePreset string) (*domain.Job, error) {
	if err := copyInputMarkdown(inputPath, workDir); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}

	j := &domain.Job{
		ID:          uuid.New(),
		Status:      domain.JobPending,
		InputPath:   inputPath,
		WorkDir:     workDir,
		StylePreset: stylePreset,
	}
	if err := s.db.WithContext(ctx).Create(j).Error; err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

func copyInputMarkdown(inputPath, workDir string) error {
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	src, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("open input markdown: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(filepath.Join(workDir, "input.md"))
	if err != nil {
		return fmt.Errorf("stage input markdown: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return fmt.Errorf("copy input markdown: %w", err)
	}
	return dst.Close()
}

func (s *gormStore) Get(ctx context.Context, id uuid.UUID) (*domain.Job, error) {
	var j domain.Job
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&j).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *gormStore) List(ctx context.Context, statusFilter domain.JobStatus) ([]*domain.Job, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC")
	if statusFilter != "" {
		q = q.Where("status = ?", statusFilter)
	}
	var out []*domain.Job
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormStore) Delete(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Where("id = ?", id).Delete(&domain.Job{}).Error
}

// ClaimNextRunnable picks the oldest pending job, or a running job whose
// heartbeat has gone stale (a crashed worker), locking the row for the
// duration of the transaction so a concurrent claimant skips it.
func (s *gormStore) ClaimNextRunnable(ctx context.Context, staleRunning time.Duration) (*domain.Job, error) {
	now := time.Now()
	staleCutoff := now.Add(-staleRunning)

	var claimed *domain.Job
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j domain.Job
		q := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where(`
				status = ?
				OR (status = ? AND heartbeat_at IS NOT NULL AND heartbeat_at < ?)
				OR (status = ? AND next_run_at IS NOT NULL AND next_run_at < ?)
			`, domain.JobPending, domain.JobRunning, staleCutoff, domain.JobRunning, now).
			Order("created_at ASC")
		if err := q.First(&j).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return nil
			}
			return err
		}
		if err := tx.Model(&domain.Job{}).Where("id = ?", j.ID).Updates(map[string]any{
			"status":       domain.JobRunning,
			"locked_at":    now,
			"heartbeat_at": now,
			"updated_at":   now,
		}).Error; err != nil {
			return err
		}
		claimed = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *gormStore) UpdateStatus(ctx context.Context, id uuid.UUID, status domain.JobStatus, outputPath string) error {
	updates := map[string]any{"status": status, "updated_at": time.Now()}
	if outputPath != "" {
		updates["result"] = datatypes.JSON(fmt.Sprintf(`{"final_output_path":%q}`, outputPath))
	}
	return s.db.WithContext(ctx).Model(&domain.Job{}).Where("id = ?", id).Updates(updates).Error
}

// AppendError appends rec to the job's error history. Error-history appends
// are totally ordered per job (spec.md §5): this uses a read-modify-write
// inside a row-locked transaction rather than a JSON array-append operator
// so ordering holds across concurrent stage attempts on different jobs,
// and the row lock serializes any same-job race (which ClaimNextRunnable
// already prevents at the job-ownership level).
func (s *gormStore) AppendError(ctx context.Context, id uuid.UUID, rec domain.ErrorRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j domain.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&j).Error; err != nil {
			return err
		}
		var history []domain.ErrorRecord
		if len(j.Errors) > 0 {
			if err := json.Unmarshal(j.Errors, &history); err != nil {
				return fmt.Errorf("decode error history: %w", err)
			}
		}
		history = append(history, rec)
		raw, err := json.Marshal(history)
		if err != nil {
			return err
		}
		now := time.Now()
		return tx.Model(&domain.Job{}).Where("id = ?", id).Updates(map[string]any{
			"errors":        datatypes.JSON(raw),
			"last_error":    rec.Message,
			"last_error_at": now,
			"updated_at":    now,
		}).Error
	})
}

func (s *gormStore) MarkStageComplete(ctx context.Context, id uuid.UUID, stageIndex int, stageName string) error {
	return s.db.WithContext(ctx).Model(&domain.Job{}).Where("id = ?", id).Updates(map[string]any{
		"stage_index": stageIndex,
		"stage_name":  stageName,
		"updated_at":  time.Now(),
	}).Error
}

func (s *gormStore) UpdateTokens(ctx context.Context, id uuid.UUID, deltaInput, deltaOutput int) error {
	if deltaInput == 0 && deltaOutput == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j domain.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&j).Error; err != nil {
			return err
		}
		var result map[string]any
		if len(j.Result) > 0 {
			_ = json.Unmarshal(j.Result, &result)
		}
		if result == nil {
			result = map[string]any{}
		}
		tokens, _ := result["tokens"].(map[string]any)
		if tokens == nil {
			tokens = map[string]any{"input_tokens": 0, "output_tokens": 0, "total_tokens": 0}
		}
		toInt := func(v any) int {
			f, _ := v.(float64)
			return int(f)
		}
		tokens["input_tokens"] = toInt(tokens["input_tokens"]) + deltaInput
		tokens["output_tokens"] = toInt(tokens["output_tokens"]) + deltaOutput
		tokens["total_tokens"] = toInt(tokens["total_tokens"]) + deltaInput + deltaOutput
		result["tokens"] = tokens
		raw, err := json.Marshal(result)
		if err != nil {
			return err
		}
		return tx.Model(&domain.Job{}).Where("id = ?", id).Updates(map[string]any{
			"result":     datatypes.JSON(raw),
			"updated_at": time.Now(),
		}).Error
	})
}

func (s *gormStore) SetDegraded(ctx context.Context, id uuid.UUID, reason string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var j domain.Job
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&j).Error; err != nil {
			return err
		}
		var reasons []string
		if len(j.DegradedReasons) > 0 {
			_ = json.Unmarshal(j.DegradedReasons, &reasons)
		}
		reasons = append(reasons, reason)
		raw, err := json.Marshal(reasons)
		if err != nil {
			return err
		}
		return tx.Model(&domain.Job{}).Where("id = ?", id).Updates(map[string]any{
			"degraded_count":   gorm.Expr("degraded_count + 1"),
			"degraded_reasons": datatypes.JSON(raw),
			"updated_at":       time.Now(),
		}).Error
	})
}

func (s *gormStore) SetGateChecklist(ctx context.Context, id uuid.UUID, checklist any) error {
	raw, err := json.Marshal(checklist)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&domain.Job{}).Where("id = ?", id).Updates(map[string]any{
		"gate_checklist": datatypes.JSON(raw),
		"updated_at":     time.Now(),
	}).Error
}

func (s *gormStore) Heartbeat(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	return s.db.WithContext(ctx).Model(&domain.Job{}).
		Where("id = ? AND status = ?", id, domain.JobRunning).
		Updates(map[string]any{"heartbeat_at": now, "updated_at": now}).Error
}

func (s *gormStore) IncrementAttempt(ctx context.Context, id uuid.UUID) (int, error) {
	var attempts int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&domain.Job{}).Where("id = ?", id).
			Update("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
			return err
		}
		var j domain.Job
		if err := tx.Select("attempts").Where("id = ?", id).First(&j).Error; err != nil {
			return err
		}
		attempts = j.Attempts
		return nil
	})
	return attempts, err
}
