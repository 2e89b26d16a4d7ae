// Package checkpoint implements the Checkpoint Store (spec.md §4.5): a
// durable, keyed-by-(job_id, stage_index) snapshot of a Context after a
// stage succeeds. The donor inlines orchestrator state into the job row's
// result column instead (internal/jobs/orchestrator engine.LoadState /
// SaveState); this spec requires a dedicated table, so this package is new,
// built in the donor's GORM idiom.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xdotcontractor01/mdvideo/internal/pipeline"
	"github.com/xdotcontractor01/mdvideo/internal/platform/logger"
)

// Record is the durable row for one stage's checkpoint.
type Record struct {
	ID         uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID      uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:uq_job_stage" json:"job_id"`
	StageIndex int            `gorm:"column:stage_index;not null;uniqueIndex:uq_job_stage" json:"stage_index"`
	Snapshot   datatypes.JSON `gorm:"column:snapshot;type:jsonb;not null" json:"snapshot"`
	Hash       string         `gorm:"column:hash;not null" json:"hash"`
	CreatedAt  time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (Record) TableName() string { return "pipeline_checkpoint" }

// Store is the Checkpoint Store contract (spec.md §4.5).
type Store interface {
	Save(ctx context.Context, jobID uuid.UUID, stageIndex int, pc *pipeline.Context) error
	Load(ctx context.Context, jobID uuid.UUID, stageIndex int) (*pipeline.Context, bool, error)
	Latest(ctx context.Context, jobID uuid.UUID) (int, *pipeline.Context, bool, error)
	Cleanup(ctx context.Context, jobID uuid.UUID) error
}

type gormStore struct {
	db  *gorm.DB
	log *logger.Logger
}

func New(db *gorm.DB, log *logger.Logger) Store {
	return &gormStore{db: db, log: log.With("component", "CheckpointStore")}
}

// Save writes a checkpoint atomically: it upserts on (job_id, stage_index)
// so a retried stage's successful re-attempt does not leave two rows for
// the same index, and skips the write entirely when the content hash is
// unchanged (idempotent-resume law, spec.md §8).
func (s *gormStore) Save(ctx context.Context, jobID uuid.UUID, stageIndex int, pc *pipeline.Context) error {
	raw, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("marshal context snapshot: %w", err)
	}
	sum := blake2b.Sum256(raw)
	hash := fmt.Sprintf("%x", sum)

	var existing Record
	if err := s.db.WithContext(ctx).Select("hash").
		Where("job_id = ? AND stage_index = ?", jobID, stageIndex).
		First(&existing).Error; err == nil && existing.Hash == hash {
		return nil
	}

	rec := Record{
		ID:         uuid.New(),
		JobID:      jobID,
		StageIndex: stageIndex,
		Snapshot:   datatypes.JSON(raw),
		Hash:       hash,
	}

	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "job_id"}, {Name: "stage_index"}},
		DoUpdates: clause.AssignmentColumns([]string{"snapshot", "hash", "created_at"}),
	}).Create(&rec).Error
}

func (s *gormStore) Load(ctx context.Context, jobID uuid.UUID, stageIndex int) (*pipeline.Context, bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("job_id = ? AND stage_index = ?", jobID, stageIndex).
		First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	return decode(rec.Snapshot)
}

func (s *gormStore) Latest(ctx context.Context, jobID uuid.UUID) (int, *pipeline.Context, bool, error) {
	var rec Record
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("stage_index DESC").
		First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, nil, false, nil
		}
		return 0, nil, false, err
	}
	pc, ok, err := decode(rec.Snapshot)
	if err != nil || !ok {
		return 0, nil, false, err
	}
	return rec.StageIndex, pc, true, nil
}

func (s *gormStore) Cleanup(ctx context.Context, jobID uuid.UUID) error {
	return s.db.WithContext(ctx).Where("job_id = ?", jobID).Delete(&Record{}).Error
}

func decode(raw datatypes.JSON) (*pipeline.Context, bool, error) {
	if len(raw) == 0 {
		return nil, false, nil
	}
	var pc pipeline.Context
	if err := json.Unmarshal(raw, &pc); err != nil {
		return nil, false, fmt.Errorf("unmarshal context snapshot: %w", err)
	}
	return &pc, true, nil
}

// Migrate creates the checkpoint table. Called once at process startup,
// mirroring the donor's gorm.AutoMigrate usage elsewhere in the codebase.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Record{})
}
