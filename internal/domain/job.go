// Package domain holds the persisted data model shared across the pipeline:
// the Job row, its error history, and the stage lifecycle enums.
package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus is the lifecycle status of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobDegraded  JobStatus = "degraded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// StageStatus is the lifecycle status of a single stage within a Job.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageRunning   StageStatus = "running"
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageDegraded  StageStatus = "degraded"
	StageSkipped   StageStatus = "skipped"
)

// Job is the durable record for a single markdown-to-video run. It is the
// unit the Job Store claims, leases, and advances one stage at a time.
type Job struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Status JobStatus `gorm:"column:status;not null;index" json:"status"`

	StageIndex int    `gorm:"column:stage_index;not null;default:0" json:"stage_index"`
	StageName  string `gorm:"column:stage_name;not null" json:"stage_name"`
	Progress   int    `gorm:"column:progress;not null;default:0" json:"progress"`

	InputPath   string `gorm:"column:input_path;not null" json:"input_path"`
	WorkDir     string `gorm:"column:work_dir;not null" json:"work_dir"`
	StylePreset string `gorm:"column:style_preset" json:"style_preset,omitempty"`

	Attempts         int            `gorm:"column:attempts;not null;default:0" json:"attempts"`
	DegradedCount    int            `gorm:"column:degraded_count;not null;default:0" json:"degraded_count"`
	DegradedReasons  datatypes.JSON `gorm:"column:degraded_reasons;type:jsonb" json:"degraded_reasons,omitempty"`
	Errors           datatypes.JSON `gorm:"column:errors;type:jsonb" json:"errors,omitempty"`
	Result           datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`
	GateChecklist    datatypes.JSON `gorm:"column:gate_checklist;type:jsonb" json:"gate_checklist,omitempty"`
	LockedAt         *time.Time     `gorm:"column:locked_at;index" json:"locked_at,omitempty"`
	HeartbeatAt      *time.Time     `gorm:"column:heartbeat_at;index" json:"heartbeat_at,omitempty"`
	NextRunAt        *time.Time     `gorm:"column:next_run_at;index" json:"next_run_at,omitempty"`
	LastError        string         `gorm:"column:last_error" json:"last_error,omitempty"`
	LastErrorAt      *time.Time     `gorm:"column:last_error_at" json:"last_error_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now();index" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Job) TableName() string { return "pipeline_job" }

// ErrorKind is the taxonomy spec.md §7 classifies every stage failure into.
type ErrorKind string

const (
	ErrKindQuota     ErrorKind = "quota"
	ErrKindSyntax    ErrorKind = "syntax"
	ErrKindNetwork   ErrorKind = "network"
	ErrKindFS        ErrorKind = "filesystem"
	ErrKindRemoteAPI ErrorKind = "remote-api"
	ErrKindRender    ErrorKind = "render"
	ErrKindFormat    ErrorKind = "format"
	ErrKindTimeout   ErrorKind = "timeout"
	ErrKindCancelled ErrorKind = "cancelled"
	ErrKindUnknown   ErrorKind = "unknown"
)

// ErrorRecord is one entry in a Job's append-only error history (spec.md
// §3: stage index, error kind, detail message, retry attempt number,
// whether a fallback was used, whether a checkpoint was restored,
// timestamp).
type ErrorRecord struct {
	StageIndex       int       `json:"stage_index"`
	StageName        string    `json:"stage_name"`
	Attempt          int       `json:"attempt"`
	Kind             ErrorKind `json:"kind"`
	Message          string    `json:"message"`
	OccurredAt       time.Time `json:"occurred_at"`
	Fatal            bool      `json:"fatal"`
	FallbackUsed     bool      `json:"fallback_used"`
	CheckpointLoaded bool      `json:"checkpoint_loaded"`
}
