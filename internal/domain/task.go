package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Task statuses.
const (
	TaskStatusPending   = "pending"
	TaskStatusReady     = "ready"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
	TaskStatusSkipped   = "skipped"
)

func TaskStatusTerminal(status string) bool {
	switch status {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusCancelled, TaskStatusSkipped:
		return true
	default:
		return false
	}
}

// Pipeline stage names.
const (
	StagePrepare    = "prepare"
	StageTranscribe = "transcribe"
	StageAlign      = "align"
	StageDiarize    = "diarize"
	StageCleanup    = "cleanup"
	StageMerge      = "merge"
)

// TaskConfig holds the resolved dispatch config for a task, including the
// runtime_model_id the DAG builder resolved from the requested model id.
type TaskConfig struct {
	RuntimeModelID string         `json:"runtime_model_id,omitempty"`
	Extra          map[string]any `json:"extra,omitempty"`
}

// Task is a single pipeline step belonging to a Job.
//
// Invariant: a task transitions to ready only when all DependsOn tasks are
// completed; to running only when consumed by a worker; to completed/failed
// by exactly one worker.
type Task struct {
	ID          uuid.UUID                     `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	JobID       uuid.UUID                     `gorm:"type:uuid;not null;index" json:"job_id"`
	Stage       string                        `gorm:"column:stage;not null;index" json:"stage"`
	EngineID    string                        `gorm:"column:engine_id;not null;index" json:"engine_id"`
	DependsOn   datatypes.JSONSlice[string]    `gorm:"column:depends_on;type:jsonb" json:"depends_on"`
	Status      string                        `gorm:"column:status;not null;index" json:"status"`
	Config      datatypes.JSONType[TaskConfig] `gorm:"column:config;type:jsonb" json:"config"`
	OutputRef   string                        `gorm:"column:output_ref" json:"output_ref,omitempty"`
	Error       string                        `gorm:"column:error" json:"error,omitempty"`
	Attempts    int                           `gorm:"column:attempts;not null;default:0" json:"attempts"`
	TraceID     string                        `gorm:"column:trace_id" json:"trace_id,omitempty"`
	CreatedAt   time.Time                     `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt   time.Time                     `gorm:"not null;default:now()" json:"updated_at"`
	StartedAt   *time.Time                    `gorm:"column:started_at" json:"started_at,omitempty"`
	FinishedAt  *time.Time                    `gorm:"column:finished_at" json:"finished_at,omitempty"`
}

func (Task) TableName() string { return "task" }

// DependsOnSet returns DependsOn as a set for O(1) membership checks.
func (t *Task) DependsOnSet() map[string]struct{} {
	out := make(map[string]struct{}, len(t.DependsOn))
	for _, id := range t.DependsOn {
		out[id] = struct{}{}
	}
	return out
}
