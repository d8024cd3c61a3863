package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Job statuses. Completed, Failed, and Cancelled are terminal.
const (
	JobStatusPending    = "pending"
	JobStatusRunning    = "running"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusCancelling = "cancelling"
	JobStatusCancelled  = "cancelled"
)

func JobStatusTerminal(status string) bool {
	switch status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	default:
		return false
	}
}

// JobParams mirrors the client-supplied transcription parameters from
// POST /v1/audio/transcriptions. Stored as JSON so the DAG builder and
// gateway handlers share a single source of truth for "what was asked for".
type JobParams struct {
	ModelID          string `json:"model_id"`
	Language         string `json:"language,omitempty"`
	Diarize          bool   `json:"diarize"`
	WordTimestamps   bool   `json:"word_timestamps"`
	LLMCleanup       bool   `json:"llm_cleanup"`
	WebhookURL       string `json:"webhook_url,omitempty"`
	WebhookMetadata  string `json:"webhook_metadata,omitempty"`
}

// Job is a unit of work submitted by a client. Created exclusively by the
// Gateway, mutated exclusively by the Orchestrator. Terminal states are
// immutable (enforced at the repo layer via UpdateFieldsUnlessStatus).
type Job struct {
	ID                uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID          uuid.UUID      `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Status            string         `gorm:"column:status;not null;index" json:"status"`
	AudioBlobRef       string        `gorm:"column:audio_blob_ref;not null" json:"audio_blob_ref"`
	Params            datatypes.JSONType[JobParams] `gorm:"column:params;type:jsonb" json:"params"`
	WebhookMetadata    string        `gorm:"column:webhook_metadata" json:"webhook_metadata,omitempty"`
	Error             string         `gorm:"column:error" json:"error,omitempty"`
	TranscriptBlobRef  string        `gorm:"column:transcript_blob_ref" json:"transcript_blob_ref,omitempty"`
	CreatedAt         time.Time      `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt         time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	CompletedAt       *time.Time     `gorm:"column:completed_at" json:"completed_at,omitempty"`
}

func (Job) TableName() string { return "job" }
