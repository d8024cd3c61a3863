package domain

import (
	"time"

	"github.com/google/uuid"
)

// RealtimeSession statuses.
const (
	RealtimeSessionStatusActive      = "active"
	RealtimeSessionStatusCompleted   = "completed"
	RealtimeSessionStatusError       = "error"
	RealtimeSessionStatusInterrupted = "interrupted"
)

// RealtimeSession is a WebSocket session record.
type RealtimeSession struct {
	ID                    uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID              uuid.UUID  `gorm:"type:uuid;not null;index" json:"tenant_id"`
	Status                string     `gorm:"column:status;not null;index" json:"status"`
	AssignedWorkerID      string     `gorm:"column:assigned_worker_id;not null;index" json:"assigned_worker_id"`
	Language              string     `gorm:"column:language" json:"language,omitempty"`
	Model                 string     `gorm:"column:model;not null" json:"model"`
	Encoding              string     `gorm:"column:encoding" json:"encoding,omitempty"`
	SampleRate            int        `gorm:"column:sample_rate" json:"sample_rate,omitempty"`
	StoreAudio            bool       `gorm:"column:store_audio" json:"store_audio"`
	StoreTranscript       bool       `gorm:"column:store_transcript" json:"store_transcript"`
	EnhanceOnEnd          bool       `gorm:"column:enhance_on_end" json:"enhance_on_end"`
	AudioBlobRef          string     `gorm:"column:audio_blob_ref" json:"audio_blob_ref,omitempty"`
	TranscriptBlobRef     string     `gorm:"column:transcript_blob_ref" json:"transcript_blob_ref,omitempty"`
	EnhancementJobID      *uuid.UUID `gorm:"type:uuid;column:enhancement_job_id" json:"enhancement_job_id,omitempty"`
	PredecessorSessionID  *uuid.UUID `gorm:"type:uuid;column:predecessor_session_id" json:"predecessor_session_id,omitempty"`
	DurationSeconds       float64    `gorm:"column:duration_seconds" json:"duration_seconds,omitempty"`
	UtteranceCount        int        `gorm:"column:utterance_count" json:"utterance_count,omitempty"`
	WordCount             int        `gorm:"column:word_count" json:"word_count,omitempty"`
	ClientIP              string     `gorm:"column:client_ip" json:"client_ip,omitempty"`
	Error                 string     `gorm:"column:error" json:"error,omitempty"`
	StartedAt             time.Time  `gorm:"not null;default:now();index" json:"started_at"`
	EndedAt               *time.Time `gorm:"column:ended_at" json:"ended_at,omitempty"`
}

func (RealtimeSession) TableName() string { return "realtime_session" }

func RealtimeSessionStatusTerminal(status string) bool {
	switch status {
	case RealtimeSessionStatusCompleted, RealtimeSessionStatusError, RealtimeSessionStatusInterrupted:
		return true
	default:
		return false
	}
}

// RealtimeWorker is the worker-pool record backing the session router. The
// router's in-memory allocation state is the authority at runtime; this row
// lets a router restart rehydrate capacity/health instead of starting from
// zero.
type RealtimeWorker struct {
	ID               string    `gorm:"column:id;primaryKey" json:"id"`
	EndpointURL      string    `gorm:"column:endpoint_url;not null" json:"endpoint_url"`
	Capacity         int       `gorm:"column:capacity;not null" json:"capacity"`
	SessionCount     int       `gorm:"column:session_count;not null;default:0" json:"session_count"`
	Healthy          bool      `gorm:"column:healthy;not null;default:true" json:"healthy"`
	SupportedModels  string    `gorm:"column:supported_models" json:"supported_models,omitempty"` // comma-separated
	LastHeartbeatAt  time.Time `gorm:"column:last_heartbeat_at;not null;default:now()" json:"last_heartbeat_at"`
	RegisteredAt     time.Time `gorm:"column:registered_at;not null;default:now()" json:"registered_at"`
}

func (RealtimeWorker) TableName() string { return "realtime_worker" }
