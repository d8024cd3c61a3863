package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Webhook event types a WebhookEndpoint may subscribe to.
const (
	WebhookEventTranscriptionCompleted = "transcription.completed"
	WebhookEventTranscriptionFailed    = "transcription.failed"
	WebhookEventTranscriptionCancelled = "transcription.cancelled"
	WebhookEventWildcard               = "*"
)

// WebhookEndpoint is a tenant-scoped, admin-registered delivery sink.
type WebhookEndpoint struct {
	ID             uuid.UUID                   `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	TenantID       uuid.UUID                   `gorm:"type:uuid;not null;index" json:"tenant_id"`
	URL            string                      `gorm:"column:url;not null" json:"url"`
	Subscriptions  datatypes.JSONSlice[string] `gorm:"column:subscriptions;type:jsonb" json:"subscriptions"`
	SigningSecret  string                      `gorm:"column:signing_secret;not null" json:"-"`
	Active         bool                        `gorm:"column:active;not null;default:true" json:"active"`
	CreatedAt      time.Time                   `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt      time.Time                   `gorm:"not null;default:now()" json:"updated_at"`
}

func (WebhookEndpoint) TableName() string { return "webhook_endpoint" }

// Subscribes reports whether this endpoint should receive the given event,
// honoring the wildcard subscription.
func (e *WebhookEndpoint) Subscribes(event string) bool {
	for _, s := range e.Subscriptions {
		if s == event || s == WebhookEventWildcard {
			return true
		}
	}
	return false
}

// Webhook delivery statuses.
const (
	WebhookDeliveryStatusPending   = "pending"
	WebhookDeliveryStatusDelivered = "delivered"
	WebhookDeliveryStatusFailed    = "failed"
)

// WebhookDelivery is one queued (and possibly retried) POST.
//
// Invariant: exactly-one-in-flight per delivery id, enforced by a row-level
// "select for update skip locked" claim in WebhookDeliveryRepo.ClaimPending.
type WebhookDelivery struct {
	ID             uuid.UUID                  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	EndpointID     *uuid.UUID                 `gorm:"type:uuid;column:endpoint_id;index" json:"endpoint_id,omitempty"`
	JobID          uuid.UUID                  `gorm:"type:uuid;not null;index" json:"job_id"`
	EventType      string                     `gorm:"column:event_type;not null;index" json:"event_type"`
	Payload        datatypes.JSON             `gorm:"column:payload;type:jsonb" json:"payload"`
	URLOverride    string                     `gorm:"column:url_override" json:"url_override,omitempty"`
	Status         string                     `gorm:"column:status;not null;index" json:"status"`
	Attempts       int                        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	NextRetryAt    time.Time                  `gorm:"column:next_retry_at;not null;index" json:"next_retry_at"`
	LastStatusCode int                        `gorm:"column:last_status_code" json:"last_status_code,omitempty"`
	LastError      string                     `gorm:"column:last_error" json:"last_error,omitempty"`
	CreatedAt      time.Time                  `gorm:"not null;default:now()" json:"created_at"`
}

func (WebhookDelivery) TableName() string { return "webhook_delivery" }
