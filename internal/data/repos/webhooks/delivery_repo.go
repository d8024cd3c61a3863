package webhooks

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/logger"
)

type DeliveryRepo interface {
	CreateMany(dbc dbctx.Context, deliveries []*domain.WebhookDelivery) ([]*domain.WebhookDelivery, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WebhookDelivery, error)
	// ClaimPending claims up to limit rows whose next_retry_at has passed,
	// under SELECT ... FOR UPDATE SKIP LOCKED — directly adapted from
	// JobRunRepo.ClaimNextRunnable so a crashed delivery worker never loses a
	// row and two workers never double-send the same delivery.
	ClaimPending(dbc dbctx.Context, limit int) ([]*domain.WebhookDelivery, error)
	MarkDelivered(dbc dbctx.Context, id uuid.UUID, statusCode int) error
	MarkFailedAttempt(dbc dbctx.Context, id uuid.UUID, statusCode int, lastErr string, nextRetryAt *time.Time) error
	ListByEndpoint(dbc dbctx.Context, endpointID uuid.UUID, limit, offset int) ([]*domain.WebhookDelivery, error)
	ResetForManualRetry(dbc dbctx.Context, id uuid.UUID) error
}

type deliveryRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewDeliveryRepo(gdb *gorm.DB, baseLog *logger.Logger) DeliveryRepo {
	return &deliveryRepo{db: gdb, log: baseLog.With("repo", "WebhookDeliveryRepo")}
}

func (r *deliveryRepo) CreateMany(dbc dbctx.Context, deliveries []*domain.WebhookDelivery) ([]*domain.WebhookDelivery, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	if len(deliveries) == 0 {
		return []*domain.WebhookDelivery{}, nil
	}
	if err := tx.WithContext(dbc.Ctx).Create(&deliveries).Error; err != nil {
		return nil, err
	}
	return deliveries, nil
}

func (r *deliveryRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WebhookDelivery, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var d domain.WebhookDelivery
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&d).Error; err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *deliveryRepo) ClaimPending(dbc dbctx.Context, limit int) ([]*domain.WebhookDelivery, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	now := time.Now()
	var claimed []*domain.WebhookDelivery
	err := tx.WithContext(dbc.Ctx).Transaction(func(txx *gorm.DB) error {
		var rows []domain.WebhookDelivery
		qErr := txx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("status = ? AND next_retry_at <= ?", domain.WebhookDeliveryStatusPending, now).
			Order("next_retry_at ASC").
			Limit(limit).
			Find(&rows).Error
		if qErr != nil {
			return qErr
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]uuid.UUID, 0, len(rows))
		for i := range rows {
			ids = append(ids, rows[i].ID)
		}
		if uErr := txx.Model(&domain.WebhookDelivery{}).
			Where("id IN ?", ids).
			Update("attempts", gorm.Expr("attempts + 1")).Error; uErr != nil {
			return uErr
		}
		for i := range rows {
			rows[i].Attempts++
			claimed = append(claimed, &rows[i])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (r *deliveryRepo) MarkDelivered(dbc dbctx.Context, id uuid.UUID, statusCode int) error {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":           domain.WebhookDeliveryStatusDelivered,
			"last_status_code": statusCode,
			"last_error":       "",
		}).Error
}

func (r *deliveryRepo) MarkFailedAttempt(dbc dbctx.Context, id uuid.UUID, statusCode int, lastErr string, nextRetryAt *time.Time) error {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	updates := map[string]interface{}{
		"last_status_code": statusCode,
		"last_error":       lastErr,
	}
	if nextRetryAt != nil {
		updates["next_retry_at"] = *nextRetryAt
		updates["status"] = domain.WebhookDeliveryStatusPending
	} else {
		updates["status"] = domain.WebhookDeliveryStatusFailed
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.WebhookDelivery{}).Where("id = ?", id).Updates(updates).Error
}

func (r *deliveryRepo) ListByEndpoint(dbc dbctx.Context, endpointID uuid.UUID, limit, offset int) ([]*domain.WebhookDelivery, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var out []*domain.WebhookDelivery
	if err := tx.WithContext(dbc.Ctx).
		Where("endpoint_id = ?", endpointID).
		Order("created_at DESC").
		Limit(limit).Offset(offset).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *deliveryRepo) ResetForManualRetry(dbc dbctx.Context, id uuid.UUID) error {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.WebhookDelivery{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        domain.WebhookDeliveryStatusPending,
			"next_retry_at": time.Now(),
		}).Error
}
