package webhooks

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/logger"
)

type EndpointRepo interface {
	Create(dbc dbctx.Context, ep *domain.WebhookEndpoint) (*domain.WebhookEndpoint, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WebhookEndpoint, error)
	ListActiveByTenantAndEvent(dbc dbctx.Context, tenantID uuid.UUID, event string) ([]*domain.WebhookEndpoint, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	ListByTenant(dbc dbctx.Context, tenantID uuid.UUID) ([]*domain.WebhookEndpoint, error)
}

type endpointRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewEndpointRepo(gdb *gorm.DB, baseLog *logger.Logger) EndpointRepo {
	return &endpointRepo{db: gdb, log: baseLog.With("repo", "WebhookEndpointRepo")}
}

func (r *endpointRepo) Create(dbc dbctx.Context, ep *domain.WebhookEndpoint) (*domain.WebhookEndpoint, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	if err := tx.WithContext(dbc.Ctx).Create(ep).Error; err != nil {
		return nil, err
	}
	return ep, nil
}

func (r *endpointRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.WebhookEndpoint, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var ep domain.WebhookEndpoint
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&ep).Error; err != nil {
		return nil, err
	}
	return &ep, nil
}

// ListActiveByTenantAndEvent loads all active endpoints for a tenant, then
// filters in-process by subscription match (wildcard included) since the
// subscriptions column is a JSON array, not a relational join table.
func (r *endpointRepo) ListActiveByTenantAndEvent(dbc dbctx.Context, tenantID uuid.UUID, event string) ([]*domain.WebhookEndpoint, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var all []*domain.WebhookEndpoint
	if err := tx.WithContext(dbc.Ctx).
		Where("tenant_id = ? AND active = ?", tenantID, true).
		Find(&all).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.WebhookEndpoint, 0, len(all))
	for _, ep := range all {
		if ep.Subscribes(event) {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (r *endpointRepo) ListByTenant(dbc dbctx.Context, tenantID uuid.UUID) ([]*domain.WebhookEndpoint, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var out []*domain.WebhookEndpoint
	if err := tx.WithContext(dbc.Ctx).Where("tenant_id = ?", tenantID).Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *endpointRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.WebhookEndpoint{}).Where("id = ?", id).Updates(updates).Error
}
