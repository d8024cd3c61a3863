package realtime

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/logger"
)

type SessionRepo interface {
	Create(dbc dbctx.Context, s *domain.RealtimeSession) (*domain.RealtimeSession, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.RealtimeSession, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type sessionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewSessionRepo(gdb *gorm.DB, baseLog *logger.Logger) SessionRepo {
	return &sessionRepo{db: gdb, log: baseLog.With("repo", "RealtimeSessionRepo")}
}

func (r *sessionRepo) Create(dbc dbctx.Context, s *domain.RealtimeSession) (*domain.RealtimeSession, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	if err := tx.WithContext(dbc.Ctx).Create(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

func (r *sessionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.RealtimeSession, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var s domain.RealtimeSession
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *sessionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.RealtimeSession{}).Where("id = ?", id).Updates(updates).Error
}
