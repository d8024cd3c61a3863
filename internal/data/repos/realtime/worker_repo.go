package realtime

import (
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/logger"
)

// WorkerRepo persists RealtimeWorker rows so a Session Router restart can
// rehydrate the pool's capacity/health snapshot. The router's in-memory
// state (internal/session) is authoritative at runtime; this repo is a
// checkpoint, not the allocation path.
type WorkerRepo interface {
	Upsert(dbc dbctx.Context, w *domain.RealtimeWorker) error
	ListAll(dbc dbctx.Context) ([]*domain.RealtimeWorker, error)
	UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error
}

type workerRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewWorkerRepo(gdb *gorm.DB, baseLog *logger.Logger) WorkerRepo {
	return &workerRepo{db: gdb, log: baseLog.With("repo", "RealtimeWorkerRepo")}
}

func (r *workerRepo) Upsert(dbc dbctx.Context, w *domain.RealtimeWorker) error {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"endpoint_url", "capacity", "session_count", "healthy", "supported_models", "last_heartbeat_at"}),
	}).Create(w).Error
}

func (r *workerRepo) ListAll(dbc dbctx.Context) ([]*domain.RealtimeWorker, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var out []*domain.RealtimeWorker
	if err := tx.WithContext(dbc.Ctx).Order("registered_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *workerRepo) UpdateFields(dbc dbctx.Context, id string, updates map[string]interface{}) error {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	return tx.WithContext(dbc.Ctx).Model(&domain.RealtimeWorker{}).Where("id = ?", id).Updates(updates).Error
}
