package jobs

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/yungbote/dalston/internal/domain"
	"github.com/yungbote/dalston/internal/pkg/dbctx"
	"github.com/yungbote/dalston/internal/platform/logger"
)

type TaskRepo interface {
	CreateMany(dbc dbctx.Context, tasks []*domain.Task) ([]*domain.Task, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error)
	ListByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Task, error)
	ListNonTerminalByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Task, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus writes updates unless the row's current status
	// is one of disallowedStatuses (guards against re-completing a task
	// that's already reached a terminal state).
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
}

type taskRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewTaskRepo(gdb *gorm.DB, baseLog *logger.Logger) TaskRepo {
	return &taskRepo{db: gdb, log: baseLog.With("repo", "TaskRepo")}
}

func (r *taskRepo) CreateMany(dbc dbctx.Context, tasks []*domain.Task) ([]*domain.Task, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	if len(tasks) == 0 {
		return []*domain.Task{}, nil
	}
	if err := tx.WithContext(dbc.Ctx).Create(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

func (r *taskRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.Task, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var task domain.Task
	if err := tx.WithContext(dbc.Ctx).Where("id = ?", id).First(&task).Error; err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskRepo) ListByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var out []*domain.Task
	if err := tx.WithContext(dbc.Ctx).Where("job_id = ?", jobID).Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) ListNonTerminalByJobID(dbc dbctx.Context, jobID uuid.UUID) ([]*domain.Task, error) {
	tx := dbc.Tx
	if tx == nil {
		tx = r.db
	}
	var out []*domain.Task
	terminal := []string{domain.TaskStatusCompleted, domain.TaskStatusFailed, domain.TaskStatusCancelled, domain.TaskStatusSkipped}
	if err := tx.WithContext(dbc.Ctx).
		Where("job_id = ? AND status NOT IN ?", jobID, terminal).
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
	return tx.WithContext(dbc.Ctx).Model(&domain.Task{}).Where("id = ?", id).Updates(updates).Error
}

func (r *taskRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
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
	q := tx.WithContext(dbc.Ctx).Model(&domain.Task{}).Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
