package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/yungbote/dalston/internal/domain"
)

func AutoMigrateAll(gdb *gorm.DB) error {
	return gdb.AutoMigrate(
		&domain.Job{},
		&domain.Task{},
		&domain.WebhookEndpoint{},
		&domain.WebhookDelivery{},
		&domain.RealtimeSession{},
		&domain.RealtimeWorker{},
	)
}

// EnsureIndexes creates indexes GORM's AutoMigrate cannot express directly,
// mirroring the claim-query shapes the repos issue.
func EnsureIndexes(gdb *gorm.DB) error {
	if err := gdb.Exec(`
		CREATE INDEX IF NOT EXISTS idx_webhook_delivery_claimable
		ON webhook_delivery (status, next_retry_at)
		WHERE status = 'pending';
	`).Error; err != nil {
		return fmt.Errorf("create idx_webhook_delivery_claimable: %w", err)
	}
	if err := gdb.Exec(`
		CREATE INDEX IF NOT EXISTS idx_task_job_status
		ON task (job_id, status);
	`).Error; err != nil {
		return fmt.Errorf("create idx_task_job_status: %w", err)
	}
	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsureIndexes(s.db); err != nil {
		s.log.Error("Index migration failed", "error", err)
		return err
	}
	return nil
}
