package relational

import (
	"context"
	"fmt"
	"time"

	"github.com/chirino/conversation-store/internal/model"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

func (s *Store) CreateTask(ctx context.Context, taskType string, taskBody map[string]interface{}) error {
	task := model.Task{
		ID:       uuid.New(),
		TaskType: taskType,
		TaskBody: taskBody,
		RetryAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *Store) CreateNamedTask(ctx context.Context, taskName string, taskType string, taskBody map[string]interface{}) error {
	task := model.Task{
		ID:       uuid.New(),
		TaskName: &taskName,
		TaskType: taskType,
		TaskBody: taskBody,
		RetryAt:  time.Now(),
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		// A named task already queued is a no-op; names dedupe singleton work.
		if s.dialect.isUniqueViolation(err) {
			return nil
		}
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

func (s *Store) ClaimReadyTasks(ctx context.Context, limit int) ([]model.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	claimTTL := s.cfg.TaskClaimTTL
	if claimTTL <= 0 {
		claimTTL = 5 * time.Minute
	}
	return s.dialect.claimTasks(ctx, s.db, limit, claimTTL)
}

func (s *Store) DeleteTask(ctx context.Context, taskID uuid.UUID) error {
	return s.db.WithContext(ctx).Where("id = ?", taskID).Delete(&model.Task{}).Error
}

func (s *Store) FailTask(ctx context.Context, taskID uuid.UUID, errMsg string, retryDelay time.Duration) error {
	return s.db.WithContext(ctx).Model(&model.Task{}).
		Where("id = ?", taskID).
		Updates(map[string]interface{}{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"retry_at":      time.Now().Add(retryDelay),
			"processing_at": nil,
			"last_error":    errMsg,
		}).Error
}
