package repos

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

type ExecutionLogRepo interface {
	Append(ctx context.Context, tx *gorm.DB, executionID, stageID string, level domain.LogLevel, message string, metadata map[string]any) error
	ListByExecution(ctx context.Context, tx *gorm.DB, executionID string, level domain.LogLevel, limit int) ([]*domain.ExecutionLog, error)
	CountErrors(ctx context.Context, tx *gorm.DB, executionID string) (int, error)
}

type executionLogRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExecutionLogRepo(db *gorm.DB, baseLog *logger.Logger) ExecutionLogRepo {
	return &executionLogRepo{
		db:  db,
		log: baseLog.With("repo", "ExecutionLogRepo"),
	}
}

func (r *executionLogRepo) Append(ctx context.Context, tx *gorm.DB, executionID, stageID string, level domain.LogLevel, message string, metadata map[string]any) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if executionID == "" || message == "" {
		return nil
	}
	if level == "" {
		level = domain.LogInfo
	}
	entry := &domain.ExecutionLog{
		ExecutionID: executionID,
		StageID:     stageID,
		Level:       level,
		Message:     message,
		Timestamp:   time.Now().UTC(),
	}
	if len(metadata) > 0 {
		b, err := json.Marshal(metadata)
		if err == nil {
			entry.Metadata = datatypes.JSON(b)
		}
	}
	return transaction.WithContext(ctx).Create(entry).Error
}

func (r *executionLogRepo) ListByExecution(ctx context.Context, tx *gorm.DB, executionID string, level domain.LogLevel, limit int) ([]*domain.ExecutionLog, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 200
	}
	q := transaction.WithContext(ctx).Where("execution_id = ?", executionID)
	if level != "" {
		q = q.Where("level = ?", level)
	}
	var out []*domain.ExecutionLog
	if err := q.Order("id ASC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *executionLogRepo) CountErrors(ctx context.Context, tx *gorm.DB, executionID string) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var n int64
	err := transaction.WithContext(ctx).
		Model(&domain.ExecutionLog{}).
		Where("execution_id = ? AND level = ?", executionID, domain.LogError).
		Count(&n).Error
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
