package repos

import (
	"context"
	"math"

	"gorm.io/gorm"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

type StageExecutionRepo interface {
	CreateBatch(ctx context.Context, tx *gorm.DB, rows []*domain.StageExecution) ([]*domain.StageExecution, error)
	Update(ctx context.Context, tx *gorm.DB, executionID, stageID string, updates map[string]interface{}) error
	SkipPending(ctx context.Context, tx *gorm.DB, executionID string) (int, error)
	ListByExecution(ctx context.Context, tx *gorm.DB, executionID string) ([]*domain.StageExecution, error)
}

type stageExecutionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewStageExecutionRepo(db *gorm.DB, baseLog *logger.Logger) StageExecutionRepo {
	return &stageExecutionRepo{
		db:  db,
		log: baseLog.With("repo", "StageExecutionRepo"),
	}
}

func (r *stageExecutionRepo) CreateBatch(ctx context.Context, tx *gorm.DB, rows []*domain.StageExecution) ([]*domain.StageExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return []*domain.StageExecution{}, nil
	}
	if err := transaction.WithContext(ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *stageExecutionRepo) Update(ctx context.Context, tx *gorm.DB, executionID, stageID string, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if executionID == "" || stageID == "" || len(updates) == 0 {
		return nil
	}
	res := transaction.WithContext(ctx).
		Model(&domain.StageExecution{}).
		Where("execution_id = ? AND stage_id = ?", executionID, stageID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SkipPending marks every stage the execution never reached. Called at the
// terminal transition so no row is left pending forever.
func (r *stageExecutionRepo) SkipPending(ctx context.Context, tx *gorm.DB, executionID string) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&domain.StageExecution{}).
		Where("execution_id = ? AND status = ?", executionID, domain.StageExecPending).
		Update("status", domain.StageExecSkipped)
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}

func (r *stageExecutionRepo) ListByExecution(ctx context.Context, tx *gorm.DB, executionID string) ([]*domain.StageExecution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.StageExecution
	if err := transaction.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("id ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// DurationStats returns mean and population stddev of completed runs of one
// stage across a pipeline's history; the anomaly detector's baseline.
func DurationStats(ctx context.Context, db *gorm.DB, pipelineID, stageID string) (mean, std float64, n int, err error) {
	var durations []float64
	err = db.WithContext(ctx).
		Model(&domain.StageExecution{}).
		Joins("JOIN executions ON executions.id = stage_executions.execution_id").
		Where("executions.pipeline_id = ? AND stage_executions.stage_id = ? AND stage_executions.status = ? AND stage_executions.duration IS NOT NULL",
			pipelineID, stageID, domain.StageExecCompleted).
		Order("stage_executions.id DESC").
		Limit(100).
		Pluck("stage_executions.duration", &durations).Error
	if err != nil {
		return 0, 0, 0, err
	}
	n = len(durations)
	if n == 0 {
		return 0, 0, 0, nil
	}
	var sum float64
	for _, d := range durations {
		sum += d
	}
	mean = sum / float64(n)
	var sq float64
	for _, d := range durations {
		sq += (d - mean) * (d - mean)
	}
	std = math.Sqrt(sq / float64(n))
	return mean, std, n, nil
}
