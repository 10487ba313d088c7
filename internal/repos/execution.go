package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

// StatusUpdate carries the optional fields of an execution status transition.
type StatusUpdate struct {
	CompletedStages *int
	CurrentStage    *string
	Error           *string
}

type ExecutionRepo interface {
	Create(ctx context.Context, tx *gorm.DB, execution *domain.Execution) (*domain.Execution, error)
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*domain.Execution, error)
	List(ctx context.Context, tx *gorm.DB, pipelineID string, offset, limit int) ([]*domain.Execution, error)
	ListByStatus(ctx context.Context, tx *gorm.DB, status domain.ExecutionStatus) ([]*domain.Execution, error)
	UpdateStatus(ctx context.Context, tx *gorm.DB, id string, status domain.ExecutionStatus, upd *StatusUpdate) error
	UpdateFields(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error
	GetStats(ctx context.Context, tx *gorm.DB, pipelineID string, windowDays int) (*domain.ExecutionStats, error)
}

type executionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExecutionRepo(db *gorm.DB, baseLog *logger.Logger) ExecutionRepo {
	return &executionRepo{
		db:  db,
		log: baseLog.With("repo", "ExecutionRepo"),
	}
}

func (r *executionRepo) Create(ctx context.Context, tx *gorm.DB, execution *domain.Execution) (*domain.Execution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if execution == nil {
		return nil, nil
	}
	if err := transaction.WithContext(ctx).Create(execution).Error; err != nil {
		return nil, err
	}
	return execution, nil
}

func (r *executionRepo) GetByID(ctx context.Context, tx *gorm.DB, id string) (*domain.Execution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var execution domain.Execution
	err := transaction.WithContext(ctx).Where("id = ?", id).First(&execution).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &execution, nil
}

func (r *executionRepo) List(ctx context.Context, tx *gorm.DB, pipelineID string, offset, limit int) ([]*domain.Execution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 50
	}
	q := transaction.WithContext(ctx).Model(&domain.Execution{})
	if pipelineID != "" {
		q = q.Where("pipeline_id = ?", pipelineID)
	}
	var out []*domain.Execution
	if err := q.Order("started_at DESC").Offset(offset).Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *executionRepo) ListByStatus(ctx context.Context, tx *gorm.DB, status domain.ExecutionStatus) ([]*domain.Execution, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.Execution
	if err := transaction.WithContext(ctx).Where("status = ?", status).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateStatus applies a status transition inside a transaction so writes are
// serializable per execution id. Terminal transitions are idempotent:
// re-applying the current terminal state is a no-op, while any other write
// against a terminal row returns ErrTerminalConflict.
func (r *executionRepo) UpdateStatus(ctx context.Context, tx *gorm.DB, id string, status domain.ExecutionStatus, upd *StatusUpdate) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var cur domain.Execution
		if err := txx.Where("id = ?", id).First(&cur).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if cur.Status.Terminal() {
			if cur.Status == status {
				return nil
			}
			return ErrTerminalConflict
		}
		now := time.Now().UTC()
		fields := map[string]interface{}{"status": status}
		if upd != nil {
			if upd.CompletedStages != nil {
				fields["completed_stages"] = *upd.CompletedStages
			}
			if upd.CurrentStage != nil {
				fields["current_stage"] = *upd.CurrentStage
			}
			if upd.Error != nil {
				fields["error"] = *upd.Error
			}
		}
		if status.Terminal() {
			fields["completed_at"] = now
			fields["duration"] = now.Sub(cur.StartedAt).Seconds()
			fields["current_stage"] = ""
		}
		return txx.Model(&domain.Execution{}).Where("id = ?", id).Updates(fields).Error
	})
}

func (r *executionRepo) UpdateFields(ctx context.Context, tx *gorm.DB, id string, updates map[string]interface{}) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if id == "" || len(updates) == 0 {
		return nil
	}
	return transaction.WithContext(ctx).
		Model(&domain.Execution{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// GetStats aggregates the rolling window the risk scorer consumes. Executions
// still in flight are excluded from rate and duration figures.
func (r *executionRepo) GetStats(ctx context.Context, tx *gorm.DB, pipelineID string, windowDays int) (*domain.ExecutionStats, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if windowDays <= 0 {
		windowDays = 30
	}
	now := time.Now().UTC()
	windowStart := now.AddDate(0, 0, -windowDays)
	weekStart := now.AddDate(0, 0, -7)

	stats := &domain.ExecutionStats{PipelineID: pipelineID}

	terminal := []domain.ExecutionStatus{
		domain.ExecutionCompleted,
		domain.ExecutionFailed,
		domain.ExecutionCancelled,
		domain.ExecutionRolledBack,
	}

	var total, failed, weekFailed, weekTotal int64
	base := transaction.WithContext(ctx).Model(&domain.Execution{}).
		Where("pipeline_id = ? AND started_at >= ? AND status IN ?", pipelineID, windowStart, terminal)
	if err := base.Count(&total).Error; err != nil {
		return nil, err
	}
	if err := transaction.WithContext(ctx).Model(&domain.Execution{}).
		Where("pipeline_id = ? AND started_at >= ? AND status = ?", pipelineID, windowStart, domain.ExecutionFailed).
		Count(&failed).Error; err != nil {
		return nil, err
	}
	if err := transaction.WithContext(ctx).Model(&domain.Execution{}).
		Where("pipeline_id = ? AND started_at >= ? AND status = ?", pipelineID, weekStart, domain.ExecutionFailed).
		Count(&weekFailed).Error; err != nil {
		return nil, err
	}
	if err := transaction.WithContext(ctx).Model(&domain.Execution{}).
		Where("pipeline_id = ? AND started_at >= ? AND status IN ?", pipelineID, weekStart, terminal).
		Count(&weekTotal).Error; err != nil {
		return nil, err
	}
	stats.TotalExecutions = int(total)
	stats.FailedExecutions = int(failed)
	stats.Last7DaysFailures = int(weekFailed)
	stats.Last7DaysExecutions = int(weekTotal)

	var avg *float64
	if err := transaction.WithContext(ctx).Model(&domain.Execution{}).
		Where("pipeline_id = ? AND started_at >= ? AND duration IS NOT NULL", pipelineID, windowStart).
		Select("AVG(duration)").
		Scan(&avg).Error; err != nil {
		return nil, err
	}
	if avg != nil {
		stats.AvgDuration = *avg
	}

	// Consecutive failures: walk recent terminal runs newest-first.
	var recent []domain.Execution
	if err := transaction.WithContext(ctx).
		Select("status", "completed_at").
		Where("pipeline_id = ? AND status IN ?", pipelineID, terminal).
		Order("started_at DESC").
		Limit(50).
		Find(&recent).Error; err != nil {
		return nil, err
	}
	for _, e := range recent {
		if e.Status != domain.ExecutionFailed {
			break
		}
		stats.ConsecutiveFailures++
	}
	for _, e := range recent {
		if e.Status == domain.ExecutionCompleted && e.CompletedAt != nil {
			stats.DaysSinceLastSuccess = now.Sub(*e.CompletedAt).Hours() / 24
			break
		}
	}

	var stageCount int64
	if err := transaction.WithContext(ctx).Model(&domain.PipelineStage{}).
		Where("pipeline_id = ?", pipelineID).
		Count(&stageCount).Error; err != nil {
		return nil, err
	}
	stats.StageCount = int(stageCount)

	return stats, nil
}
