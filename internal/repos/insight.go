package repos

import (
	"context"

	"gorm.io/gorm"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

type InsightRepo interface {
	Create(ctx context.Context, tx *gorm.DB, insight *domain.AIInsight) (*domain.AIInsight, error)
	ListByPipeline(ctx context.Context, tx *gorm.DB, pipelineID string, limit int) ([]*domain.AIInsight, error)
	ListByExecution(ctx context.Context, tx *gorm.DB, executionID string) ([]*domain.AIInsight, error)
	Resolve(ctx context.Context, tx *gorm.DB, id uint) error
}

type insightRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewInsightRepo(db *gorm.DB, baseLog *logger.Logger) InsightRepo {
	return &insightRepo{
		db:  db,
		log: baseLog.With("repo", "InsightRepo"),
	}
}

func (r *insightRepo) Create(ctx context.Context, tx *gorm.DB, insight *domain.AIInsight) (*domain.AIInsight, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if insight == nil {
		return nil, nil
	}
	if err := transaction.WithContext(ctx).Create(insight).Error; err != nil {
		return nil, err
	}
	return insight, nil
}

func (r *insightRepo) ListByPipeline(ctx context.Context, tx *gorm.DB, pipelineID string, limit int) ([]*domain.AIInsight, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	q := transaction.WithContext(ctx).Model(&domain.AIInsight{})
	if pipelineID != "" {
		q = q.Where("pipeline_id = ?", pipelineID)
	}
	var out []*domain.AIInsight
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *insightRepo) ListByExecution(ctx context.Context, tx *gorm.DB, executionID string) ([]*domain.AIInsight, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var out []*domain.AIInsight
	if err := transaction.WithContext(ctx).
		Where("execution_id = ?", executionID).
		Order("created_at ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (r *insightRepo) Resolve(ctx context.Context, tx *gorm.DB, id uint) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Model(&domain.AIInsight{}).
		Where("id = ?", id).
		Update("resolved", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
