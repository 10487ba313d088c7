package repos

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

type PipelineRepo interface {
	Create(ctx context.Context, tx *gorm.DB, pipeline *domain.Pipeline) (*domain.Pipeline, error)
	GetByID(ctx context.Context, tx *gorm.DB, id string) (*domain.Pipeline, error)
	List(ctx context.Context, tx *gorm.DB, offset, limit int) ([]*domain.Pipeline, error)
	Update(ctx context.Context, tx *gorm.DB, pipeline *domain.Pipeline) (*domain.Pipeline, error)
	Delete(ctx context.Context, tx *gorm.DB, id string) error
}

type pipelineRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPipelineRepo(db *gorm.DB, baseLog *logger.Logger) PipelineRepo {
	return &pipelineRepo{
		db:  db,
		log: baseLog.With("repo", "PipelineRepo"),
	}
}

func (r *pipelineRepo) Create(ctx context.Context, tx *gorm.DB, pipeline *domain.Pipeline) (*domain.Pipeline, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if pipeline == nil {
		return nil, nil
	}
	now := time.Now().UTC()
	pipeline.CreatedAt = now
	pipeline.UpdatedAt = now
	if err := transaction.WithContext(ctx).Create(pipeline).Error; err != nil {
		return nil, err
	}
	return pipeline, nil
}

func (r *pipelineRepo) GetByID(ctx context.Context, tx *gorm.DB, id string) (*domain.Pipeline, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var pipeline domain.Pipeline
	err := transaction.WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB { return db.Order("stage_order ASC") }).
		Where("id = ?", id).
		First(&pipeline).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pipeline, nil
}

func (r *pipelineRepo) List(ctx context.Context, tx *gorm.DB, offset, limit int) ([]*domain.Pipeline, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if limit <= 0 {
		limit = 100
	}
	var out []*domain.Pipeline
	err := transaction.WithContext(ctx).
		Preload("Stages", func(db *gorm.DB) *gorm.DB { return db.Order("stage_order ASC") }).
		Order("created_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *pipelineRepo) Update(ctx context.Context, tx *gorm.DB, pipeline *domain.Pipeline) (*domain.Pipeline, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if pipeline == nil || pipeline.ID == "" {
		return nil, ErrNotFound
	}
	pipeline.UpdatedAt = time.Now().UTC()
	err := transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		var existing domain.Pipeline
		if err := txx.Where("id = ?", pipeline.ID).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		// Stages are replaced wholesale; running executions keep their snapshot.
		if err := txx.Where("pipeline_id = ?", pipeline.ID).Delete(&domain.PipelineStage{}).Error; err != nil {
			return err
		}
		return txx.Session(&gorm.Session{FullSaveAssociations: true}).Save(pipeline).Error
	})
	if err != nil {
		return nil, err
	}
	return pipeline, nil
}

func (r *pipelineRepo) Delete(ctx context.Context, tx *gorm.DB, id string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).Transaction(func(txx *gorm.DB) error {
		res := txx.Where("id = ?", id).Delete(&domain.Pipeline{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return txx.Where("pipeline_id = ?", id).Delete(&domain.PipelineStage{}).Error
	})
}
