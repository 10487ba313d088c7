package repos

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fuzziecoder/Flexi-Roaster/internal/domain"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
)

// LockRepo is the authoritative fallback lock table: one active row per
// pipeline, expiry-based release after crashes.
type LockRepo interface {
	TryAcquire(ctx context.Context, tx *gorm.DB, pipelineID, executionID, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, tx *gorm.DB, pipelineID string) error
	ReapExpired(ctx context.Context, tx *gorm.DB, now time.Time) (int, error)
}

type lockRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewLockRepo(db *gorm.DB, baseLog *logger.Logger) LockRepo {
	return &lockRepo{
		db:  db,
		log: baseLog.With("repo", "LockRepo"),
	}
}

func (r *lockRepo) TryAcquire(ctx context.Context, tx *gorm.DB, pipelineID, executionID, holder string, ttl time.Duration) (bool, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	now := time.Now().UTC()
	row := &domain.ExecutionLock{
		PipelineID:  pipelineID,
		ExecutionID: executionID,
		Holder:      holder,
		AcquiredAt:  now,
		ExpiresAt:   now.Add(ttl),
	}
	// Insert-if-absent on the pipeline_id primary key.
	res := transaction.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 1 {
		return true, nil
	}
	// An existing row past its expiry counts as released; take it over with a
	// conditional update so two racers cannot both win.
	upd := transaction.WithContext(ctx).
		Model(&domain.ExecutionLock{}).
		Where("pipeline_id = ? AND expires_at < ?", pipelineID, now).
		Updates(map[string]interface{}{
			"execution_id": executionID,
			"holder":       holder,
			"acquired_at":  now,
			"expires_at":   now.Add(ttl),
		})
	if upd.Error != nil {
		return false, upd.Error
	}
	return upd.RowsAffected == 1, nil
}

func (r *lockRepo) Release(ctx context.Context, tx *gorm.DB, pipelineID string) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	return transaction.WithContext(ctx).
		Where("pipeline_id = ?", pipelineID).
		Delete(&domain.ExecutionLock{}).Error
}

func (r *lockRepo) ReapExpired(ctx context.Context, tx *gorm.DB, now time.Time) (int, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	res := transaction.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&domain.ExecutionLock{})
	if res.Error != nil {
		return 0, res.Error
	}
	return int(res.RowsAffected), nil
}
