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

type MetricRepo interface {
	Record(ctx context.Context, tx *gorm.DB, metric *domain.Metric) error
	History(ctx context.Context, tx *gorm.DB, hours int) ([]*domain.Metric, error)
	Latest(ctx context.Context, tx *gorm.DB) ([]*domain.Metric, error)
}

type metricRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewMetricRepo(db *gorm.DB, baseLog *logger.Logger) MetricRepo {
	return &metricRepo{
		db:  db,
		log: baseLog.With("repo", "MetricRepo"),
	}
}

func (r *metricRepo) Record(ctx context.Context, tx *gorm.DB, metric *domain.Metric) error {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if metric == nil {
		return nil
	}
	if metric.Timestamp.IsZero() {
		metric.Timestamp = time.Now().UTC()
	}
	return transaction.WithContext(ctx).Create(metric).Error
}

func (r *metricRepo) History(ctx context.Context, tx *gorm.DB, hours int) ([]*domain.Metric, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	if hours <= 0 {
		hours = 24
	}
	start := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	var out []*domain.Metric
	if err := transaction.WithContext(ctx).
		Where("timestamp >= ?", start).
		Order("timestamp ASC").
		Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// Latest returns the most recent sample per metric type.
func (r *metricRepo) Latest(ctx context.Context, tx *gorm.DB) ([]*domain.Metric, error) {
	transaction := tx
	if transaction == nil {
		transaction = r.db
	}
	var types []string
	if err := transaction.WithContext(ctx).
		Model(&domain.Metric{}).
		Distinct("metric_type").
		Pluck("metric_type", &types).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.Metric, 0, len(types))
	for _, t := range types {
		var m domain.Metric
		err := transaction.WithContext(ctx).
			Where("metric_type = ?", t).
			Order("timestamp DESC").
			First(&m).Error
		if err != nil {
			continue
		}
		out = append(out, &m)
	}
	return out, nil
}

// TagsJSON is a small helper for building the metric tags column.
func TagsJSON(tags map[string]string) datatypes.JSON {
	if len(tags) == 0 {
		return nil
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return nil
	}
	return datatypes.JSON(b)
}
