package repository

import (
	"context"
	"time"

	"github.com/karacabey/imagemill/internal/domain"
	"gorm.io/gorm"
)

type ItemRepository interface {
	ListByBatchID(ctx context.Context, batchID string) ([]domain.Item, error)
	// SetOutputs records the item's settled outcome in one write. An item
	// that already settled keeps its recorded outcome; the call is a no-op.
	SetOutputs(ctx context.Context, itemID string, outputs []*string, settledAt time.Time) error
}

type GormItemRepo struct {
	db *gorm.DB
}

func NewGormItemRepo(db *gorm.DB) *GormItemRepo {
	return &GormItemRepo{db: db}
}

func (r *GormItemRepo) ListByBatchID(ctx context.Context, batchID string) ([]domain.Item, error) {
	var models []ItemModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("sequence_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	items := make([]domain.Item, 0, len(models))
	for i := range models {
		item, err := itemModelToDomain(&models[i])
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, nil
}

func (r *GormItemRepo) SetOutputs(ctx context.Context, itemID string, outputs []*string, settledAt time.Time) error {
	encoded, err := marshalOutputLocations(outputs)
	if err != nil {
		return err
	}

	return r.db.WithContext(ctx).
		Model(&ItemModel{}).
		Where("id = ? AND settled_at IS NULL", itemID).
		Updates(map[string]any{
			"output_locations": encoded,
			"settled_at":       settledAt,
		}).Error
}
