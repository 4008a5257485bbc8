package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karacabey/imagemill/internal/domain"
	"gorm.io/gorm"
)

type BatchRepository interface {
	// CreateWithItems persists the batch and its items in one transaction so
	// no batch is ever visible without its manifest.
	CreateWithItems(ctx context.Context, b *domain.Batch, items []*domain.Item) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	// MarkProcessing moves a PENDING batch to PROCESSING. Calling it on a
	// batch that already left PENDING is a no-op.
	MarkProcessing(ctx context.Context, id string) error
	// MarkTerminal commits a terminal status and the completion timestamp.
	// It reports whether this call performed the transition; false means the
	// batch was already terminal and nothing changed.
	MarkTerminal(ctx context.Context, id string, status domain.BatchStatus, completedAt time.Time) (bool, error)
	// ListStale returns non-terminal batches untouched since olderThan, for
	// the requeue scanner's resumption pass.
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Batch, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) CreateWithItems(ctx context.Context, b *domain.Batch, items []*domain.Item) error {
	batchModel := batchModelFromDomain(b)
	if batchModel == nil {
		return fmt.Errorf("%w: batch is required", domain.ErrValidation)
	}

	itemModels := make([]ItemModel, 0, len(items))
	for _, item := range items {
		model, err := itemModelFromDomain(item)
		if err != nil {
			return err
		}
		if model != nil {
			itemModels = append(itemModels, *model)
		}
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(batchModel).Error; err != nil {
			return err
		}
		if len(itemModels) == 0 {
			return nil
		}
		return tx.CreateInBatches(&itemModels, 100).Error
	})
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) MarkProcessing(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusPending).
		Update("status", domain.BatchStatusProcessing).Error
}

func (r *GormBatchRepo) MarkTerminal(ctx context.Context, id string, status domain.BatchStatus, completedAt time.Time) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal status", domain.ErrValidation, status)
	}

	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status IN ?", id, []domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusProcessing}).
		Updates(map[string]any{
			"status":       status,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormBatchRepo) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]domain.Batch, error) {
	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("status IN ? AND updated_at <= ?", []domain.BatchStatus{domain.BatchStatusPending, domain.BatchStatusProcessing}, olderThan).
		Order("updated_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}
	return batches, nil
}
