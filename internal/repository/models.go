package repository

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/karacabey/imagemill/internal/domain"
	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// BatchModel is the persistence model for the batches table.
type BatchModel struct {
	ID          string             `gorm:"type:uuid;primaryKey"`
	Status      domain.BatchStatus `gorm:"type:varchar(20);not null"`
	CallbackURL *string            `gorm:"type:varchar(512)"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time `gorm:"type:timestamptz"`
}

func (BatchModel) TableName() string {
	return "batches"
}

// ItemModel is the persistence model for the items table. Output locations
// are stored as a JSONB array so failed indexes keep an explicit null.
type ItemModel struct {
	ID              string         `gorm:"type:uuid;primaryKey"`
	BatchID         string         `gorm:"type:uuid;not null"`
	SequenceNumber  int            `gorm:"not null"`
	Name            string         `gorm:"type:varchar(255);not null"`
	SourceURLs      pq.StringArray `gorm:"type:text[];not null"`
	OutputLocations datatypes.JSON `gorm:"type:jsonb"`
	SettledAt       *time.Time     `gorm:"type:timestamptz"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (ItemModel) TableName() string {
	return "items"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:          b.ID,
		Status:      b.Status,
		CallbackURL: b.CallbackURL,
		CreatedAt:   b.CreatedAt,
		UpdatedAt:   b.UpdatedAt,
		CompletedAt: b.CompletedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:          m.ID,
		Status:      m.Status,
		CallbackURL: m.CallbackURL,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
		CompletedAt: m.CompletedAt,
	}
}

func itemModelFromDomain(i *domain.Item) (*ItemModel, error) {
	if i == nil {
		return nil, nil
	}

	outputs, err := marshalOutputLocations(i.OutputLocations)
	if err != nil {
		return nil, err
	}

	return &ItemModel{
		ID:              i.ID,
		BatchID:         i.BatchID,
		SequenceNumber:  i.SequenceNumber,
		Name:            i.Name,
		SourceURLs:      pq.StringArray(i.SourceURLs),
		OutputLocations: outputs,
		SettledAt:       i.SettledAt,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
	}, nil
}

func itemModelToDomain(m *ItemModel) (*domain.Item, error) {
	if m == nil {
		return nil, nil
	}

	var outputs []*string
	if len(m.OutputLocations) > 0 {
		if err := json.Unmarshal(m.OutputLocations, &outputs); err != nil {
			return nil, fmt.Errorf("failed to decode output locations for item %s: %w", m.ID, err)
		}
	}

	return &domain.Item{
		ID:              m.ID,
		BatchID:         m.BatchID,
		SequenceNumber:  m.SequenceNumber,
		Name:            m.Name,
		SourceURLs:      []string(m.SourceURLs),
		OutputLocations: outputs,
		SettledAt:       m.SettledAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}, nil
}

func marshalOutputLocations(outputs []*string) (datatypes.JSON, error) {
	if outputs == nil {
		return nil, nil
	}

	raw, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode output locations: %w", err)
	}
	return datatypes.JSON(raw), nil
}
