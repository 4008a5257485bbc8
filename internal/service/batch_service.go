package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/karacabey/imagemill/internal/domain"
	"github.com/karacabey/imagemill/internal/queue"
	"github.com/karacabey/imagemill/internal/repository"
	"go.uber.org/zap"
)

const maxBatchItems = 1000

// ItemInput is one validated manifest record handed to Submit.
type ItemInput struct {
	SequenceNumber int
	Name           string
	SourceURLs     []string
}

// ItemStatus is the queryable view of one item.
type ItemStatus struct {
	SequenceNumber  int       `json:"sequenceNumber"`
	Name            string    `json:"name"`
	SourceURLs      []string  `json:"sourceUrls"`
	OutputLocations []*string `json:"outputLocations"`
}

// BatchSnapshot is a consistent view of a batch and all of its items.
type BatchSnapshot struct {
	BatchID     string             `json:"batchId"`
	Status      domain.BatchStatus `json:"status"`
	CreatedAt   time.Time          `json:"createdAt"`
	CompletedAt *time.Time         `json:"completedAt,omitempty"`
	Items       []ItemStatus       `json:"items"`
}

// StatusCache is the optional read-through cache for terminal snapshots.
type StatusCache interface {
	Get(ctx context.Context, batchID string) ([]byte, bool, error)
	Set(ctx context.Context, batchID string, payload []byte) error
}

// BatchService accepts manifests and answers status queries.
type BatchService struct {
	batches   repository.BatchRepository
	items     repository.ItemRepository
	publisher queue.Publisher
	cache     StatusCache
	logger    *zap.Logger
	now       func() time.Time
}

func NewBatchService(
	batches repository.BatchRepository,
	items repository.ItemRepository,
	publisher queue.Publisher,
	logger *zap.Logger,
) (*BatchService, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if items == nil {
		return nil, fmt.Errorf("item repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchService{
		batches:   batches,
		items:     items,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *BatchService) SetStatusCache(cache StatusCache) {
	if s == nil {
		return
	}
	s.cache = cache
}

// Submit persists the manifest atomically and hands the batch to the work
// queue. It returns as soon as the batch is durable; processing proceeds
// asynchronously.
func (s *BatchService) Submit(ctx context.Context, inputs []ItemInput, callbackURL *string) (*domain.Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: batch must include at least one item", domain.ErrValidation)
	}
	if len(inputs) > maxBatchItems {
		return nil, fmt.Errorf("%w: batch size exceeds %d", domain.ErrValidation, maxBatchItems)
	}

	callbackURL = normalizeOptionalString(callbackURL)
	if callbackURL != nil {
		if _, err := url.ParseRequestURI(*callbackURL); err != nil {
			return nil, fmt.Errorf("%w: invalid callback url: %v", domain.ErrValidation, err)
		}
	}

	batchID := uuid.NewString()
	createdAt := s.now().UTC()

	batch := &domain.Batch{
		ID:          batchID,
		Status:      domain.BatchStatusPending,
		CallbackURL: callbackURL,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}

	items := make([]*domain.Item, 0, len(inputs))
	seen := make(map[int]struct{}, len(inputs))
	for _, input := range inputs {
		if _, duplicate := seen[input.SequenceNumber]; duplicate {
			return nil, fmt.Errorf("%w: duplicate sequence number %d", domain.ErrValidation, input.SequenceNumber)
		}
		seen[input.SequenceNumber] = struct{}{}

		sourceURLs := make([]string, 0, len(input.SourceURLs))
		for _, sourceURL := range input.SourceURLs {
			sourceURLs = append(sourceURLs, strings.TrimSpace(sourceURL))
		}

		item := &domain.Item{
			ID:             uuid.NewString(),
			BatchID:        batchID,
			SequenceNumber: input.SequenceNumber,
			Name:           strings.TrimSpace(input.Name),
			SourceURLs:     sourceURLs,
			CreatedAt:      createdAt,
			UpdatedAt:      createdAt,
		}
		if err := item.Validate(); err != nil {
			return nil, err
		}
		items = append(items, item)
	}

	if err := s.batches.CreateWithItems(ctx, batch, items); err != nil {
		return nil, fmt.Errorf("failed to persist batch: %w", err)
	}

	msg := queue.BatchMessage{BatchID: batchID}
	if err := s.publisher.Publish(ctx, queue.WorkQueueName, msg); err != nil {
		s.logger.Error("failed to enqueue batch",
			zap.String("batchId", batchID),
			zap.Error(err),
		)
		if _, markErr := s.batches.MarkTerminal(ctx, batchID, domain.BatchStatusFailed, s.now().UTC()); markErr != nil {
			s.logger.Error("failed to mark batch failed after enqueue error",
				zap.String("batchId", batchID),
				zap.Error(markErr),
			)
			return nil, fmt.Errorf("failed to enqueue batch: %w (failed to mark as failed: %v)", err, markErr)
		}
		return nil, fmt.Errorf("failed to enqueue batch: %w", err)
	}

	s.logger.Info("batch accepted",
		zap.String("batchId", batchID),
		zap.Int("items", len(items)),
	)

	return batch, nil
}

// GetStatus returns a consistent snapshot of the batch and its items.
// Terminal snapshots are immutable and served from the cache when possible.
func (s *BatchService) GetStatus(ctx context.Context, batchID string) (*BatchSnapshot, error) {
	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	if s.cache != nil {
		payload, hit, err := s.cache.Get(ctx, batchID)
		if err != nil {
			s.logger.Warn("status cache read failed",
				zap.String("batchId", batchID),
				zap.Error(err),
			)
		} else if hit {
			var snapshot BatchSnapshot
			if err := json.Unmarshal(payload, &snapshot); err == nil {
				return &snapshot, nil
			}
			s.logger.Warn("discarding undecodable status cache entry",
				zap.String("batchId", batchID),
			)
		}
	}

	batch, err := s.batches.GetByID(ctx, batchID)
	if err != nil {
		return nil, err
	}

	items, err := s.items.ListByBatchID(ctx, batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch items: %w", err)
	}

	snapshot := &BatchSnapshot{
		BatchID:     batch.ID,
		Status:      batch.Status,
		CreatedAt:   batch.CreatedAt,
		CompletedAt: batch.CompletedAt,
		Items:       make([]ItemStatus, 0, len(items)),
	}
	for i := range items {
		item := items[i]
		snapshot.Items = append(snapshot.Items, ItemStatus{
			SequenceNumber:  item.SequenceNumber,
			Name:            item.Name,
			SourceURLs:      item.SourceURLs,
			OutputLocations: item.OutputLocations,
		})
	}

	if s.cache != nil && batch.Status.IsTerminal() {
		if payload, err := json.Marshal(snapshot); err == nil {
			if err := s.cache.Set(ctx, batchID, payload); err != nil {
				s.logger.Warn("status cache write failed",
					zap.String("batchId", batchID),
					zap.Error(err),
				)
			}
		}
	}

	return snapshot, nil
}

func normalizeOptionalString(v *string) *string {
	if v == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*v)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
