package service

import (
	"context"
	"fmt"
	"time"

	"github.com/karacabey/imagemill/internal/queue"
	"github.com/karacabey/imagemill/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultScanInterval = time.Minute
	defaultStaleAfter   = 5 * time.Minute
	defaultScanLimit    = 50
)

// RequeueScanner periodically re-publishes batches that were accepted or
// started but never reached a terminal state, for example after a worker
// crash or a lost delivery. Settled items keep their outcome on the retried
// run, so a rescan only finishes the remaining work.
type RequeueScanner struct {
	batches    repository.BatchRepository
	publisher  queue.Publisher
	logger     *zap.Logger
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewRequeueScanner(
	batches repository.BatchRepository,
	publisher queue.Publisher,
	interval time.Duration,
	staleAfter time.Duration,
	logger *zap.Logger,
) (*RequeueScanner, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if publisher == nil {
		return nil, fmt.Errorf("publisher is required")
	}
	if interval <= 0 {
		interval = defaultScanInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RequeueScanner{
		batches:    batches,
		publisher:  publisher,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      defaultScanLimit,
		now:        time.Now,
	}, nil
}

// Start runs scan passes until context cancellation.
func (s *RequeueScanner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("requeue scanner started",
		zap.Duration("interval", s.interval),
		zap.Duration("staleAfter", s.staleAfter),
	)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("requeue scanner stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.scan(ctx); err != nil {
				s.logger.Error("requeue scan pass failed", zap.Error(err))
			}
		}
	}
}

func (s *RequeueScanner) scan(ctx context.Context) error {
	cutoff := s.now().UTC().Add(-s.staleAfter)

	stale, err := s.batches.ListStale(ctx, cutoff, s.limit)
	if err != nil {
		return fmt.Errorf("failed to list stale batches: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}

	requeued := 0
	for _, batch := range stale {
		msg := queue.BatchMessage{BatchID: batch.ID}
		if err := s.publisher.Publish(ctx, queue.WorkQueueName, msg); err != nil {
			s.logger.Error("failed to requeue stale batch",
				zap.String("batchId", batch.ID),
				zap.Error(err),
			)
			continue
		}
		requeued++
	}

	s.logger.Info("requeued stale batches",
		zap.Int("found", len(stale)),
		zap.Int("requeued", requeued),
	)

	return nil
}
