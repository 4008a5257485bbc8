package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/karacabey/imagemill/internal/domain"
	"github.com/karacabey/imagemill/internal/notifier"
	"github.com/karacabey/imagemill/internal/observability"
	"github.com/karacabey/imagemill/internal/queue"
	"github.com/karacabey/imagemill/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minBatchConcurrency = 1

// Orchestrator owns the batch lifecycle state machine. It consumes the work
// queue, drives items to settlement with bounded concurrency, commits the
// terminal status exactly once, and fires the completion callback after the
// commit is durable.
type Orchestrator struct {
	batches     repository.BatchRepository
	items       repository.ItemRepository
	consumer    queue.Consumer
	runner      ItemRunner
	notifier    notifier.Notifier
	logger      *zap.Logger
	metrics     *observability.Metrics
	concurrency int
	now         func() time.Time
}

func NewOrchestrator(
	batches repository.BatchRepository,
	items repository.ItemRepository,
	consumer queue.Consumer,
	runner ItemRunner,
	notif notifier.Notifier,
	concurrency int,
	logger *zap.Logger,
) (*Orchestrator, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if items == nil {
		return nil, fmt.Errorf("item repository is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("item runner is required")
	}
	if notif == nil {
		return nil, fmt.Errorf("notifier is required")
	}
	if concurrency < minBatchConcurrency {
		concurrency = minBatchConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		batches:     batches,
		items:       items,
		consumer:    consumer,
		runner:      runner,
		notifier:    notif,
		logger:      logger,
		concurrency: concurrency,
		now:         time.Now,
	}, nil
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// Start consumes the batch work queue until context cancellation.
func (o *Orchestrator) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if o.consumer == nil {
		return fmt.Errorf("consumer is required")
	}

	return o.consumer.Consume(ctx, queue.WorkQueueName, o.handleMessage)
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg queue.BatchMessage) error {
	return o.ProcessBatch(ctx, msg.BatchID)
}

// ProcessBatch drives one batch to a terminal state. Re-delivery of an
// already-terminal batch is a no-op, and items settled by an earlier attempt
// keep their recorded outcome.
func (o *Orchestrator) ProcessBatch(ctx context.Context, batchID string) error {
	batch, err := o.batches.GetByID(ctx, batchID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			o.logger.Warn("batch not found, skipping",
				zap.String("batchId", batchID),
			)
			return nil
		}
		return fmt.Errorf("failed to load batch: %w", err)
	}
	if batch.Status.IsTerminal() {
		return nil
	}

	if err := o.batches.MarkProcessing(ctx, batch.ID); err != nil {
		return fmt.Errorf("failed to mark batch processing: %w", err)
	}

	items, err := o.items.ListByBatchID(ctx, batch.ID)
	if err != nil {
		return o.failBatch(ctx, batch, fmt.Errorf("failed to list batch items: %w", err))
	}

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)

	for i := range items {
		item := items[i]
		if item.Settled() {
			continue
		}
		g.Go(func() error {
			return o.settleItem(groupCtx, item)
		})
	}

	if err := g.Wait(); err != nil {
		if ctx.Err() != nil {
			// Shutdown: unsettled items stay resumable and the batch keeps
			// its non-terminal status for a later delivery.
			return ctx.Err()
		}
		return o.failBatch(ctx, batch, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return o.completeBatch(ctx, batch)
}

// settleItem records exactly one outcome per item: one durable write carrying
// the full positional result.
func (o *Orchestrator) settleItem(ctx context.Context, item domain.Item) error {
	if o.metrics != nil {
		o.metrics.IncItemsInFlight()
		defer o.metrics.DecItemsInFlight()
	}

	started := o.now()
	outputs := o.runItem(ctx, item)
	if err := ctx.Err(); err != nil {
		// Abandoned, not settled: never record an outcome for a run that was
		// cut short.
		return err
	}

	if err := o.items.SetOutputs(ctx, item.ID, outputs, o.now().UTC()); err != nil {
		return fmt.Errorf("failed to persist outputs for item %d: %w", item.SequenceNumber, err)
	}

	if o.metrics != nil {
		o.metrics.IncItemSettled()
		o.metrics.ObserveItemSettleDuration(o.now().Sub(started))
		for _, output := range outputs {
			o.metrics.IncResourceProcessed(output != nil)
		}
	}

	return nil
}

// runItem isolates the per-item unit of work. A crash inside it settles the
// item with every output absent instead of leaving the item unresolved or
// taking down sibling items.
func (o *Orchestrator) runItem(ctx context.Context, item domain.Item) (outputs []*string) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("item processing crashed",
				zap.String("batchId", item.BatchID),
				zap.Int("sequenceNumber", item.SequenceNumber),
				zap.Any("panic", r),
			)
			outputs = make([]*string, len(item.SourceURLs))
		}
	}()

	return o.runner.Run(ctx, item)
}

func (o *Orchestrator) completeBatch(ctx context.Context, batch *domain.Batch) error {
	moved, err := o.batches.MarkTerminal(ctx, batch.ID, domain.BatchStatusCompleted, o.now().UTC())
	if err != nil {
		return o.failBatch(ctx, batch, fmt.Errorf("failed to commit terminal status: %w", err))
	}
	if !moved {
		// A concurrent delivery already finished this batch; keep the
		// callback at most once.
		return nil
	}

	if o.metrics != nil {
		o.metrics.IncBatchTerminal(domain.BatchStatusCompleted.String())
	}
	o.logger.Info("batch completed",
		zap.String("batchId", batch.ID),
	)

	if batch.CallbackURL != nil {
		o.deliverCallback(ctx, *batch.CallbackURL, batch.ID)
	}

	return nil
}

// failBatch commits FAILED for orchestration-level faults. If even the
// terminal write fails the batch stays PROCESSING and the message is
// redelivered later.
func (o *Orchestrator) failBatch(ctx context.Context, batch *domain.Batch, cause error) error {
	o.logger.Error("batch orchestration failed",
		zap.String("batchId", batch.ID),
		zap.Error(cause),
	)

	moved, err := o.batches.MarkTerminal(context.WithoutCancel(ctx), batch.ID, domain.BatchStatusFailed, o.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to mark batch failed: %w (cause: %v)", err, cause)
	}
	if moved && o.metrics != nil {
		o.metrics.IncBatchTerminal(domain.BatchStatusFailed.String())
	}

	return nil
}

// deliverCallback runs only after the terminal status is durably committed;
// delivery failure is logged and never escalates.
func (o *Orchestrator) deliverCallback(ctx context.Context, callbackURL string, batchID string) {
	err := o.notifier.Notify(context.WithoutCancel(ctx), callbackURL, batchID, domain.BatchStatusCompleted)
	if o.metrics != nil {
		o.metrics.IncCallbackDelivered(err == nil)
	}
	if err != nil {
		o.logger.Warn("completion callback delivery failed",
			zap.String("batchId", batchID),
			zap.Error(err),
		)
	}
}
