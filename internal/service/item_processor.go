package service

import (
	"context"
	"fmt"

	"github.com/karacabey/imagemill/internal/domain"
	"github.com/karacabey/imagemill/internal/processor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minItemConcurrency = 1

// ItemRunner settles one item's source URLs and returns the positional
// outcome slice. Implementations never return an error: per-source failures
// are recorded as nil entries.
type ItemRunner interface {
	Run(ctx context.Context, item domain.Item) []*string
}

// ItemProcessor fans out over one item's source URLs with bounded internal
// concurrency, so an item with hundreds of images cannot starve the rest of
// the batch.
type ItemProcessor struct {
	processor   processor.Processor
	concurrency int
	logger      *zap.Logger
}

func NewItemProcessor(proc processor.Processor, concurrency int, logger *zap.Logger) (*ItemProcessor, error) {
	if proc == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if concurrency < minItemConcurrency {
		concurrency = minItemConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &ItemProcessor{
		processor:   proc,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Run attempts every source URL exactly once. Output positions correspond to
// source positions regardless of completion order; a nil entry marks a
// failed source.
func (p *ItemProcessor) Run(ctx context.Context, item domain.Item) []*string {
	outputs := make([]*string, len(item.SourceURLs))

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	for i, sourceURL := range item.SourceURLs {
		i, sourceURL := i, sourceURL
		g.Go(func() error {
			hint := destinationKey(item.BatchID, item.SequenceNumber, i)
			location, ok := p.processor.Process(groupCtx, sourceURL, hint)
			if !ok {
				p.logger.Warn("source processing failed",
					zap.String("batchId", item.BatchID),
					zap.Int("sequenceNumber", item.SequenceNumber),
					zap.Int("sourceIndex", i),
				)
				return nil
			}
			// Each index is owned by exactly one goroutine.
			outputs[i] = &location
			return nil
		})
	}

	// Workers never return errors; failures stay positional.
	_ = g.Wait()

	return outputs
}

func destinationKey(batchID string, sequenceNumber int, index int) string {
	return fmt.Sprintf("%s_%d_%d.jpg", batchID, sequenceNumber, index)
}
