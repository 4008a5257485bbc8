package queue

import "context"

const (
	// WorkQueueName is the durable queue that carries batch processing jobs.
	WorkQueueName = "batches"
	// DLQName receives batch messages that could not be decoded.
	DLQName = "dlq.batches"
)

// Publisher publishes batch messages to the work queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg BatchMessage) error
	Close() error
}

// MessageHandler handles a consumed batch message.
type MessageHandler func(ctx context.Context, msg BatchMessage) error

// Consumer consumes batch messages from the work queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}
