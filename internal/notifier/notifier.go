package notifier

import (
	"context"

	"github.com/karacabey/imagemill/internal/domain"
)

// Notifier delivers a batch completion event to a registered callback
// endpoint. Delivery is best-effort: the caller logs failures and never
// retries or reverts batch state because of them.
type Notifier interface {
	Notify(ctx context.Context, callbackURL string, batchID string, status domain.BatchStatus) error
}
