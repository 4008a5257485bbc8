package notifier

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/karacabey/imagemill/internal/domain"
	"go.uber.org/zap"
)

const defaultCallbackTimeout = 10 * time.Second

type completionEvent struct {
	BatchID string `json:"batchId"`
	Status  string `json:"status"`
}

// WebhookNotifier posts the completion event to the batch's callback URL.
type WebhookNotifier struct {
	client *resty.Client
	logger *zap.Logger
}

func NewWebhookNotifier(logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New()
	client.SetTimeout(defaultCallbackTimeout)
	client.SetRetryCount(0)

	return &WebhookNotifier{
		client: client,
		logger: logger,
	}
}

func NewWebhookNotifierWithClient(client *resty.Client, logger *zap.Logger) (*WebhookNotifier, error) {
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultCallbackTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookNotifier{client: client, logger: logger}, nil
}

func (n *WebhookNotifier) Notify(ctx context.Context, callbackURL string, batchID string, status domain.BatchStatus) error {
	trimmed := strings.TrimSpace(callbackURL)
	if _, err := url.ParseRequestURI(trimmed); err != nil {
		return fmt.Errorf("invalid callback url: %w", err)
	}

	response, err := n.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(completionEvent{
			BatchID: batchID,
			Status:  status.String(),
		}).
		Post(trimmed)
	if err != nil {
		return fmt.Errorf("callback request failed: %w", err)
	}

	statusCode := response.StatusCode()
	if statusCode < http.StatusOK || statusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("callback returned status %d", statusCode)
	}

	n.logger.Debug("completion callback delivered",
		zap.String("batchId", batchID),
		zap.Int("status", statusCode),
	)
	return nil
}
