package processor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-resty/resty/v2"
	"github.com/karacabey/imagemill/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultJPEGQuality  = 50
	minJPEGQuality      = 1
	maxJPEGQuality      = 100
)

// ImageProcessor downloads a source image, re-encodes it as JPEG at the
// configured quality, and persists the result through the object store.
type ImageProcessor struct {
	client  *resty.Client
	store   storage.ObjectStore
	quality int
	logger  *zap.Logger
}

func NewImageProcessor(store storage.ObjectStore, fetchTimeout time.Duration, quality int, logger *zap.Logger) (*ImageProcessor, error) {
	if store == nil {
		return nil, fmt.Errorf("object store is required")
	}
	if fetchTimeout <= 0 {
		fetchTimeout = defaultFetchTimeout
	}
	if quality < minJPEGQuality || quality > maxJPEGQuality {
		quality = defaultJPEGQuality
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := resty.New()
	client.SetTimeout(fetchTimeout)
	client.SetRetryCount(0)

	return &ImageProcessor{
		client:  client,
		store:   store,
		quality: quality,
		logger:  logger,
	}, nil
}

func (p *ImageProcessor) Process(ctx context.Context, sourceURL string, destinationHint string) (string, bool) {
	trimmed := strings.TrimSpace(sourceURL)
	parsed, err := url.ParseRequestURI(trimmed)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		p.logger.Warn("skipping malformed source url",
			zap.String("sourceUrl", sourceURL),
		)
		return "", false
	}

	response, err := p.client.R().SetContext(ctx).Get(parsed.String())
	if err != nil {
		p.logger.Warn("image fetch failed",
			zap.String("sourceUrl", trimmed),
			zap.Error(err),
		)
		return "", false
	}
	if code := response.StatusCode(); code < http.StatusOK || code >= http.StatusMultipleChoices {
		p.logger.Warn("image fetch returned non-success status",
			zap.String("sourceUrl", trimmed),
			zap.Int("status", code),
		)
		return "", false
	}

	img, err := imaging.Decode(bytes.NewReader(response.Body()))
	if err != nil {
		p.logger.Warn("image decode failed",
			zap.String("sourceUrl", trimmed),
			zap.Error(err),
		)
		return "", false
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.quality)); err != nil {
		p.logger.Warn("image encode failed",
			zap.String("sourceUrl", trimmed),
			zap.Error(err),
		)
		return "", false
	}

	location, err := p.store.Put(ctx, destinationHint, buf.Bytes())
	if err != nil {
		p.logger.Warn("artifact write failed",
			zap.String("sourceUrl", trimmed),
			zap.String("key", destinationHint),
			zap.Error(err),
		)
		return "", false
	}

	return location, true
}
