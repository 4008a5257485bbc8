package handler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/karacabey/imagemill/internal/domain"
	"github.com/karacabey/imagemill/internal/manifest"
	"github.com/karacabey/imagemill/internal/service"
)

const manifestFormField = "file"

type BatchService interface {
	Submit(ctx context.Context, inputs []service.ItemInput, callbackURL *string) (*domain.Batch, error)
	GetStatus(ctx context.Context, batchID string) (*service.BatchSnapshot, error)
}

type BatchHandler struct {
	service BatchService
}

func NewBatchHandler(service BatchService) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	return &BatchHandler{service: service}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchService) error {
	h, err := NewBatchHandler(service)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.CreateBatch)
	v1.Get("/batches/:batchId", h.GetBatchStatus)

	return nil
}

type createBatchResponse struct {
	BatchID string `json:"batchId"`
	Status  string `json:"status"`
}

type batchStatusResponse struct {
	BatchID     string               `json:"batchId"`
	Status      string               `json:"status"`
	CreatedAt   time.Time            `json:"createdAt"`
	CompletedAt *time.Time           `json:"completedAt,omitempty"`
	Items       []itemStatusResponse `json:"items"`
}

type itemStatusResponse struct {
	SequenceNumber  int       `json:"sequenceNumber"`
	Name            string    `json:"name"`
	SourceURLs      []string  `json:"sourceUrls"`
	OutputLocations []*string `json:"outputLocations"`
}

// CreateBatch accepts a multipart CSV manifest and returns 202 once the batch
// is durable and queued. The optional callback_url form field (query fallback)
// registers a completion webhook.
func (h *BatchHandler) CreateBatch(c *fiber.Ctx) error {
	fileHeader, err := c.FormFile(manifestFormField)
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "manifest file is required (multipart field \"file\")")
	}
	if !strings.EqualFold(filepath.Ext(fileHeader.Filename), ".csv") {
		return toHTTPError(fmt.Errorf("%w: manifest must be a .csv file", domain.ErrValidation))
	}

	file, err := fileHeader.Open()
	if err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "failed to open manifest file")
	}
	defer file.Close()

	records, err := manifest.Parse(file)
	if err != nil {
		return toHTTPError(err)
	}

	inputs := make([]service.ItemInput, 0, len(records))
	for _, record := range records {
		inputs = append(inputs, service.ItemInput{
			SequenceNumber: record.SequenceNumber,
			Name:           record.Name,
			SourceURLs:     record.SourceURLs,
		})
	}

	batch, err := h.service.Submit(c.Context(), inputs, requestCallbackURL(c))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(createBatchResponse{
		BatchID: batch.ID,
		Status:  batch.Status.String(),
	})
}

func (h *BatchHandler) GetBatchStatus(c *fiber.Ctx) error {
	batchID := strings.TrimSpace(c.Params("batchId"))
	snapshot, err := h.service.GetStatus(c.Context(), batchID)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]itemStatusResponse, 0, len(snapshot.Items))
	for _, item := range snapshot.Items {
		items = append(items, itemStatusResponse{
			SequenceNumber:  item.SequenceNumber,
			Name:            item.Name,
			SourceURLs:      item.SourceURLs,
			OutputLocations: item.OutputLocations,
		})
	}

	return c.Status(fiber.StatusOK).JSON(batchStatusResponse{
		BatchID:     snapshot.BatchID,
		Status:      snapshot.Status.String(),
		CreatedAt:   snapshot.CreatedAt,
		CompletedAt: snapshot.CompletedAt,
		Items:       items,
	})
}

func requestCallbackURL(c *fiber.Ctx) *string {
	value := strings.TrimSpace(c.FormValue("callback_url"))
	if value == "" {
		value = strings.TrimSpace(c.Query("callback_url"))
	}
	if value == "" {
		return nil
	}
	return &value
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
