// Package manifest parses the CSV manifests accepted by the batch intake
// endpoint.
package manifest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/karacabey/imagemill/internal/domain"
)

// Required header columns, in order.
const (
	headerSequence = "S. No."
	headerName     = "Product Name"
	headerURLs     = "Input Image Urls"
)

// Record is one parsed manifest row.
type Record struct {
	SequenceNumber int
	Name           string
	SourceURLs     []string
}

// Parse reads a complete manifest. Any malformed row rejects the whole
// manifest; a batch is never partially accepted.
func Parse(r io.Reader) ([]Record, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: manifest is required", domain.ErrValidation)
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: manifest is empty", domain.ErrValidation)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read manifest header: %v", domain.ErrValidation, err)
	}
	if err := validateHeader(header); err != nil {
		return nil, err
	}

	var records []Record
	line := 1
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("%w: malformed manifest row %d: %v", domain.ErrValidation, line, err)
		}

		record, err := parseRow(row, line)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: manifest has no data rows", domain.ErrValidation)
	}

	return records, nil
}

func validateHeader(header []string) error {
	expected := []string{headerSequence, headerName, headerURLs}
	if len(header) != len(expected) {
		return fmt.Errorf("%w: manifest header must have columns %v", domain.ErrValidation, expected)
	}
	for i, want := range expected {
		if !strings.EqualFold(strings.TrimSpace(header[i]), want) {
			return fmt.Errorf("%w: manifest column %d must be %q (got %q)", domain.ErrValidation, i+1, want, header[i])
		}
	}
	return nil
}

func parseRow(row []string, line int) (Record, error) {
	if len(row) != 3 {
		return Record{}, fmt.Errorf("%w: row %d must have 3 columns (got %d)", domain.ErrValidation, line, len(row))
	}

	sequence, err := strconv.Atoi(strings.TrimSpace(row[0]))
	if err != nil {
		return Record{}, fmt.Errorf("%w: row %d has a non-numeric serial number %q", domain.ErrValidation, line, row[0])
	}
	if sequence < 1 {
		return Record{}, fmt.Errorf("%w: row %d serial number must be >= 1 (got %d)", domain.ErrValidation, line, sequence)
	}

	name := strings.TrimSpace(row[1])
	if name == "" {
		return Record{}, fmt.Errorf("%w: row %d is missing a product name", domain.ErrValidation, line)
	}

	var urls []string
	for _, raw := range strings.Split(row[2], ",") {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		urls = append(urls, trimmed)
	}
	if len(urls) == 0 {
		return Record{}, fmt.Errorf("%w: row %d has no input image urls", domain.ErrValidation, line)
	}

	return Record{
		SequenceNumber: sequence,
		Name:           name,
		SourceURLs:     urls,
	}, nil
}
