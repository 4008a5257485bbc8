package domain

import (
	"fmt"
	"strings"
	"time"
)

// Item is one named entity within a batch owning one or more source image
// URLs. OutputLocations is empty until the item settles; afterwards it has
// the same length as SourceURLs, with a nil entry at every index whose
// source failed.
type Item struct {
	ID              string
	BatchID         string
	SequenceNumber  int
	Name            string
	SourceURLs      []string
	OutputLocations []*string
	SettledAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Settled reports whether the item has a final outcome for this
// processing attempt.
func (i *Item) Settled() bool {
	return i.SettledAt != nil
}

func (i *Item) Validate() error {
	if strings.TrimSpace(i.Name) == "" {
		return fmt.Errorf("%w: item name is required", ErrValidation)
	}
	if i.SequenceNumber < 1 {
		return fmt.Errorf("%w: sequence number must be >= 1 (got %d)", ErrValidation, i.SequenceNumber)
	}
	if len(i.SourceURLs) == 0 {
		return fmt.Errorf("%w: item %q requires at least one source url", ErrValidation, i.Name)
	}
	for idx, sourceURL := range i.SourceURLs {
		if strings.TrimSpace(sourceURL) == "" {
			return fmt.Errorf("%w: item %q has an empty source url at index %d", ErrValidation, i.Name, idx)
		}
	}
	return nil
}
