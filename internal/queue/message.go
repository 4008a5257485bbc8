package queue

import (
	"fmt"
	"strings"
)

// BatchMessage is the broker payload that hands one batch to the worker pool.
type BatchMessage struct {
	BatchID string `json:"batchId"`
}

func (m BatchMessage) Validate() error {
	if strings.TrimSpace(m.BatchID) == "" {
		return fmt.Errorf("batchId is required")
	}
	return nil
}
