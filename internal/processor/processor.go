package processor

import "context"

// Processor turns one remote source image into a stored, re-encoded copy.
// It never raises past its boundary: any failure yields ok=false so a single
// bad source cannot abort the enclosing batch.
type Processor interface {
	Process(ctx context.Context, sourceURL string, destinationHint string) (location string, ok bool)
}
