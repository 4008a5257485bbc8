package storage

import "context"

// ObjectStore persists processed artifacts. Put must be atomic-or-absent: a
// failed write leaves nothing behind at the key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}
