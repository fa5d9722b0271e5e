package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get when a key has never been written or was deleted.
var ErrNotFound = errors.New("key not found")

// Write is a single mutation applied by Store.Apply.
type Write struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Store is the durable key/value backend of the ledger.
// Apply must commit all writes or none of them.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Apply(ctx context.Context, writes []Write) error
	Ping(ctx context.Context) error
	Close() error
}
