// Package kvstore holds the key-value storage port used for durable viewer
// state together with its memory, bbolt and PostgreSQL implementations.
package kvstore

import (
	"context"
	"errors"
)

// ErrUnavailable signals the backing storage cannot be reached.
var ErrUnavailable = errors.New("kvstore: storage unavailable")

// Store is a string key-value namespace.
type Store interface {
	// Get returns the value stored at key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set writes value at key, overwriting any previous value.
	Set(ctx context.Context, key, value string) error
	// Remove deletes key. Removing a missing key is not an error.
	Remove(ctx context.Context, key string) error
	// Clear deletes every key of the namespace.
	Clear(ctx context.Context) error
	// Update replaces the value at key with the result of fn in one atomic
	// step. fn receives the current value and whether it exists; returning
	// keep=false removes the key. An error from fn aborts the update.
	Update(ctx context.Context, key string, fn UpdateFunc) error
}

// UpdateFunc computes the next value of a key from its current one.
type UpdateFunc func(current string, exists bool) (next string, keep bool, err error)

// Backend partitions storage into independent namespaces.
type Backend interface {
	Namespace(name string) Store
	// Namespaces lists the namespaces holding at least one key.
	Namespaces(ctx context.Context) ([]string, error)
	Close() error
}
