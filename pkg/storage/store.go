package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("row not found")

	// ErrExists is returned by Create when the row is already present
	ErrExists = errors.New("row already exists")

	// ErrModified is returned when a row changed between read and write
	ErrModified = errors.New("row modified concurrently")

	// ErrTooManyRetries is returned when Update gave up on a contended row
	ErrTooManyRetries = errors.New("too many concurrent modifications")
)

// ModifyFunc receives the current value of a row and returns its
// replacement. It may be called more than once per Update.
type ModifyFunc func(current []byte) ([]byte, error)

// Store is a partitioned key-value store. Every operation is atomic for a
// single row; there are no cross-row transactions.
type Store interface {
	// Get returns the value of a row or ErrNotFound
	Get(partition, row string) ([]byte, error)

	// Create inserts a row, failing with ErrExists if it is present
	Create(partition, row string, value []byte) error

	// Put unconditionally overwrites a row
	Put(partition, row string, value []byte) error

	// Update performs a read-modify-write, retrying when another writer
	// changed the row in between
	Update(ctx context.Context, partition, row string, modify ModifyFunc) error

	// Delete removes a row and reports whether it existed
	Delete(partition, row string) (bool, error)

	// Scan calls fn for every row of a partition in key order. fn must
	// not call back into the store.
	Scan(partition string, fn func(row string, value []byte) error) error

	// Utility
	Close() error
}
