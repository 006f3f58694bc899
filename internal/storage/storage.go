package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key or hash field does not exist
	ErrNotFound = errors.New("key not found")
	// ErrConflict is returned when an atomic update kept losing races
	ErrConflict = errors.New("concurrent update conflict")
)

// UpdateFunc computes the next value of a key from its current value.
// exists is false when the key is absent; current is then empty.
type UpdateFunc func(current string, exists bool) (string, error)

// Store is the backing key-value store shared by sessions, the channel
// registry and the embedding vector cache.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key, field string) error

	// Scan returns every key matching a glob pattern (*, ? and [...]).
	Scan(ctx context.Context, pattern string) ([]string, error)

	// Update applies fn to the current value of key and stores the result as
	// one atomic read-modify-write.
	Update(ctx context.Context, key string, fn UpdateFunc) (string, error)

	Ping(ctx context.Context) error
	Close() error
}
