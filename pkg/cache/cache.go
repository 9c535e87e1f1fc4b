package cache

import (
	"context"
	"errors"
)

// ErrNotFound is returned by FetchFromCache on a miss.
var ErrNotFound = errors.New("key not found in cache")

// Cache is a generic interface for a caching layer.
type Cache[K any, V any] interface {
	// FetchFromCache retrieves an item from the cache.
	FetchFromCache(ctx context.Context, key K) (V, error)
	// WriteToCache adds an item to the cache.
	WriteToCache(ctx context.Context, key K, value V) error
	// Close releases any resources held by the cache.
	Close() error
}
