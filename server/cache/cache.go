package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache miss")

// Cache is the progress/result store shared by the job processor and the
// HTTP layer.
type Cache interface {
	Set(ctx context.Context, key string, value any) error

	// Get copies the stored value into dest, which must be a non-nil pointer
	// to a type the value is assignable to.
	Get(ctx context.Context, key string, dest any) error

	Delete(ctx context.Context, key string) error

	Exists(ctx context.Context, key string) (bool, error)

	SetWithTTL(ctx context.Context, key string, value any, ttl time.Duration) error

	GetStats(ctx context.Context) (*CacheStats, error)

	Close() error
}

type CacheStats struct {
	Connected bool   `json:"connected"`
	Items     int    `json:"items"`
	Info      string `json:"info"`
}
