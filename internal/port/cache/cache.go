// Package cache defines the port interface for caching.
package cache

import (
	"context"
	"time"
)

// Cache is the port interface for key-value caching. Implementations back the
// tiered snapshot cache: an in-process L1 and a shared L2.
//
// A miss is (nil, false, nil); errors are reserved for backend failures.
// Deleting an absent key is not an error. The ttl passed to Set is advisory:
// remote backends may enforce a bucket-level TTL instead.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
