package fanout

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultCachePrefix prefixes every shared cache region key
const DefaultCachePrefix = "docqueue:cache:"

// RedisInvalidator deletes shared cache regions
type RedisInvalidator struct {
	client redis.Cmdable
	prefix string
}

// NewRedisInvalidator creates a new RedisInvalidator
func NewRedisInvalidator(client redis.Cmdable, prefix string) *RedisInvalidator {
	if prefix == "" {
		prefix = DefaultCachePrefix
	}
	return &RedisInvalidator{client: client, prefix: prefix}
}

// Invalidate deletes the keys for regions
func (i *RedisInvalidator) Invalidate(ctx context.Context, regions []string) error {
	if len(regions) == 0 {
		return nil
	}
	keys := make([]string, len(regions))
	for n, region := range regions {
		keys[n] = i.prefix + region
	}
	if err := i.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to invalidate %v: %w", regions, err)
	}
	return nil
}
