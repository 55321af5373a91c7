package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/oraclepool/internal/domain"
)

// Deduper implements domain.Deduper with SET NX and a TTL.
type Deduper struct {
	rdb *redis.Client
}

// NewDeduper creates a Deduper backed by the given Client.
func NewDeduper(c *Client) *Deduper {
	return &Deduper{rdb: c.Underlying()}
}

// Seen records key and reports whether it was already present.
func (d *Deduper) Seen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, "dedup:"+key, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup %s: %w", key, err)
	}
	return !ok, nil
}

var _ domain.Deduper = (*Deduper)(nil)
