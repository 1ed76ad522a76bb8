package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/preauthlend/internal/domain"
)

// SnapshotCache implements domain.SnapshotCache using Redis string values.
// Each wallet's latest snapshot is stored as JSON at key
// "possnap:{wallet}" with the configured TTL.
type SnapshotCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client. A
// non-positive ttl disables expiry.
func NewSnapshotCache(c *Client, ttl time.Duration) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying(), ttl: ttl}
}

func snapshotKey(wallet string) string {
	return "possnap:" + wallet
}

// Set stores the snapshot for its wallet, replacing any previous value.
func (sc *SnapshotCache) Set(ctx context.Context, snap domain.PositionSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("redis: marshal snapshot %s: %w", snap.Wallet, err)
	}
	if err := sc.rdb.Set(ctx, snapshotKey(snap.Wallet), data, sc.ttl).Err(); err != nil {
		return fmt.Errorf("redis: set snapshot %s: %w", snap.Wallet, err)
	}
	return nil
}

// Get retrieves the latest snapshot for a wallet. It returns
// domain.ErrNotFound when no snapshot is cached (or it has expired).
func (sc *SnapshotCache) Get(ctx context.Context, wallet string) (domain.PositionSnapshot, error) {
	data, err := sc.rdb.Get(ctx, snapshotKey(wallet)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PositionSnapshot{}, domain.ErrNotFound
		}
		return domain.PositionSnapshot{}, fmt.Errorf("redis: get snapshot %s: %w", wallet, err)
	}

	var snap domain.PositionSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return domain.PositionSnapshot{}, fmt.Errorf("redis: unmarshal snapshot %s: %w", wallet, err)
	}
	return snap, nil
}

// Invalidate removes the cached snapshot for a wallet.
func (sc *SnapshotCache) Invalidate(ctx context.Context, wallet string) error {
	if err := sc.rdb.Del(ctx, snapshotKey(wallet)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate snapshot %s: %w", wallet, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
