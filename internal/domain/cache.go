package domain

import (
	"context"
	"time"
)

// SnapshotCache stores the latest published position snapshot per wallet with
// an explicit TTL so a restarted process serves a recent view instead of an
// empty one. The TTL is fixed at construction; there is no process-wide
// singleton.
type SnapshotCache interface {
	Set(ctx context.Context, snap PositionSnapshot) error
	Get(ctx context.Context, wallet string) (PositionSnapshot, error)
	Invalidate(ctx context.Context, wallet string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking. The settlement path uses it so
// only one replica drives a given loan's charge or release at a time.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub fan-out of lifecycle and position events.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
