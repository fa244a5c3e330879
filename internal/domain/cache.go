package domain

import (
	"context"
	"time"
)

// MarketMetadataCache holds tick size, fee and neg-risk flags per token.
type MarketMetadataCache interface {
	Set(ctx context.Context, meta MarketMetadata, ttl time.Duration) error
	Get(ctx context.Context, tokenID string) (MarketMetadata, error)
	Invalidate(ctx context.Context, tokenID string) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// EventBus fans stream events out to other processes.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// OrderbookCache keeps the latest book per asset as the stream reports it.
type OrderbookCache interface {
	SetSnapshot(ctx context.Context, snap OrderbookSnapshot) error
	ApplyChange(ctx context.Context, market string, change LevelChange, ts time.Time) error
	GetSnapshot(ctx context.Context, assetID string) (OrderbookSnapshot, error)
}
