package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// DefaultMetadataTTL bounds how long tick size and fee data are trusted.
const DefaultMetadataTTL = 5 * time.Minute

// MetadataCache implements domain.MarketMetadataCache. The orderbook is
// never cached here; it goes stale far faster than the market parameters.
//
// Key schema:
//
//	meta:{tokenID} - JSON-encoded metadata
type MetadataCache struct {
	rdb *redis.Client
}

// NewMetadataCache creates a MetadataCache backed by the given Client.
func NewMetadataCache(c *Client) *MetadataCache {
	return &MetadataCache{rdb: c.Underlying()}
}

func metadataKey(tokenID string) string { return "polyclob:meta:" + tokenID }

type cachedMetadata struct {
	TokenID      string          `json:"token_id"`
	ConditionID  string          `json:"condition_id"`
	TickSize     domain.TickSize `json:"tick_size"`
	MinOrderSize decimal.Decimal `json:"min_order_size"`
	NegRisk      bool            `json:"neg_risk"`
	FeeRateBps   uint64          `json:"fee_rate_bps"`
}

// Set stores meta without its book. A non-positive ttl uses
// DefaultMetadataTTL.
func (mc *MetadataCache) Set(ctx context.Context, meta domain.MarketMetadata, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultMetadataTTL
	}
	data, err := json.Marshal(cachedMetadata{
		TokenID:      meta.TokenID,
		ConditionID:  meta.ConditionID,
		TickSize:     meta.TickSize,
		MinOrderSize: meta.MinOrderSize,
		NegRisk:      meta.NegRisk,
		FeeRateBps:   meta.FeeRateBps,
	})
	if err != nil {
		return fmt.Errorf("redis: marshal metadata %s: %w", meta.TokenID, err)
	}
	if err := mc.rdb.Set(ctx, metadataKey(meta.TokenID), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set metadata %s: %w", meta.TokenID, err)
	}
	return nil
}

// Get returns the cached metadata, or domain.ErrNotFound.
func (mc *MetadataCache) Get(ctx context.Context, tokenID string) (domain.MarketMetadata, error) {
	data, err := mc.rdb.Get(ctx, metadataKey(tokenID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.MarketMetadata{}, domain.ErrNotFound
		}
		return domain.MarketMetadata{}, fmt.Errorf("redis: get metadata %s: %w", tokenID, err)
	}

	var c cachedMetadata
	if err := json.Unmarshal(data, &c); err != nil {
		return domain.MarketMetadata{}, fmt.Errorf("redis: unmarshal metadata %s: %w", tokenID, err)
	}
	return domain.MarketMetadata{
		TokenID:      c.TokenID,
		ConditionID:  c.ConditionID,
		TickSize:     c.TickSize,
		MinOrderSize: c.MinOrderSize,
		NegRisk:      c.NegRisk,
		FeeRateBps:   c.FeeRateBps,
	}, nil
}

// Invalidate drops the cached entry, e.g. after a tick size change.
func (mc *MetadataCache) Invalidate(ctx context.Context, tokenID string) error {
	if err := mc.rdb.Del(ctx, metadataKey(tokenID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate metadata %s: %w", tokenID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.MarketMetadataCache = (*MetadataCache)(nil)
