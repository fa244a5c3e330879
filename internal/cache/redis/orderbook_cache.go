package redis

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/numeric"
)

// bookTTL drops books for assets the stream no longer follows.
const bookTTL = 24 * time.Hour

// OrderbookCache implements domain.OrderbookCache. Prices are kept as the
// exact decimal strings the exchange sent, so no float rounding enters the
// book.
//
// Key schema:
//
//	book:{assetID}:bids - hash mapping price -> size for bids
//	book:{assetID}:asks - hash mapping price -> size for asks
//	book:{assetID}:meta - hash with "market", "hash" and "ts" (unix ms)
type OrderbookCache struct {
	rdb *redis.Client
}

// NewOrderbookCache creates an OrderbookCache backed by the given Client.
func NewOrderbookCache(c *Client) *OrderbookCache {
	return &OrderbookCache{rdb: c.Underlying()}
}

func bookBidsKey(assetID string) string { return "polyclob:book:" + assetID + ":bids" }
func bookAsksKey(assetID string) string { return "polyclob:book:" + assetID + ":asks" }
func bookMetaKey(assetID string) string { return "polyclob:book:" + assetID + ":meta" }

// SetSnapshot atomically replaces the entire orderbook for an asset.
func (oc *OrderbookCache) SetSnapshot(ctx context.Context, snap domain.OrderbookSnapshot) error {
	bidsKey := bookBidsKey(snap.AssetID)
	asksKey := bookAsksKey(snap.AssetID)
	metaKey := bookMetaKey(snap.AssetID)

	pipe := oc.rdb.TxPipeline()
	pipe.Del(ctx, bidsKey, asksKey, metaKey)
	for _, lvl := range snap.Bids {
		pipe.HSet(ctx, bidsKey, lvl.Price.String(), lvl.Size.String())
	}
	for _, lvl := range snap.Asks {
		pipe.HSet(ctx, asksKey, lvl.Price.String(), lvl.Size.String())
	}
	pipe.HSet(ctx, metaKey,
		"market", snap.Market,
		"hash", snap.Hash,
		"ts", strconv.FormatInt(snap.Timestamp.UnixMilli(), 10),
	)
	pipe.Expire(ctx, bidsKey, bookTTL)
	pipe.Expire(ctx, asksKey, bookTTL)
	pipe.Expire(ctx, metaKey, bookTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set orderbook snapshot %s: %w", snap.AssetID, err)
	}
	return nil
}

// ApplyChange applies one incremental level update. A zero size removes
// the level.
func (oc *OrderbookCache) ApplyChange(ctx context.Context, market string, change domain.LevelChange, ts time.Time) error {
	var key string
	switch change.Side {
	case domain.SideBuy:
		key = bookBidsKey(change.AssetID)
	case domain.SideSell:
		key = bookAsksKey(change.AssetID)
	default:
		return fmt.Errorf("redis: apply change: unknown side %v", change.Side)
	}

	pipe := oc.rdb.TxPipeline()
	if change.Size.IsZero() {
		pipe.HDel(ctx, key, change.Price.String())
	} else {
		pipe.HSet(ctx, key, change.Price.String(), change.Size.String())
	}
	metaKey := bookMetaKey(change.AssetID)
	pipe.HSet(ctx, metaKey, "market", market, "ts", strconv.FormatInt(ts.UnixMilli(), 10))
	pipe.Expire(ctx, key, bookTTL)
	pipe.Expire(ctx, metaKey, bookTTL)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: apply change %s %s@%s: %w", change.AssetID, change.Side, change.Price, err)
	}
	return nil
}

// GetSnapshot rebuilds the book, best levels first. It returns
// domain.ErrNotFound if nothing is cached for the asset.
func (oc *OrderbookCache) GetSnapshot(ctx context.Context, assetID string) (domain.OrderbookSnapshot, error) {
	pipe := oc.rdb.Pipeline()
	bidsCmd := pipe.HGetAll(ctx, bookBidsKey(assetID))
	asksCmd := pipe.HGetAll(ctx, bookAsksKey(assetID))
	metaCmd := pipe.HGetAll(ctx, bookMetaKey(assetID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: get orderbook snapshot %s: %w", assetID, err)
	}

	meta := metaCmd.Val()
	if len(meta) == 0 {
		return domain.OrderbookSnapshot{}, domain.ErrNotFound
	}

	snap := domain.OrderbookSnapshot{
		AssetID: assetID,
		Market:  meta["market"],
		Hash:    meta["hash"],
	}
	if ms, err := strconv.ParseInt(meta["ts"], 10, 64); err == nil {
		snap.Timestamp = time.UnixMilli(ms).UTC()
	}

	var err error
	if snap.Bids, err = parseLevels(bidsCmd.Val(), true); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: orderbook %s bids: %w", assetID, err)
	}
	if snap.Asks, err = parseLevels(asksCmd.Val(), false); err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("redis: orderbook %s asks: %w", assetID, err)
	}
	return snap, nil
}

func parseLevels(h map[string]string, desc bool) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(h))
	for p, s := range h {
		price, err := numeric.Parse(p)
		if err != nil {
			return nil, err
		}
		size, err := numeric.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.PriceLevel{Price: price, Size: size})
	}
	slices.SortFunc(out, func(a, b domain.PriceLevel) int {
		if desc {
			return b.Price.Cmp(a.Price)
		}
		return a.Price.Cmp(b.Price)
	})
	return out, nil
}

// Compile-time interface check.
var _ domain.OrderbookCache = (*OrderbookCache)(nil)
