package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewFromRedis(rdb), mr
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLockManagerExcludesSecondHolder(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "0xhash", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "0xhash", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	assert.False(t, mr.Exists("polyclob:lock:0xhash"))

	unlock2, err := lm.Acquire(ctx, "0xhash", time.Minute)
	require.NoError(t, err)
	unlock2()
}

func TestLockUnlockKeepsForeignToken(t *testing.T) {
	c, mr := newTestClient(t)
	lm := NewLockManager(c)
	ctx := context.Background()

	unlock, err := lm.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// lock expired and someone else took it
	require.NoError(t, mr.Set("polyclob:lock:k", "other"))
	unlock()

	got, err := mr.Get("polyclob:lock:k")
	require.NoError(t, err)
	assert.Equal(t, "other", got)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.UnixMilli(1_700_000_000_000)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "orders", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
		now = now.Add(10 * time.Millisecond)
	}

	ok, err := rl.Allow(ctx, "orders", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	now = now.Add(time.Second)
	ok, err = rl.Allow(ctx, "orders", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRateLimiterZeroLimit(t *testing.T) {
	c, _ := newTestClient(t)
	ok, err := NewRateLimiter(c).Allow(context.Background(), "x", 0, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMetadataCache(t *testing.T) {
	c, mr := newTestClient(t)
	mc := NewMetadataCache(c)
	ctx := context.Background()

	_, err := mc.Get(ctx, "777")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	meta := domain.MarketMetadata{
		TokenID:      "777",
		ConditionID:  "0xcond",
		TickSize:     domain.TickSize001,
		MinOrderSize: dec("5"),
		NegRisk:      true,
		FeeRateBps:   100,
		Book:         &domain.OrderbookSnapshot{AssetID: "777"},
	}
	require.NoError(t, mc.Set(ctx, meta, 0))
	assert.Equal(t, DefaultMetadataTTL, mr.TTL("polyclob:meta:777"))

	got, err := mc.Get(ctx, "777")
	require.NoError(t, err)
	assert.Nil(t, got.Book)
	assert.Equal(t, domain.TickSize001, got.TickSize)
	assert.True(t, got.MinOrderSize.Equal(dec("5")))
	assert.True(t, got.NegRisk)
	assert.Equal(t, uint64(100), got.FeeRateBps)

	require.NoError(t, mc.Invalidate(ctx, "777"))
	_, err = mc.Get(ctx, "777")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestOrderbookCacheSnapshotAndChanges(t *testing.T) {
	c, _ := newTestClient(t)
	oc := NewOrderbookCache(c)
	ctx := context.Background()

	_, err := oc.GetSnapshot(ctx, "777")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ts := time.UnixMilli(1_700_000_000_000).UTC()
	require.NoError(t, oc.SetSnapshot(ctx, domain.OrderbookSnapshot{
		AssetID:   "777",
		Market:    "0xcond",
		Hash:      "0xh",
		Timestamp: ts,
		Bids:      []domain.PriceLevel{{Price: dec("0.50"), Size: dec("20")}, {Price: dec("0.48"), Size: dec("100")}},
		Asks:      []domain.PriceLevel{{Price: dec("0.52"), Size: dec("10")}, {Price: dec("0.55"), Size: dec("40")}},
	}))

	later := ts.Add(time.Second)
	require.NoError(t, oc.ApplyChange(ctx, "0xcond", domain.LevelChange{AssetID: "777", Side: domain.SideBuy, Price: dec("0.51"), Size: dec("7")}, later))
	require.NoError(t, oc.ApplyChange(ctx, "0xcond", domain.LevelChange{AssetID: "777", Side: domain.SideSell, Price: dec("0.52"), Size: decimal.Zero}, later))

	snap, err := oc.GetSnapshot(ctx, "777")
	require.NoError(t, err)
	assert.Equal(t, "0xcond", snap.Market)
	assert.Equal(t, "0xh", snap.Hash)
	assert.Equal(t, later, snap.Timestamp)

	require.Len(t, snap.Bids, 3)
	assert.Equal(t, "0.51", snap.Bids[0].Price.String())
	assert.Equal(t, "0.5", snap.Bids[1].Price.String())
	assert.Equal(t, "0.48", snap.Bids[2].Price.String())

	require.Len(t, snap.Asks, 1)
	assert.Equal(t, "0.55", snap.Asks[0].Price.String())
	assert.True(t, snap.Asks[0].Size.Equal(dec("40")))
}

func TestOrderbookCacheSnapshotReplaces(t *testing.T) {
	c, _ := newTestClient(t)
	oc := NewOrderbookCache(c)
	ctx := context.Background()

	require.NoError(t, oc.SetSnapshot(ctx, domain.OrderbookSnapshot{
		AssetID: "1",
		Bids:    []domain.PriceLevel{{Price: dec("0.4"), Size: dec("1")}},
	}))
	require.NoError(t, oc.SetSnapshot(ctx, domain.OrderbookSnapshot{
		AssetID: "1",
		Asks:    []domain.PriceLevel{{Price: dec("0.6"), Size: dec("2")}},
	}))

	snap, err := oc.GetSnapshot(ctx, "1")
	require.NoError(t, err)
	assert.Empty(t, snap.Bids)
	require.Len(t, snap.Asks, 1)
}

func TestEventBusPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	eb := NewEventBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := eb.Subscribe(ctx, "polyclob:events:*")
	require.NoError(t, err)

	require.NoError(t, eb.Publish(ctx, EventChannel(domain.ChannelMarket), []byte(`{"kind":"book"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"kind":"book"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventBusStream(t *testing.T) {
	c, _ := newTestClient(t)
	eb := NewEventBus(c)
	ctx := context.Background()
	stream := EventStream(domain.ChannelUser)

	msgs, err := eb.StreamRead(ctx, stream, "0", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	for _, p := range []string{"a", "b", "c"} {
		require.NoError(t, eb.StreamAppend(ctx, stream, []byte(p)))
	}

	msgs, err = eb.StreamRead(ctx, stream, "0", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("a"), msgs[0].Payload)
	assert.Equal(t, []byte("b"), msgs[1].Payload)

	rest, err := eb.StreamRead(ctx, stream, msgs[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, []byte("c"), rest[0].Payload)
}
