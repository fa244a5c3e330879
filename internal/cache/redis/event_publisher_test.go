package redis

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventPublisherPublishesAndAppends(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub, err := bus.Subscribe(ctx, EventChannel(domain.ChannelMarket))
	require.NoError(t, err)

	pub := NewEventPublisher(bus, 8, discardLogger())
	go func() { _ = pub.Run(ctx) }()

	ev := &domain.LastTradePrice{AssetID: "777", Market: "0xcond", Side: domain.SideBuy, Price: dec("0.51"), Size: dec("10")}
	domain.Stamp(ev, 1, time.UnixMilli(1_700_000_000_000))
	pub.Handle(ev)

	select {
	case msg := <-sub:
		var got struct {
			Channel string         `json:"channel"`
			Kind    string         `json:"kind"`
			Event   map[string]any `json:"event"`
		}
		require.NoError(t, json.Unmarshal(msg, &got))
		assert.Equal(t, "market", got.Channel)
		assert.Equal(t, "last_trade_price", got.Kind)
		assert.Equal(t, "777", got.Event["asset_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("event not published")
	}

	require.Eventually(t, func() bool {
		msgs, err := bus.StreamRead(ctx, EventStream(domain.ChannelMarket), "0", 10)
		return err == nil && len(msgs) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventPublisherDropsWhenFull(t *testing.T) {
	c, _ := newTestClient(t)
	pub := NewEventPublisher(NewEventBus(c), 2, discardLogger())
	for i := 0; i < 5; i++ {
		pub.Handle(&domain.Heartbeat{})
	}
	assert.Equal(t, uint64(3), pub.Dropped())
}

func TestBookRecorder(t *testing.T) {
	c, _ := newTestClient(t)
	books := NewOrderbookCache(c)
	meta := NewMetadataCache(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, meta.Set(ctx, domain.MarketMetadata{TokenID: "777", TickSize: domain.TickSize001}, time.Minute))

	rec := NewBookRecorder(books, meta, 16, discardLogger())
	go func() { _ = rec.Run(ctx) }()

	ts := time.UnixMilli(1_700_000_000_000)
	rec.Handle(&domain.BookUpdate{
		EventHeader: domain.EventHeader{Timestamp: ts},
		Book: domain.OrderbookSnapshot{
			AssetID: "777", Market: "0xcond", Timestamp: ts,
			Bids: []domain.PriceLevel{{Price: dec("0.4"), Size: dec("10")}},
		},
	})
	rec.Handle(&domain.PriceChange{
		EventHeader: domain.EventHeader{Timestamp: ts.Add(time.Second)},
		Market:      "0xcond",
		Changes: []domain.LevelChange{
			{AssetID: "777", Side: domain.SideBuy, Price: dec("0.45"), Size: dec("3")},
			{AssetID: "777", Side: domain.SideSell, Price: dec("0.6"), Size: dec("8")},
		},
	})
	rec.Handle(&domain.TickSizeChange{AssetID: "777", Old: domain.TickSize001, New: domain.TickSize0001})
	rec.Handle(&domain.Heartbeat{})

	require.Eventually(t, func() bool {
		_, err := meta.Get(ctx, "777")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	snap, err := books.GetSnapshot(ctx, "777")
	require.NoError(t, err)
	require.Len(t, snap.Bids, 2)
	assert.Equal(t, "0.45", snap.Bids[0].Price.String())
	require.Len(t, snap.Asks, 1)
	assert.Equal(t, "0.6", snap.Asks[0].Price.String())
}
