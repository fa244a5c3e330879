package service

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/cache/redis"
	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/order"
)

const (
	testKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testToken  = "71321045679252212594626385532706912750332728571942532289631379312455583992563"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeSource struct {
	mu        sync.Mutex
	metaCalls int
	bookCalls int
}

func (f *fakeSource) MarketMetadata(_ context.Context, tokenID string) (domain.MarketMetadata, error) {
	f.mu.Lock()
	f.metaCalls++
	f.mu.Unlock()
	if tokenID != testToken {
		return domain.MarketMetadata{}, domain.ErrNotFound
	}
	book := testBook()
	return domain.MarketMetadata{
		TokenID:      testToken,
		ConditionID:  "0xcond",
		TickSize:     domain.TickSize001,
		MinOrderSize: dec("5"),
		Book:         &book,
	}, nil
}

func (f *fakeSource) GetOrderBook(context.Context, string) (domain.OrderbookSnapshot, error) {
	f.mu.Lock()
	f.bookCalls++
	f.mu.Unlock()
	return testBook(), nil
}

func testBook() domain.OrderbookSnapshot {
	return domain.OrderbookSnapshot{
		AssetID: testToken,
		Bids:    []domain.PriceLevel{{Price: dec("0.48"), Size: dec("100")}},
		Asks:    []domain.PriceLevel{{Price: dec("0.52"), Size: dec("100")}},
	}
}

type fakeExchange struct {
	mu       sync.Mutex
	posted   []domain.SignedOrder
	err      error
	canceled []string
}

func (f *fakeExchange) PostOrder(_ context.Context, o domain.SignedOrder) (domain.OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.posted = append(f.posted, o)
	if f.err != nil {
		return domain.OrderAck{}, f.err
	}
	return domain.OrderAck{Success: true, OrderID: "0xexchange", Status: domain.OrderStatusLive}, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeExchange) CancelAll(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.posted))
	for range f.posted {
		ids = append(ids, "0xexchange")
	}
	f.canceled = append(f.canceled, ids...)
	return ids, nil
}

func (f *fakeExchange) Creds() (domain.APICreds, bool) {
	return domain.APICreds{Key: "owner-key"}, true
}

type memOrders struct {
	mu   sync.Mutex
	recs map[string]domain.OrderRecord
}

func newMemOrders() *memOrders { return &memOrders{recs: map[string]domain.OrderRecord{}} }

func (m *memOrders) Create(_ context.Context, rec domain.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[rec.Hash]; ok {
		return domain.ErrAlreadyExists
	}
	m.recs[rec.Hash] = rec
	return nil
}

func (m *memOrders) UpdateStatus(_ context.Context, hash string, status domain.OrderStatus, orderID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[hash]
	if !ok {
		return domain.ErrNotFound
	}
	rec.Status = status
	if orderID != "" {
		rec.OrderID = orderID
	}
	rec.Reason = reason
	m.recs[hash] = rec
	return nil
}

func (m *memOrders) GetByHash(_ context.Context, hash string) (domain.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[hash]
	if !ok {
		return domain.OrderRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

func (m *memOrders) GetByOrderID(_ context.Context, id string) (domain.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.recs {
		if rec.OrderID == id {
			return rec, nil
		}
	}
	return domain.OrderRecord{}, domain.ErrNotFound
}

func (m *memOrders) List(context.Context, domain.ListOpts) ([]domain.OrderRecord, error) {
	return nil, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []string
}

func (m *memAudit) Log(_ context.Context, event string, _ map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memAudit) List(context.Context, domain.AuditFilter) ([]domain.AuditEntry, error) {
	return nil, nil
}

// ---------------------------------------------------------------------------
// harness
// ---------------------------------------------------------------------------

type harness struct {
	svc      *OrderService
	source   *fakeSource
	exchange *fakeExchange
	orders   *memOrders
	audit    *memAudit
	signer   *crypto.Signer
}

func newHarness(t *testing.T, limit int) *harness {
	t.Helper()
	signer, err := crypto.NewSigner(testKeyHex, 137)
	require.NoError(t, err)
	builder, err := order.NewBuilder(order.BuilderConfig{SignatureType: domain.SignatureEOA, Signer: signer.Address()})
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := redis.NewFromRedis(rdb)

	h := &harness{
		source:   &fakeSource{},
		exchange: &fakeExchange{},
		orders:   newMemOrders(),
		audit:    &memAudit{},
		signer:   signer,
	}
	meta := NewMetadataService(h.source, redis.NewMetadataCache(rc), redis.NewOrderbookCache(rc), time.Minute, discardLogger())
	h.svc = NewOrderService(OrderServiceDeps{
		Builder:  builder,
		Signer:   signer,
		Metadata: meta,
		Exchange: h.exchange,
		Orders:   h.orders,
		Audit:    h.audit,
		Locks:    redis.NewLockManager(rc),
		Limiter:  redis.NewRateLimiter(rc),
		Limits:   OrderLimits{Key: signer.Address().Hex(), Limit: limit, Window: time.Minute},
	}, discardLogger())
	return h
}

func limitBuy() domain.OrderRequest {
	return domain.OrderRequest{
		TokenID: testToken,
		Side:    domain.SideBuy,
		Kind:    domain.OrderKindLimit,
		Price:   dec("0.50"),
		Size:    dec("10"),
	}
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestPlaceOrder(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	signed, ack, err := h.svc.PlaceOrder(ctx, limitBuy())
	require.NoError(t, err)
	assert.Equal(t, "0xexchange", ack.OrderID)
	assert.Equal(t, "owner-key", signed.Owner)

	ok, err := h.signer.VerifyOrder(signed)
	require.NoError(t, err)
	assert.True(t, ok)

	rec, err := h.orders.GetByHash(ctx, signed.Hash.Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusLive, rec.Status)
	assert.Equal(t, "0xexchange", rec.OrderID)
	assert.Equal(t, []string{"order.signed", "order.placed"}, h.audit.events)
}

func TestSubmitAtMostOnce(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	signed, err := h.svc.BuildAndSign(ctx, limitBuy())
	require.NoError(t, err)

	_, err = h.svc.Submit(ctx, signed)
	require.NoError(t, err)
	_, err = h.svc.Submit(ctx, signed)
	assert.ErrorIs(t, err, domain.ErrAlreadySubmitted)
	assert.Len(t, h.exchange.posted, 1)
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	h := newHarness(t, 100)
	ctx := context.Background()

	signed, err := h.svc.BuildAndSign(ctx, limitBuy())
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok int
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.svc.Submit(ctx, signed); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Len(t, h.exchange.posted, 1)
}

func TestSubmitRateLimited(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	_, _, err := h.svc.PlaceOrder(ctx, limitBuy())
	require.NoError(t, err)
	_, _, err = h.svc.PlaceOrder(ctx, limitBuy())
	assert.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Len(t, h.exchange.posted, 1)
}

func TestSubmitRejected(t *testing.T) {
	h := newHarness(t, 10)
	h.exchange.err = &domain.OrderRejectedError{Status: 400, Reason: "not enough balance"}
	ctx := context.Background()

	signed, _, err := h.svc.PlaceOrder(ctx, limitBuy())
	assert.ErrorIs(t, err, domain.ErrOrderRejected)

	rec, err := h.orders.GetByHash(ctx, signed.Hash.Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusRejected, rec.Status)
	assert.Equal(t, "not enough balance", rec.Reason)
	assert.Contains(t, h.audit.events, "order.rejected")
}

func TestBuildAndSignInvalidOrder(t *testing.T) {
	h := newHarness(t, 10)
	req := limitBuy()
	req.Price = dec("0.505")

	_, err := h.svc.BuildAndSign(context.Background(), req)
	assert.ErrorIs(t, err, domain.ErrInvalidOrder)
	assert.Empty(t, h.orders.recs)
}

func TestMarketOrderUsesBook(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	// warm the metadata cache
	_, err := h.svc.BuildAndSign(ctx, limitBuy())
	require.NoError(t, err)

	req := domain.OrderRequest{
		TokenID: testToken,
		Side:    domain.SideBuy,
		Kind:    domain.OrderKindMarket,
		Size:    dec("10"),
	}
	signed, err := h.svc.BuildAndSign(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderTypeFOK, signed.OrderType)
	assert.Equal(t, 1, h.source.metaCalls)
	assert.Equal(t, 1, h.source.bookCalls)
}

func TestCancelOrder(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	signed, _, err := h.svc.PlaceOrder(ctx, limitBuy())
	require.NoError(t, err)
	require.NoError(t, h.svc.CancelOrder(ctx, "0xexchange"))

	rec, err := h.orders.GetByHash(ctx, signed.Hash.Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, rec.Status)
	assert.Equal(t, []string{"0xexchange"}, h.exchange.canceled)
}

func TestCancelAll(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	signed, _, err := h.svc.PlaceOrder(ctx, limitBuy())
	require.NoError(t, err)

	ids, err := h.svc.CancelAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"0xexchange"}, ids)

	rec, err := h.orders.GetByHash(ctx, signed.Hash.Hex())
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusCancelled, rec.Status)
	assert.Contains(t, h.audit.events, "order.cancelled_all")
}

func TestMetadataServiceCaches(t *testing.T) {
	src := &fakeSource{}
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := redis.NewFromRedis(rdb)
	books := redis.NewOrderbookCache(rc)
	svc := NewMetadataService(src, redis.NewMetadataCache(rc), books, time.Minute, discardLogger())
	ctx := context.Background()

	meta, err := svc.Metadata(ctx, testToken, false)
	require.NoError(t, err)
	assert.Nil(t, meta.Book)

	// a streamed book wins over REST
	streamed := testBook()
	streamed.Bids = []domain.PriceLevel{{Price: dec("0.49"), Size: dec("1")}}
	require.NoError(t, books.SetSnapshot(ctx, streamed))

	meta, err = svc.Metadata(ctx, testToken, true)
	require.NoError(t, err)
	require.NotNil(t, meta.Book)
	bid, ok := meta.Book.BestBid()
	require.True(t, ok)
	assert.Equal(t, "0.49", bid.Price.String())
	assert.Equal(t, 1, src.metaCalls)
	assert.Equal(t, 0, src.bookCalls)

	_, err = svc.Metadata(ctx, "missing", false)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type fakeDirectory map[string]domain.Market

func (d fakeDirectory) GetMarket(_ context.Context, id string) (domain.Market, error) {
	for _, m := range d {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Market{}, domain.ErrNotFound
}

func (d fakeDirectory) GetMarketBySlug(_ context.Context, slug string) (domain.Market, error) {
	m, ok := d[slug]
	if !ok {
		return domain.Market{}, domain.ErrNotFound
	}
	return m, nil
}

func TestMarketServiceSubscriptions(t *testing.T) {
	svc := NewMarketService(fakeDirectory{
		"rain":  {ID: "1", TokenIDs: []string{"11", "12"}},
		"snow":  {ID: "2", TokenIDs: []string{"21", "22"}, Closed: true},
		"sleet": {ID: "3", TokenIDs: []string{"31", "32"}},
	}, discardLogger())
	ctx := context.Background()

	subs, err := svc.Subscriptions(ctx, []string{"rain", "snow", "sleet"})
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, domain.ChannelMarket, subs[0].Channel)
	assert.Equal(t, []string{"11", "12", "31", "32"}, subs[0].AssetIDs)

	_, err = svc.Subscriptions(ctx, []string{"hail"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	m, err := svc.Market(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, []string{"31", "32"}, m.TokenIDs)
}
