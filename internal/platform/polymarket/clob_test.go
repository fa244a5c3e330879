package polymarket

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
)

const testKeyHex = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testCreds = domain.APICreds{Key: "key-1", Secret: "c2VjcmV0LXNlY3JldC1zZWNyZXQ=", Passphrase: "pass"}

func newTestClient(t *testing.T, srv *httptest.Server, creds domain.APICreds) *ClobClient {
	t.Helper()
	signer, err := crypto.NewSigner(testKeyHex, 137)
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClobClient(ClobConfig{BaseURL: srv.URL, RequestsPerSecond: 1000, Burst: 100}, signer, creds, logger)
}

func testSignedOrder() domain.SignedOrder {
	return domain.SignedOrder{
		UnsignedOrder: domain.UnsignedOrder{
			Salt:        12345,
			Maker:       common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
			Signer:      common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
			TokenID:     big.NewInt(777),
			MakerAmount: big.NewInt(5_000_000),
			TakerAmount: big.NewInt(10_000_000),
			FeeRateBps:  0,
			Side:        domain.SideBuy,
			OrderType:   domain.OrderTypeGTC,
		},
		Signature: make([]byte, 65),
		Hash:      common.HexToHash("0x01"),
	}
}

func TestPostOrderSendsSignedPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/order", r.URL.Path)

		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		ts := r.Header.Get(crypto.HeaderTimestamp)
		want, err := crypto.BuildHMACSignature(testCreds.Secret, ts, http.MethodPost, "/order", string(body))
		require.NoError(t, err)
		assert.Equal(t, want, r.Header.Get(crypto.HeaderSignature))
		assert.Equal(t, "key-1", r.Header.Get(crypto.HeaderAPIKey))

		var got APIPostOrder
		require.NoError(t, json.Unmarshal(body, &got))
		assert.Equal(t, uint64(12345), got.Order.Salt)
		assert.Equal(t, "777", got.Order.TokenID)
		assert.Equal(t, "5000000", got.Order.MakerAmount)
		assert.Equal(t, "BUY", got.Order.Side)
		assert.Equal(t, "key-1", got.Owner)
		assert.Equal(t, "GTC", got.OrderType)

		_, _ = w.Write([]byte(`{"success":true,"orderID":"0xabc","status":"live"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, testCreds)
	ack, err := c.PostOrder(context.Background(), testSignedOrder())
	require.NoError(t, err)
	assert.True(t, ack.Success)
	assert.Equal(t, "0xabc", ack.OrderID)
	assert.Equal(t, domain.OrderStatusLive, ack.Status)
}

func TestPostOrderRejections(t *testing.T) {
	cases := map[string]struct {
		status int
		body   string
		reason string
	}{
		"bad request":   {http.StatusBadRequest, `{"error":"not enough balance / allowance"}`, "not enough balance / allowance"},
		"not a success": {http.StatusOK, `{"success":false,"errorMsg":"order crosses book"}`, "order crosses book"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv, testCreds).PostOrder(context.Background(), testSignedOrder())
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrOrderRejected)
			var rej *domain.OrderRejectedError
			require.ErrorAs(t, err, &rej)
			assert.Equal(t, tc.reason, rej.Reason)
		})
	}
}

func TestPostOrderWithoutCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv, domain.APICreds{}).PostOrder(context.Background(), testSignedOrder())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestHTTPStatusMapping(t *testing.T) {
	for status, want := range map[int]error{
		http.StatusNotFound:        domain.ErrNotFound,
		http.StatusUnauthorized:    domain.ErrUnauthorized,
		http.StatusTooManyRequests: domain.ErrRateLimited,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		_, err := newTestClient(t, srv, testCreds).TickSize(context.Background(), "1")
		assert.ErrorIs(t, err, want)
		srv.Close()
	}
}

func TestMarketMetadata(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "777", r.URL.Query().Get("token_id"))
		switch r.URL.Path {
		case "/book":
			_, _ = w.Write([]byte(`{
				"market": "0xcond", "asset_id": "777",
				"bids": [{"price": "0.48", "size": "100"}, {"price": "0.50", "size": "20"}],
				"asks": [{"price": "0.55", "size": "40"}, {"price": "0.52", "size": "10"}],
				"hash": "0xh", "timestamp": "1700000000000", "min_order_size": "5"
			}`))
		case "/tick-size":
			_, _ = w.Write([]byte(`{"minimum_tick_size": 0.01}`))
		case "/neg-risk":
			_, _ = w.Write([]byte(`{"neg_risk": true}`))
		case "/fee-rate":
			_, _ = w.Write([]byte(`{"base_fee": 0}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	meta, err := newTestClient(t, srv, domain.APICreds{}).MarketMetadata(context.Background(), "777")
	require.NoError(t, err)
	assert.Equal(t, domain.TickSize001, meta.TickSize)
	assert.True(t, meta.NegRisk)
	assert.Equal(t, "0xcond", meta.ConditionID)
	assert.True(t, meta.MinOrderSize.Equal(decimal.NewFromInt(5)))
	require.NotNil(t, meta.Book)
	bid, ok := meta.Book.BestBid()
	require.True(t, ok)
	assert.True(t, bid.Price.Equal(decimal.RequireFromString("0.50")))
	ask, ok := meta.Book.BestAsk()
	require.True(t, ok)
	assert.True(t, ask.Price.Equal(decimal.RequireFromString("0.52")))
}

func TestCreateOrDeriveFallsBackToDerive(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		assert.NotEmpty(t, r.Header.Get(crypto.HeaderSignature))
		assert.Equal(t, "3", r.Header.Get(crypto.HeaderNonce))
		if r.URL.Path == "/auth/api-key" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"key exists"}`))
			return
		}
		_, _ = w.Write([]byte(`{"apiKey":"derived","secret":"c2VjcmV0","passphrase":"pp"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, domain.APICreds{})
	creds, err := c.CreateOrDeriveAPIKey(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, "derived", creds.Key)
	assert.Equal(t, []string{"POST /auth/api-key", "GET /auth/derive-api-key"}, paths)

	got, ok := c.Creds()
	require.True(t, ok)
	assert.Equal(t, creds, got)
}

func TestCancelOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["orderID"] == "ok" {
			_, _ = w.Write([]byte(`{"canceled":["ok"],"not_canceled":{}}`))
			return
		}
		_, _ = w.Write([]byte(`{"canceled":[],"not_canceled":{"gone":"order not found"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, testCreds)
	assert.NoError(t, c.CancelOrder(context.Background(), "ok"))
	assert.ErrorContains(t, c.CancelOrder(context.Background(), "gone"), "order not found")
}

func TestCancelAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/cancel-all", r.URL.Path)
		assert.Equal(t, "key-1", r.Header.Get(crypto.HeaderAPIKey))
		_, _ = w.Write([]byte(`{"canceled":["a","b"],"not_canceled":{}}`))
	}))
	defer srv.Close()

	ids, err := newTestClient(t, srv, testCreds).CancelAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestGammaGetMarket(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/42", r.URL.Path)
		_, _ = w.Write([]byte(`{
			"id": "42", "question": "Will it rain?", "conditionId": "0xcond", "slug": "rain",
			"active": "true", "closed": false, "outcomes": "[\"Yes\",\"No\"]",
			"clobTokenIds": "[\"111\",\"222\"]", "negRisk": false,
			"orderPriceMinTickSize": 0.001, "orderMinSize": 5,
			"endDate": "2026-12-31T00:00:00Z"
		}`))
	}))
	defer srv.Close()

	m, err := NewGammaClient(srv.URL).GetMarket(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "0xcond", m.ConditionID)
	assert.Equal(t, []string{"111", "222"}, m.TokenIDs)
	assert.Equal(t, []string{"Yes", "No"}, m.Outcomes)
	assert.True(t, m.Active)
	assert.Equal(t, domain.TickSize0001, m.TickSize)
	assert.True(t, m.MinSize.Equal(decimal.NewFromInt(5)))
	require.NotNil(t, m.EndDate)
}
