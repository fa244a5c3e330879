package polymarket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/alanyoungcy/polyclob/internal/crypto"
	"github.com/alanyoungcy/polyclob/internal/domain"
)

// ClobConfig configures a ClobClient.
type ClobConfig struct {
	BaseURL           string        // e.g. "https://clob.polymarket.com"
	Timeout           time.Duration // per request
	RequestsPerSecond float64
	Burst             int
}

// ClobClient is the REST client for the Polymarket CLOB (Central Limit
// Order Book) API. It submits and cancels orders, reads market parameters
// and manages L2 API credentials.
type ClobClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	signer     *crypto.Signer
	logger     *slog.Logger

	mu   sync.RWMutex
	auth *crypto.HMACAuth
}

// NewClobClient creates a new CLOB REST client. creds may be empty, in
// which case CreateOrDeriveAPIKey must be called before authenticated
// requests.
func NewClobClient(cfg ClobConfig, signer *crypto.Signer, creds domain.APICreds, logger *slog.Logger) *ClobClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &ClobClient{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		signer:     signer,
		logger:     logger.With(slog.String("component", "clob")),
	}
	if !creds.Empty() && signer != nil {
		c.auth = crypto.NewHMACAuth(creds, signer.Address())
	}
	return c
}

// Creds returns the L2 credentials in use, if any.
func (c *ClobClient) Creds() (domain.APICreds, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.auth == nil {
		return domain.APICreds{}, false
	}
	return c.auth.Creds(), true
}

// PostOrder submits a signed order. A response the exchange marks as
// unsuccessful, or a 4xx rejection, is returned as *domain.OrderRejectedError.
func (c *ClobClient) PostOrder(ctx context.Context, order domain.SignedOrder) (domain.OrderAck, error) {
	creds, ok := c.Creds()
	if !ok {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: post order: %w: no api credentials", domain.ErrUnauthorized)
	}
	owner := order.Owner
	if owner == "" {
		owner = creds.Key
	}

	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodPost, "/order", nil, NewAPIPostOrder(order, owner))
	if err != nil {
		var apiErr *HTTPError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusBadRequest {
			return domain.OrderAck{}, &domain.OrderRejectedError{
				OrderHash: order.Hash.Hex(),
				Status:    apiErr.Status,
				Reason:    apiErr.Message,
			}
		}
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: post order: %w", err)
	}

	var apiResult APIOrderResult
	if err := json.Unmarshal(respBody, &apiResult); err != nil {
		return domain.OrderAck{}, fmt.Errorf("polymarket/clob: decode order result: %w", err)
	}

	ack := apiResult.ToDomainOrderAck()
	if !ack.Success {
		return ack, &domain.OrderRejectedError{
			OrderHash: order.Hash.Hex(),
			Status:    http.StatusOK,
			Reason:    ack.ErrorMsg,
		}
	}
	c.logger.InfoContext(ctx, "order accepted",
		slog.String("hash", order.Hash.Hex()),
		slog.String("order_id", ack.OrderID),
		slog.String("status", string(ack.Status)),
	)
	return ack, nil
}

// CancelOrder cancels a single order by its exchange ID.
func (c *ClobClient) CancelOrder(ctx context.Context, orderID string) error {
	body := map[string]any{"orderID": orderID}
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/order", nil, body)
	if err != nil {
		return fmt.Errorf("polymarket/clob: cancel order %s: %w", orderID, err)
	}

	var result APICancelResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("polymarket/clob: decode cancel response: %w", err)
	}
	if reason, ok := result.NotCanceled[orderID]; ok {
		return fmt.Errorf("polymarket/clob: cancel failed: %s", reason)
	}
	return nil
}

// CancelAll cancels all open orders for the authenticated wallet and
// returns the IDs the exchange cancelled.
func (c *ClobClient) CancelAll(ctx context.Context) ([]string, error) {
	respBody, err := c.doAuthenticatedRequest(ctx, http.MethodDelete, "/cancel-all", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("polymarket/clob: cancel all: %w", err)
	}

	var result APICancelResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("polymarket/clob: decode cancel-all response: %w", err)
	}
	return result.Canceled, nil
}

// GetOrderBook returns the current book for a token, best levels first.
func (c *ClobClient) GetOrderBook(ctx context.Context, tokenID string) (domain.OrderbookSnapshot, error) {
	book, err := c.getBook(ctx, tokenID)
	if err != nil {
		return domain.OrderbookSnapshot{}, err
	}
	snap, err := book.ToDomainSnapshot()
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("polymarket/clob: book %s: %w", tokenID, err)
	}
	return snap, nil
}

// TickSize returns the token's minimum price increment.
func (c *ClobClient) TickSize(ctx context.Context, tokenID string) (domain.TickSize, error) {
	var resp APITickSize
	if err := c.getJSON(ctx, "/tick-size", tokenQuery(tokenID), &resp); err != nil {
		return "", fmt.Errorf("polymarket/clob: tick size %s: %w", tokenID, err)
	}
	ts, err := domain.ParseTickSize(string(resp.MinimumTickSize))
	if err != nil {
		return "", fmt.Errorf("polymarket/clob: tick size %s: %w", tokenID, err)
	}
	return ts, nil
}

// NegRisk reports whether the token trades on the neg-risk exchange.
func (c *ClobClient) NegRisk(ctx context.Context, tokenID string) (bool, error) {
	var resp APINegRisk
	if err := c.getJSON(ctx, "/neg-risk", tokenQuery(tokenID), &resp); err != nil {
		return false, fmt.Errorf("polymarket/clob: neg risk %s: %w", tokenID, err)
	}
	return resp.NegRisk, nil
}

// FeeRateBps returns the token's base fee in basis points.
func (c *ClobClient) FeeRateBps(ctx context.Context, tokenID string) (uint64, error) {
	var resp APIFeeRate
	if err := c.getJSON(ctx, "/fee-rate", tokenQuery(tokenID), &resp); err != nil {
		return 0, fmt.Errorf("polymarket/clob: fee rate %s: %w", tokenID, err)
	}
	if resp.BaseFee == "" {
		return 0, nil
	}
	fee, err := strconv.ParseUint(string(resp.BaseFee), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("polymarket/clob: fee rate %s: %w", tokenID, err)
	}
	return fee, nil
}

// MarketMetadata gathers everything the order builder needs for a token:
// tick size, neg-risk flag, fee rate, minimum size and the current book.
func (c *ClobClient) MarketMetadata(ctx context.Context, tokenID string) (domain.MarketMetadata, error) {
	book, err := c.getBook(ctx, tokenID)
	if err != nil {
		return domain.MarketMetadata{}, err
	}
	snap, err := book.ToDomainSnapshot()
	if err != nil {
		return domain.MarketMetadata{}, fmt.Errorf("polymarket/clob: book %s: %w", tokenID, err)
	}

	meta := domain.MarketMetadata{
		TokenID:     tokenID,
		ConditionID: book.Market,
		NegRisk:     book.NegRisk,
		Book:        &snap,
	}
	if book.MinOrderSize != "" {
		if meta.MinOrderSize, err = parseDecimal(book.MinOrderSize); err != nil {
			return domain.MarketMetadata{}, fmt.Errorf("polymarket/clob: min order size %s: %w", tokenID, err)
		}
	}

	// older deployments omit tick size and neg risk from the book
	if book.TickSize != "" {
		if meta.TickSize, err = domain.ParseTickSize(string(book.TickSize)); err != nil {
			return domain.MarketMetadata{}, fmt.Errorf("polymarket/clob: book %s: %w", tokenID, err)
		}
	} else {
		if meta.TickSize, err = c.TickSize(ctx, tokenID); err != nil {
			return domain.MarketMetadata{}, err
		}
		if meta.NegRisk, err = c.NegRisk(ctx, tokenID); err != nil {
			return domain.MarketMetadata{}, err
		}
	}
	if meta.FeeRateBps, err = c.FeeRateBps(ctx, tokenID); err != nil {
		return domain.MarketMetadata{}, err
	}
	return meta, nil
}

// CreateOrDeriveAPIKey obtains L2 credentials for the signer's wallet. It
// first tries to create a key and falls back to deriving the existing one.
// On success the client uses the credentials for later requests.
func (c *ClobClient) CreateOrDeriveAPIKey(ctx context.Context, nonce uint64) (domain.APICreds, error) {
	if c.signer == nil {
		return domain.APICreds{}, fmt.Errorf("polymarket/clob: %w: no signer", domain.ErrUnauthorized)
	}

	creds, err := c.l1Request(ctx, http.MethodPost, "/auth/api-key", nonce)
	if err != nil {
		c.logger.DebugContext(ctx, "create api key failed, deriving", slog.String("error", err.Error()))
		creds, err = c.l1Request(ctx, http.MethodGet, "/auth/derive-api-key", nonce)
		if err != nil {
			return domain.APICreds{}, fmt.Errorf("polymarket/clob: derive api key: %w", err)
		}
	}

	c.mu.Lock()
	c.auth = crypto.NewHMACAuth(creds, c.signer.Address())
	c.mu.Unlock()
	c.logger.InfoContext(ctx, "api credentials ready", slog.String("address", c.signer.Address().Hex()))
	return creds, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func tokenQuery(tokenID string) url.Values {
	return url.Values{"token_id": []string{tokenID}}
}

func (c *ClobClient) getBook(ctx context.Context, tokenID string) (APIOrderBook, error) {
	var book APIOrderBook
	if err := c.getJSON(ctx, "/book", tokenQuery(tokenID), &book); err != nil {
		return APIOrderBook{}, fmt.Errorf("polymarket/clob: book %s: %w", tokenID, err)
	}
	return book, nil
}

func (c *ClobClient) l1Request(ctx context.Context, method, path string, nonce uint64) (domain.APICreds, error) {
	headers, err := crypto.L1Headers(c.signer, crypto.AuthChallenge{
		Timestamp: time.Now().Unix(),
		Nonce:     nonce,
	})
	if err != nil {
		return domain.APICreds{}, err
	}
	respBody, err := c.do(ctx, method, path, nil, nil, headers)
	if err != nil {
		return domain.APICreds{}, err
	}
	var resp APICreds
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return domain.APICreds{}, fmt.Errorf("decode credentials: %w", err)
	}
	creds := resp.ToDomain()
	if creds.Key == "" || creds.Secret == "" {
		return domain.APICreds{}, fmt.Errorf("%w: empty credentials", domain.ErrUnauthorized)
	}
	return creds, nil
}

func (c *ClobClient) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	respBody, err := c.do(ctx, http.MethodGet, path, query, nil, nil)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// doAuthenticatedRequest signs the request with L2 HMAC headers. The
// signature covers the path without its query and the exact body sent.
func (c *ClobClient) doAuthenticatedRequest(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	c.mu.RLock()
	auth := c.auth
	c.mu.RUnlock()
	if auth == nil {
		return nil, fmt.Errorf("%w: no api credentials", domain.ErrUnauthorized)
	}

	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}
	headers, err := auth.L2Headers(method, path, string(payload))
	if err != nil {
		return nil, err
	}
	return c.do(ctx, method, path, query, payload, headers)
}

// do paces, sends and reads one request.
func (c *ClobClient) do(ctx context.Context, method, path string, query url.Values, payload []byte, headers http.Header) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if err := checkHTTPStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return respBody, nil
}

// HTTPError is a non-2xx response. It unwraps to the matching domain
// sentinel where one exists.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

func (e *HTTPError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	case http.StatusTooManyRequests:
		return domain.ErrRateLimited
	}
	return nil
}

// checkHTTPStatus maps non-2xx status codes to appropriate domain errors.
func checkHTTPStatus(statusCode int, body []byte) error {
	if statusCode >= 200 && statusCode < 300 {
		return nil
	}
	msg := string(body)
	var apiErr APIError
	if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
		msg = apiErr.Error
	}
	return &HTTPError{Status: statusCode, Message: msg}
}
