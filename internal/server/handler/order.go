package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	BuildAndSign(ctx context.Context, req domain.OrderRequest) (domain.SignedOrder, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.SignedOrder, domain.OrderAck, error)
	CancelOrder(ctx context.Context, orderID string) error
	CancelAll(ctx context.Context) ([]string, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	store  domain.OrderStore // optional; enables listing
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler. store may be nil.
func NewOrderHandler(orders OrderService, store domain.OrderStore, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		store:  store,
		logger: logHandler(logger, "orders"),
	}
}

// orderRequest is the JSON body accepted by the place and sign endpoints.
type orderRequest struct {
	TokenID      string              `json:"token_id"`
	Side         string              `json:"side"`
	Kind         domain.OrderKind    `json:"kind"`
	Price        decimal.Decimal     `json:"price"`
	Size         decimal.Decimal     `json:"size"`
	Denomination domain.Denomination `json:"denomination"`
	OrderType    domain.OrderType    `json:"order_type"`
	Expiration   *time.Time          `json:"expiration,omitempty"`
	FeeRateBps   uint64              `json:"fee_rate_bps"`
	Nonce        uint64              `json:"nonce"`
}

func (o orderRequest) domain(side domain.Side) domain.OrderRequest {
	kind := o.Kind
	if kind == "" {
		kind = domain.OrderKindLimit
	}
	return domain.OrderRequest{
		TokenID:      o.TokenID,
		Side:         side,
		Kind:         kind,
		Price:        o.Price,
		Size:         o.Size,
		Denomination: o.Denomination,
		OrderType:    o.OrderType,
		Expiration:   o.Expiration,
		FeeRateBps:   o.FeeRateBps,
		Nonce:        o.Nonce,
	}
}

// signedOrderResponse is the wire form of a signed order, matching the
// exchange's field names.
type signedOrderResponse struct {
	Hash          string `json:"hash"`
	Salt          uint64 `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
	OrderType     string `json:"orderType"`
	NegRisk       bool   `json:"negRisk"`
}

func newSignedOrderResponse(o domain.SignedOrder) signedOrderResponse {
	return signedOrderResponse{
		Hash:          o.Hash.Hex(),
		Salt:          o.Salt,
		Maker:         o.Maker.Hex(),
		Signer:        o.Signer.Hex(),
		Taker:         o.Taker.Hex(),
		TokenID:       o.TokenID.String(),
		MakerAmount:   o.MakerAmount.String(),
		TakerAmount:   o.TakerAmount.String(),
		Expiration:    strconv.FormatUint(o.Expiration, 10),
		Nonce:         strconv.FormatUint(o.Nonce, 10),
		FeeRateBps:    strconv.FormatUint(o.FeeRateBps, 10),
		Side:          o.Side.String(),
		SignatureType: int(o.SignatureType),
		Signature:     o.SignatureHex(),
		OrderType:     string(o.OrderType),
		NegRisk:       o.NegRisk,
	}
}

type ackResponse struct {
	OrderID      string   `json:"order_id"`
	Status       string   `json:"status"`
	MakingAmount string   `json:"making_amount,omitempty"`
	TakingAmount string   `json:"taking_amount,omitempty"`
	TxHashes     []string `json:"tx_hashes,omitempty"`
}

type placeOrderResponse struct {
	Order signedOrderResponse `json:"order"`
	Ack   ackResponse         `json:"ack"`
}

type orderRecordResponse struct {
	Hash        string    `json:"hash"`
	OrderID     string    `json:"order_id,omitempty"`
	TokenID     string    `json:"token_id"`
	Side        string    `json:"side"`
	OrderType   string    `json:"order_type"`
	Maker       string    `json:"maker"`
	MakerAmount string    `json:"maker_amount"`
	TakerAmount string    `json:"taker_amount"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func newOrderRecordResponse(rec domain.OrderRecord) orderRecordResponse {
	return orderRecordResponse{
		Hash:        rec.Hash,
		OrderID:     rec.OrderID,
		TokenID:     rec.TokenID,
		Side:        rec.Side.String(),
		OrderType:   string(rec.OrderType),
		Maker:       rec.Maker,
		MakerAmount: rec.MakerAmount.String(),
		TakerAmount: rec.TakerAmount.String(),
		Status:      string(rec.Status),
		Reason:      rec.Reason,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

func (h *OrderHandler) readRequest(w http.ResponseWriter, r *http.Request) (domain.OrderRequest, bool) {
	var body orderRequest
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return domain.OrderRequest{}, false
	}
	if body.TokenID == "" {
		writeError(w, http.StatusBadRequest, "token_id is required")
		return domain.OrderRequest{}, false
	}
	side, err := domain.ParseSide(body.Side)
	if err != nil {
		writeError(w, http.StatusBadRequest, "side must be BUY or SELL")
		return domain.OrderRequest{}, false
	}
	return body.domain(side), true
}

// SignOrder builds and signs an order without submitting it.
// POST /api/orders/sign
func (h *OrderHandler) SignOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	signed, err := h.orders.BuildAndSign(r.Context(), req)
	if err != nil {
		h.fail(w, r, "sign order", err)
		return
	}
	writeJSON(w, http.StatusCreated, newSignedOrderResponse(signed))
}

// PlaceOrder builds, signs and submits an order.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	req, ok := h.readRequest(w, r)
	if !ok {
		return
	}

	signed, ack, err := h.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		h.fail(w, r, "place order", err)
		return
	}

	writeJSON(w, http.StatusCreated, placeOrderResponse{
		Order: newSignedOrderResponse(signed),
		Ack: ackResponse{
			OrderID:      ack.OrderID,
			Status:       string(ack.Status),
			MakingAmount: ack.MakingAmount,
			TakingAmount: ack.TakingAmount,
			TxHashes:     ack.TxHashes,
		},
	})
}

// CancelOrder cancels an existing order by its exchange ID.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	if err := h.orders.CancelOrder(r.Context(), id); err != nil {
		h.fail(w, r, "cancel order", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancelled",
		"order_id": id,
	})
}

// CancelAll cancels every open order of the wallet.
// DELETE /api/orders
func (h *OrderHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	ids, err := h.orders.CancelAll(r.Context())
	if err != nil {
		h.fail(w, r, "cancel all orders", err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "cancelled",
		"order_ids": ids,
	})
}

// ListOrders returns recorded orders, newest first.
// GET /api/orders?limit=50&offset=0
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "order persistence is disabled")
		return
	}
	recs, err := h.store.List(r.Context(), parseListOpts(r))
	if err != nil {
		h.fail(w, r, "list orders", err)
		return
	}
	out := make([]orderRecordResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newOrderRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

// GetOrder returns one recorded order by its hash.
// GET /api/orders/{hash}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "order persistence is disabled")
		return
	}
	rec, err := h.store.GetByHash(r.Context(), r.PathValue("hash"))
	if err != nil {
		h.fail(w, r, "get order", err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderRecordResponse(rec))
}

func (h *OrderHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
		writeError(w, status, "failed to "+op)
		return
	}
	var rej *domain.OrderRejectedError
	if errors.As(err, &rej) {
		writeError(w, status, rej.Reason)
		return
	}
	writeError(w, status, err.Error())
}
