package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// MarketService resolves gamma markets.
type MarketService interface {
	Market(ctx context.Context, id string) (domain.Market, error)
}

// MetadataService resolves the parameters an order for a token is built
// against.
type MetadataService interface {
	Metadata(ctx context.Context, tokenID string, withBook bool) (domain.MarketMetadata, error)
}

// MarketHandler serves market and token lookups.
type MarketHandler struct {
	markets  MarketService
	metadata MetadataService
	logger   *slog.Logger
}

// NewMarketHandler creates a MarketHandler.
func NewMarketHandler(markets MarketService, metadata MetadataService, logger *slog.Logger) *MarketHandler {
	return &MarketHandler{markets: markets, metadata: metadata, logger: logHandler(logger, "markets")}
}

type levelResponse struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

type bookResponse struct {
	Market string          `json:"market"`
	Bids   []levelResponse `json:"bids"`
	Asks   []levelResponse `json:"asks"`
	Hash   string          `json:"hash,omitempty"`
}

func levels(in []domain.PriceLevel) []levelResponse {
	out := make([]levelResponse, 0, len(in))
	for _, l := range in {
		out = append(out, levelResponse{Price: l.Price.String(), Size: l.Size.String()})
	}
	return out
}

// GetMarket returns a gamma market by its ID.
// GET /api/markets/{id}
func (h *MarketHandler) GetMarket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	m, err := h.markets.Market(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get market", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           m.ID,
		"question":     m.Question,
		"slug":         m.Slug,
		"condition_id": m.ConditionID,
		"outcomes":     m.Outcomes,
		"token_ids":    m.TokenIDs,
		"neg_risk":     m.NegRisk,
		"active":       m.Active,
		"closed":       m.Closed,
		"tick_size":    string(m.TickSize),
		"min_size":     m.MinSize.String(),
		"end_date":     m.EndDate,
	})
}

// GetMetadata returns the tick size, fee and neg-risk flag for a token.
// GET /api/tokens/{id}/metadata?book=true
func (h *MarketHandler) GetMetadata(w http.ResponseWriter, r *http.Request) {
	tokenID := r.PathValue("id")
	withBook := r.URL.Query().Get("book") == "true"

	meta, err := h.metadata.Metadata(r.Context(), tokenID, withBook)
	if err != nil {
		h.fail(w, r, "get metadata", err)
		return
	}

	resp := map[string]any{
		"token_id":       meta.TokenID,
		"condition_id":   meta.ConditionID,
		"tick_size":      string(meta.TickSize),
		"min_order_size": meta.MinOrderSize.String(),
		"neg_risk":       meta.NegRisk,
		"fee_rate_bps":   meta.FeeRateBps,
	}
	if meta.Book != nil {
		resp["book"] = bookResponse{
			Market: meta.Book.Market,
			Bids:   levels(meta.Book.Bids),
			Asks:   levels(meta.Book.Asks),
			Hash:   meta.Book.Hash,
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *MarketHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), op+" failed", slog.String("error", err.Error()))
		writeError(w, status, "failed to "+op)
		return
	}
	writeError(w, status, err.Error())
}
