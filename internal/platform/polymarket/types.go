package polymarket

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/numeric"
)

// flexBool unmarshals from JSON bool or string ("true"/"false") so Gamma API
// responses work whether "active" is sent as bool or string.
type flexBool bool

func (f *flexBool) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = flexBool(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexBool(strings.EqualFold(s, "true") || s == "1")
	return nil
}

// flexString accepts a JSON string or number and keeps its text.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexString(v)
		return nil
	}
	*f = flexString(s)
	return nil
}

// --------------------------------------------------------------------------
// CLOB API DTOs
// --------------------------------------------------------------------------

// APIOrder is the signed order as the CLOB expects it on POST /order.
type APIOrder struct {
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
	Side          string `json:"side"` // "BUY" or "SELL"
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// APIPostOrder is the POST /order request body.
type APIPostOrder struct {
	Order     APIOrder `json:"order"`
	Owner     string   `json:"owner"`
	OrderType string   `json:"orderType"`
}

// NewAPIPostOrder converts a signed order into the submission payload.
func NewAPIPostOrder(o domain.SignedOrder, owner string) APIPostOrder {
	orderType := o.OrderType
	if orderType == "" {
		orderType = domain.OrderTypeGTC
	}
	return APIPostOrder{
		Order: APIOrder{
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
		},
		Owner:     owner,
		OrderType: string(orderType),
	}
}

// APIOrderResult is the response from placing an order via the CLOB API.
type APIOrderResult struct {
	Success      bool     `json:"success"`
	ErrorMsg     string   `json:"errorMsg,omitempty"`
	OrderID      string   `json:"orderID,omitempty"`
	Status       string   `json:"status,omitempty"`
	MakingAmount string   `json:"makingAmount,omitempty"`
	TakingAmount string   `json:"takingAmount,omitempty"`
	TxHashes     []string `json:"transactionsHashes,omitempty"`
}

// ToDomainOrderAck converts the API result to a domain.OrderAck.
func (r *APIOrderResult) ToDomainOrderAck() domain.OrderAck {
	ack := domain.OrderAck{
		Success:      r.Success,
		OrderID:      r.OrderID,
		ErrorMsg:     r.ErrorMsg,
		MakingAmount: r.MakingAmount,
		TakingAmount: r.TakingAmount,
		TxHashes:     r.TxHashes,
	}
	switch strings.ToLower(r.Status) {
	case "live":
		ack.Status = domain.OrderStatusLive
	case "matched":
		ack.Status = domain.OrderStatusMatched
	case "delayed":
		ack.Status = domain.OrderStatusDelayed
	case "unmatched":
		ack.Status = domain.OrderStatusUnmatched
	default:
		if r.Success {
			ack.Status = domain.OrderStatusLive
		} else {
			ack.Status = domain.OrderStatusRejected
		}
	}
	return ack
}

// APICancelResult is returned by the cancel endpoints.
type APICancelResult struct {
	Canceled    []string          `json:"canceled"`
	NotCanceled map[string]string `json:"not_canceled"`
}

// APIError is the body of a non-2xx CLOB response.
type APIError struct {
	Error string `json:"error"`
}

// APICreds is the response from the api-key endpoints.
type APICreds struct {
	APIKey     string `json:"apiKey"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// ToDomain converts to domain.APICreds.
func (c APICreds) ToDomain() domain.APICreds {
	return domain.APICreds{Key: c.APIKey, Secret: c.Secret, Passphrase: c.Passphrase}
}

// APIPriceLevel is one level of a REST orderbook.
type APIPriceLevel struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// APIOrderBook is the GET /book response.
type APIOrderBook struct {
	Market       string          `json:"market"`
	AssetID      string          `json:"asset_id"`
	Bids         []APIPriceLevel `json:"bids"`
	Asks         []APIPriceLevel `json:"asks"`
	Hash         string          `json:"hash"`
	Timestamp    flexString      `json:"timestamp"`
	MinOrderSize flexString      `json:"min_order_size"`
	TickSize     flexString      `json:"tick_size"`
	NegRisk      bool            `json:"neg_risk"`
}

// ToDomainSnapshot converts the book, sorting levels best first.
func (b *APIOrderBook) ToDomainSnapshot() (domain.OrderbookSnapshot, error) {
	bids, err := toLevels(b.Bids)
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := toLevels(b.Asks)
	if err != nil {
		return domain.OrderbookSnapshot{}, fmt.Errorf("asks: %w", err)
	}
	sortLevels(bids, true)
	sortLevels(asks, false)

	snap := domain.OrderbookSnapshot{
		AssetID: b.AssetID,
		Market:  b.Market,
		Bids:    bids,
		Asks:    asks,
		Hash:    b.Hash,
	}
	if ms, err := strconv.ParseInt(string(b.Timestamp), 10, 64); err == nil {
		snap.Timestamp = time.UnixMilli(ms).UTC()
	}
	return snap, nil
}

func toLevels(in []APIPriceLevel) ([]domain.PriceLevel, error) {
	out := make([]domain.PriceLevel, 0, len(in))
	for _, l := range in {
		p, err := numeric.Parse(l.Price)
		if err != nil {
			return nil, err
		}
		s, err := numeric.Parse(l.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.PriceLevel{Price: p, Size: s})
	}
	return out, nil
}

func sortLevels(lv []domain.PriceLevel, desc bool) {
	slices.SortStableFunc(lv, func(a, b domain.PriceLevel) int {
		if desc {
			return b.Price.Cmp(a.Price)
		}
		return a.Price.Cmp(b.Price)
	})
}

// APITickSize is the GET /tick-size response.
type APITickSize struct {
	MinimumTickSize flexString `json:"minimum_tick_size"`
}

// APINegRisk is the GET /neg-risk response.
type APINegRisk struct {
	NegRisk bool `json:"neg_risk"`
}

// APIFeeRate is the GET /fee-rate response.
type APIFeeRate struct {
	BaseFee flexString `json:"base_fee"`
}

// --------------------------------------------------------------------------
// Gamma API DTOs
// --------------------------------------------------------------------------

// APIMarket represents a market as returned by the Polymarket Gamma API.
// Outcomes and token IDs arrive as JSON-encoded strings.
type APIMarket struct {
	ID            string     `json:"id"`
	Question      string     `json:"question"`
	ConditionID   string     `json:"conditionId"`
	Slug          string     `json:"slug"`
	Active        flexBool   `json:"active"`
	Closed        flexBool   `json:"closed"`
	Outcomes      string     `json:"outcomes"`
	ClobTokenIDs  string     `json:"clobTokenIds"`
	NegRisk       bool       `json:"negRisk"`
	EndDate       string     `json:"endDate"`
	TickSize      flexString `json:"orderPriceMinTickSize"`
	MinOrderSize  flexString `json:"orderMinSize"`
	Volume        flexString `json:"volume"`
	OutcomePrices string     `json:"outcomePrices"`
}

// ToDomainMarket converts an APIMarket to a domain.Market.
func (m *APIMarket) ToDomainMarket() domain.Market {
	dm := domain.Market{
		ID:          m.ID,
		Question:    m.Question,
		Slug:        m.Slug,
		ConditionID: m.ConditionID,
		NegRisk:     m.NegRisk,
		Active:      bool(m.Active),
		Closed:      bool(m.Closed),
		Outcomes:    decodeStringList(m.Outcomes),
		TokenIDs:    decodeStringList(m.ClobTokenIDs),
		MinSize:     numeric.ParseOrZero(string(m.MinOrderSize)),
	}
	if m.TickSize != "" {
		if ts, err := domain.ParseTickSize(string(m.TickSize)); err == nil {
			dm.TickSize = ts
		}
	}
	if m.EndDate != "" {
		if t, err := time.Parse(time.RFC3339, m.EndDate); err == nil {
			dm.EndDate = &t
		}
	}
	return dm
}

func decodeStringList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func parseDecimal(s flexString) (decimal.Decimal, error) {
	return numeric.Parse(string(s))
}
