package domain

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Side indicates whether this is a buy or sell. The numeric value is the
// uint8 carried in the signed payload.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return fmt.Sprintf("Side(%d)", uint8(s))
	}
}

// MarshalText encodes the side as "BUY" or "SELL".
func (s Side) MarshalText() ([]byte, error) {
	if s != SideBuy && s != SideSell {
		return nil, fmt.Errorf("domain: unknown side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText accepts "BUY"/"SELL" in any case.
func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSide parses "buy" or "sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	default:
		return 0, fmt.Errorf("domain: unknown side %q", s)
	}
}

// OrderKind distinguishes resting limit orders from immediate market orders.
type OrderKind string

const (
	OrderKindLimit  OrderKind = "limit"
	OrderKindMarket OrderKind = "market"
)

// Denomination is the unit the request size is expressed in. Base is the
// collateral (USDC); Shares is outcome tokens.
type Denomination string

const (
	DenominationBase   Denomination = "base"
	DenominationShares Denomination = "shares"
)

// OrderType indicates the time-in-force policy.
type OrderType string

const (
	OrderTypeGTC OrderType = "GTC" // Good-Till-Cancelled
	OrderTypeGTD OrderType = "GTD" // Good-Till-Date
	OrderTypeFOK OrderType = "FOK" // Fill-Or-Kill
	OrderTypeFAK OrderType = "FAK" // Fill-And-Kill
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeGTC, OrderTypeGTD, OrderTypeFOK, OrderTypeFAK:
		return true
	}
	return false
}

// SignatureType selects how the maker and signer addresses relate.
type SignatureType uint8

const (
	SignatureEOA            SignatureType = 0
	SignaturePolyProxy      SignatureType = 1
	SignaturePolyGnosisSafe SignatureType = 2
)

func (t SignatureType) String() string {
	switch t {
	case SignatureEOA:
		return "EOA"
	case SignaturePolyProxy:
		return "POLY_PROXY"
	case SignaturePolyGnosisSafe:
		return "POLY_GNOSIS_SAFE"
	default:
		return fmt.Sprintf("SignatureType(%d)", uint8(t))
	}
}

// ParseSignatureType accepts the names above or their numeric values.
func ParseSignatureType(s string) (SignatureType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "EOA", "0":
		return SignatureEOA, nil
	case "POLY_PROXY", "PROXY", "1":
		return SignaturePolyProxy, nil
	case "POLY_GNOSIS_SAFE", "GNOSIS_SAFE", "SAFE", "2":
		return SignaturePolyGnosisSafe, nil
	default:
		return 0, fmt.Errorf("domain: unknown signature type %q", s)
	}
}

// OrderRequest is the caller's intent before rounding and signing.
type OrderRequest struct {
	TokenID      string
	Side         Side
	Kind         OrderKind
	Price        decimal.Decimal // limit price; worst acceptable price for market orders
	Size         decimal.Decimal
	Denomination Denomination
	OrderType    OrderType
	Expiration   *time.Time // required for GTD, forbidden otherwise
	FeeRateBps   uint64
	Nonce        uint64
}

// UnsignedOrder is the exchange order struct before signing. Amounts are
// 6-decimal fixed point.
type UnsignedOrder struct {
	Salt          uint64
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    uint64
	Nonce         uint64
	FeeRateBps    uint64
	Side          Side
	SignatureType SignatureType
	NegRisk       bool
	OrderType     OrderType
}

// Clone returns a copy that shares no big.Int with o.
func (o UnsignedOrder) Clone() UnsignedOrder {
	c := o
	c.TokenID = cloneInt(o.TokenID)
	c.MakerAmount = cloneInt(o.MakerAmount)
	c.TakerAmount = cloneInt(o.TakerAmount)
	return c
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

// SignedOrder is an UnsignedOrder plus its 65-byte EIP-712 signature.
type SignedOrder struct {
	UnsignedOrder
	Signature []byte
	Hash      common.Hash // EIP-712 digest, the order's identity
	Owner     string      // API key that owns the order on the exchange
}

// SignatureHex returns the 0x-prefixed signature.
func (o SignedOrder) SignatureHex() string {
	return "0x" + common.Bytes2Hex(o.Signature)
}

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusSigned    OrderStatus = "signed"
	OrderStatusLive      OrderStatus = "live"
	OrderStatusMatched   OrderStatus = "matched"
	OrderStatusDelayed   OrderStatus = "delayed"
	OrderStatusUnmatched OrderStatus = "unmatched"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// OrderAck is the exchange's response to a submission.
type OrderAck struct {
	Success      bool
	OrderID      string
	Status       OrderStatus
	ErrorMsg     string
	MakingAmount string
	TakingAmount string
	TxHashes     []string
}

// OrderRecord is a persisted signed order and its latest known status.
type OrderRecord struct {
	Hash        string
	OrderID     string
	TokenID     string
	Side        Side
	OrderType   OrderType
	Maker       string
	Signer      string
	MakerAmount *big.Int
	TakerAmount *big.Int
	Salt        uint64
	Signature   string
	Status      OrderStatus
	Reason      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewOrderRecord captures a signed order for persistence.
func NewOrderRecord(o SignedOrder, now time.Time) OrderRecord {
	tokenID := ""
	if o.TokenID != nil {
		tokenID = o.TokenID.String()
	}
	return OrderRecord{
		Hash:        o.Hash.Hex(),
		TokenID:     tokenID,
		Side:        o.Side,
		OrderType:   o.OrderType,
		Maker:       o.Maker.Hex(),
		Signer:      o.Signer.Hex(),
		MakerAmount: cloneInt(o.MakerAmount),
		TakerAmount: cloneInt(o.TakerAmount),
		Salt:        o.Salt,
		Signature:   o.SignatureHex(),
		Status:      OrderStatusSigned,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
