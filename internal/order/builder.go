// Package order turns order requests into exchange order structs ready to
// be signed.
package order

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/numeric"
)

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	SignatureType domain.SignatureType
	Signer        common.Address // EOA holding the signing key
	Funder        common.Address // proxy or safe wallet; empty for EOA
	Salt          *SaltGenerator
	Now           func() time.Time
}

// Builder validates order requests against market metadata, quantizes
// them and produces UnsignedOrders. It is safe for concurrent use.
type Builder struct {
	sigType domain.SignatureType
	maker   common.Address
	signer  common.Address
	salt    *SaltGenerator
	now     func() time.Time
}

// NewBuilder creates a Builder.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	maker, signer, err := Addresses(cfg.SignatureType, cfg.Signer, cfg.Funder)
	if err != nil {
		return nil, err
	}
	salt := cfg.Salt
	if salt == nil {
		salt = NewSaltGenerator(nil)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Builder{
		sigType: cfg.SignatureType,
		maker:   maker,
		signer:  signer,
		salt:    salt,
		now:     now,
	}, nil
}

// Maker returns the address funding orders built by b.
func (b *Builder) Maker() common.Address { return b.maker }

// Signer returns the address expected to sign orders built by b.
func (b *Builder) Signer() common.Address { return b.signer }

// Build validates req against meta and returns the unsigned order.
func (b *Builder) Build(req domain.OrderRequest, meta domain.MarketMetadata) (domain.UnsignedOrder, error) {
	rc, err := RoundingFor(meta.TickSize)
	if err != nil {
		return domain.UnsignedOrder{}, &domain.InvalidOrderError{Field: "tick_size", Reason: err.Error()}
	}
	req, err = b.normalize(req, meta)
	if err != nil {
		return domain.UnsignedOrder{}, err
	}

	tokenID, ok := new(big.Int).SetString(req.TokenID, 10)
	if !ok || tokenID.Sign() <= 0 {
		return domain.UnsignedOrder{}, &domain.InvalidOrderError{Field: "token_id", Reason: fmt.Sprintf("%q is not a decimal token id", req.TokenID)}
	}

	var makerAmt, takerAmt decimal.Decimal
	if req.Kind == domain.OrderKindLimit {
		makerAmt, takerAmt, err = limitAmounts(req, meta, rc)
	} else {
		makerAmt, takerAmt, err = marketAmounts(req, meta, rc)
	}
	if err != nil {
		return domain.UnsignedOrder{}, err
	}
	if !makerAmt.IsPositive() || !takerAmt.IsPositive() {
		return domain.UnsignedOrder{}, &domain.InvalidOrderError{Field: "size", Reason: "rounds to a zero amount"}
	}

	maker, err := numeric.ToCollateralUnits(makerAmt)
	if err != nil {
		return domain.UnsignedOrder{}, fmt.Errorf("order: maker amount: %w", err)
	}
	taker, err := numeric.ToCollateralUnits(takerAmt)
	if err != nil {
		return domain.UnsignedOrder{}, fmt.Errorf("order: taker amount: %w", err)
	}

	salt, err := b.salt.Generate()
	if err != nil {
		return domain.UnsignedOrder{}, err
	}

	var expiration uint64
	if req.Expiration != nil {
		expiration = uint64(req.Expiration.Unix())
	}

	return domain.UnsignedOrder{
		Salt:          salt,
		Maker:         b.maker,
		Signer:        b.signer,
		Taker:         common.Address{},
		TokenID:       tokenID,
		MakerAmount:   maker,
		TakerAmount:   taker,
		Expiration:    expiration,
		Nonce:         req.Nonce,
		FeeRateBps:    req.FeeRateBps,
		Side:          req.Side,
		SignatureType: b.sigType,
		NegRisk:       meta.NegRisk,
		OrderType:     req.OrderType,
	}, nil
}

// normalize fills defaults and runs every check that does not depend on
// the rounded amounts.
func (b *Builder) normalize(req domain.OrderRequest, meta domain.MarketMetadata) (domain.OrderRequest, error) {
	if meta.TokenID != "" && req.TokenID != meta.TokenID {
		return req, &domain.InvalidOrderError{Field: "token_id", Reason: fmt.Sprintf("request token %s does not match market token %s", req.TokenID, meta.TokenID)}
	}
	if req.Side != domain.SideBuy && req.Side != domain.SideSell {
		return req, &domain.InvalidOrderError{Field: "side", Reason: fmt.Sprintf("unknown side %d", req.Side)}
	}

	switch req.Kind {
	case domain.OrderKindLimit:
		if req.OrderType == "" {
			req.OrderType = domain.OrderTypeGTC
		}
		if req.Denomination == "" {
			req.Denomination = domain.DenominationShares
		}
		if req.Denomination != domain.DenominationShares {
			return req, &domain.InvalidOrderError{Field: "denomination", Reason: "limit orders are sized in shares"}
		}
	case domain.OrderKindMarket:
		if req.OrderType == "" {
			req.OrderType = domain.OrderTypeFOK
		}
		if req.OrderType != domain.OrderTypeFOK && req.OrderType != domain.OrderTypeFAK {
			return req, &domain.InvalidOrderError{Field: "order_type", Reason: fmt.Sprintf("market orders must be FOK or FAK, got %s", req.OrderType)}
		}
		if req.Denomination == "" {
			if req.Side == domain.SideBuy {
				req.Denomination = domain.DenominationBase
			} else {
				req.Denomination = domain.DenominationShares
			}
		}
	default:
		return req, &domain.InvalidOrderError{Field: "kind", Reason: fmt.Sprintf("unknown order kind %q", req.Kind)}
	}
	if !req.OrderType.Valid() {
		return req, &domain.InvalidOrderError{Field: "order_type", Reason: fmt.Sprintf("unknown order type %q", req.OrderType)}
	}
	if req.Denomination != domain.DenominationBase && req.Denomination != domain.DenominationShares {
		return req, &domain.InvalidOrderError{Field: "denomination", Reason: fmt.Sprintf("unknown denomination %q", req.Denomination)}
	}

	if req.OrderType == domain.OrderTypeGTD {
		if req.Expiration == nil {
			return req, &domain.InvalidOrderError{Field: "expiration", Reason: "GTD orders require an expiration"}
		}
		if !req.Expiration.After(b.now()) {
			return req, &domain.InvalidOrderError{Field: "expiration", Reason: "expiration is in the past"}
		}
	} else if req.Expiration != nil {
		return req, &domain.InvalidOrderError{Field: "expiration", Reason: fmt.Sprintf("%s orders cannot expire", req.OrderType)}
	}

	if req.FeeRateBps == 0 {
		req.FeeRateBps = meta.FeeRateBps
	}
	if req.FeeRateBps < meta.FeeRateBps {
		return req, &domain.InvalidOrderError{Field: "fee_rate_bps", Reason: fmt.Sprintf("%d is below the market fee of %d", req.FeeRateBps, meta.FeeRateBps)}
	}

	if !req.Size.IsPositive() {
		return req, &domain.InvalidOrderError{Field: "size", Reason: "must be positive"}
	}

	if req.Kind == domain.OrderKindMarket && req.Price.IsZero() {
		if meta.Book == nil {
			return req, &domain.InvalidOrderError{Field: "price", Reason: "market order without price needs an order book"}
		}
		p, err := MarketPrice(*meta.Book, req.Side, req.Size, req.Denomination, req.OrderType)
		if err != nil {
			return req, err
		}
		req.Price = p
	}
	if err := checkPrice(req.Price, meta.TickSize); err != nil {
		return req, err
	}

	if req.Kind == domain.OrderKindLimit && meta.MinOrderSize.IsPositive() && req.Size.LessThan(meta.MinOrderSize) {
		return req, &domain.InvalidOrderError{Field: "size", Reason: fmt.Sprintf("%s is below the minimum order size %s", req.Size, meta.MinOrderSize)}
	}
	return req, nil
}

func checkPrice(price decimal.Decimal, tick domain.TickSize) error {
	t := tick.Decimal()
	if price.LessThan(t) || price.GreaterThan(decimal.NewFromInt(1).Sub(t)) {
		return &domain.InvalidOrderError{Field: "price", Reason: fmt.Sprintf("%s is outside [%s, %s]", price, t, decimal.NewFromInt(1).Sub(t))}
	}
	if !numeric.IsMultipleOf(price, t) {
		return &domain.InvalidOrderError{Field: "price", Reason: fmt.Sprintf("%s is not a multiple of tick size %s", price, t)}
	}
	return nil
}

// limitAmounts returns maker and taker amounts for a limit order. BUY
// gives USDC for shares, SELL gives shares for USDC.
func limitAmounts(req domain.OrderRequest, _ domain.MarketMetadata, rc RoundConfig) (decimal.Decimal, decimal.Decimal, error) {
	price := numeric.RoundNormal(req.Price, rc.Price)
	shares := numeric.RoundDown(req.Size, rc.Size)
	notional := fitAmount(shares.Mul(price), rc.Amount)

	if req.Side == domain.SideBuy {
		return notional, shares, nil
	}
	return shares, notional, nil
}

// marketAmounts handles market orders. A BUY spends USDC and a SELL sells
// shares; other denominations are converted at the best book price first.
func marketAmounts(req domain.OrderRequest, meta domain.MarketMetadata, rc RoundConfig) (decimal.Decimal, decimal.Decimal, error) {
	price := numeric.RoundDown(req.Price, rc.Price)
	amount := req.Size

	if req.Side == domain.SideBuy && req.Denomination == domain.DenominationShares {
		best, err := bestPrice(meta, req.Side)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		amount = amount.Mul(best)
	}
	if req.Side == domain.SideSell && req.Denomination == domain.DenominationBase {
		best, err := bestPrice(meta, req.Side)
		if err != nil {
			return decimal.Zero, decimal.Zero, err
		}
		amount = amount.DivRound(best, rc.Amount+4)
	}

	maker := numeric.RoundDown(amount, rc.Size)
	if req.Side == domain.SideBuy {
		taker := fitAmount(maker.DivRound(price, rc.Amount+8), rc.Amount)
		return maker, taker, nil
	}
	taker := fitAmount(maker.Mul(price), rc.Amount)
	return maker, taker, nil
}

func bestPrice(meta domain.MarketMetadata, side domain.Side) (decimal.Decimal, error) {
	if meta.Book != nil {
		if side == domain.SideBuy {
			if lvl, ok := meta.Book.BestAsk(); ok {
				return lvl.Price, nil
			}
		} else if lvl, ok := meta.Book.BestBid(); ok {
			return lvl.Price, nil
		}
	}
	return decimal.Zero, &domain.InvalidOrderError{Field: "denomination", Reason: "converting the order size needs a best " + side.String() + " price"}
}

// fitAmount trims a derived amount to the tick's amount precision. Values
// that overshoot only through float-like noise are rounded up first.
func fitAmount(d decimal.Decimal, places int32) decimal.Decimal {
	if numeric.DecimalPlaces(d) <= places {
		return d
	}
	d = numeric.RoundUp(d, places+4)
	if numeric.DecimalPlaces(d) > places {
		d = numeric.RoundDown(d, places)
	}
	return d
}
