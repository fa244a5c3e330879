package order

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// MarketPrice walks the book from the best level until the cumulative
// size covers amount and returns the price of the last level touched.
// A BUY consumes asks, a SELL consumes bids. When the book is too thin an
// FOK order fails; any other order type gets the deepest price reached.
func MarketPrice(book domain.OrderbookSnapshot, side domain.Side, amount decimal.Decimal, denom domain.Denomination, orderType domain.OrderType) (decimal.Decimal, error) {
	levels := book.Asks
	if side == domain.SideSell {
		levels = book.Bids
	}
	if len(levels) == 0 {
		return decimal.Zero, &domain.InvalidOrderError{Field: "book", Reason: "no liquidity on " + side.String() + " side"}
	}

	sum := decimal.Zero
	for _, lvl := range levels {
		if denom == domain.DenominationBase {
			sum = sum.Add(lvl.Size.Mul(lvl.Price))
		} else {
			sum = sum.Add(lvl.Size)
		}
		if sum.GreaterThanOrEqual(amount) {
			return lvl.Price, nil
		}
	}

	if orderType == domain.OrderTypeFOK {
		return decimal.Zero, &domain.InvalidOrderError{Field: "size", Reason: "insufficient liquidity to fill " + amount.String() + " " + string(denom)}
	}
	return levels[len(levels)-1].Price, nil
}
