package order

import (
	"fmt"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// RoundConfig is the number of decimals kept for price, size and the
// derived amount at a given tick size.
type RoundConfig struct {
	Price  int32
	Size   int32
	Amount int32
}

var roundingConfigs = map[domain.TickSize]RoundConfig{
	domain.TickSize01:    {Price: 1, Size: 2, Amount: 3},
	domain.TickSize001:   {Price: 2, Size: 2, Amount: 4},
	domain.TickSize0001:  {Price: 3, Size: 2, Amount: 5},
	domain.TickSize00001: {Price: 4, Size: 2, Amount: 6},
}

// RoundingFor returns the rounding config of a tick size.
func RoundingFor(tick domain.TickSize) (RoundConfig, error) {
	rc, ok := roundingConfigs[tick]
	if !ok {
		return RoundConfig{}, fmt.Errorf("order: unsupported tick size %q", tick)
	}
	return rc, nil
}
