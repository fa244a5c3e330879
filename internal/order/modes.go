package order

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// addressMode derives the maker/signer pair for one signature type.
type addressMode func(eoa, funder common.Address) (maker, signer common.Address, err error)

var addressModes = map[domain.SignatureType]addressMode{
	domain.SignatureEOA:            eoaAddresses,
	domain.SignaturePolyProxy:      proxyAddresses,
	domain.SignaturePolyGnosisSafe: safeAddresses,
}

// Addresses returns the maker and signer for the given signature type.
func Addresses(t domain.SignatureType, eoa, funder common.Address) (maker, signer common.Address, err error) {
	mode, ok := addressModes[t]
	if !ok {
		return common.Address{}, common.Address{}, fmt.Errorf("order: unknown signature type %d", t)
	}
	if eoa == (common.Address{}) {
		return common.Address{}, common.Address{}, fmt.Errorf("order: signer address is empty")
	}
	return mode(eoa, funder)
}

// EOA wallets hold their own funds.
func eoaAddresses(eoa, funder common.Address) (common.Address, common.Address, error) {
	if funder != (common.Address{}) && funder != eoa {
		return common.Address{}, common.Address{}, fmt.Errorf("order: EOA mode does not take a funder (got %s)", funder.Hex())
	}
	return eoa, eoa, nil
}

func proxyAddresses(eoa, funder common.Address) (common.Address, common.Address, error) {
	if funder == (common.Address{}) {
		return common.Address{}, common.Address{}, fmt.Errorf("order: %s mode requires a funder address", domain.SignaturePolyProxy)
	}
	return funder, eoa, nil
}

func safeAddresses(eoa, funder common.Address) (common.Address, common.Address, error) {
	if funder == (common.Address{}) {
		return common.Address{}, common.Address{}, fmt.Errorf("order: %s mode requires a funder address", domain.SignaturePolyGnosisSafe)
	}
	return funder, eoa, nil
}
