package crypto

import (
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/order"
)

const (
	testKeyHex  = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func newTestSigner(t *testing.T, chainID int64) *Signer {
	t.Helper()
	s, err := NewSigner(testKeyHex, chainID)
	require.NoError(t, err)
	return s
}

func testOrder(signer common.Address) domain.UnsignedOrder {
	tokenID, _ := new(big.Int).SetString("71321045679252212594626385532706912750332728571942532289631379312455583992563", 10)
	return domain.UnsignedOrder{
		Salt:          479249096354,
		Maker:         signer,
		Signer:        signer,
		Taker:         common.Address{},
		TokenID:       tokenID,
		MakerAmount:   big.NewInt(5_500_000),
		TakerAmount:   big.NewInt(10_000_000),
		Expiration:    0,
		Nonce:         0,
		FeeRateBps:    0,
		Side:          domain.SideBuy,
		SignatureType: domain.SignatureEOA,
		OrderType:     domain.OrderTypeGTC,
	}
}

// typedDataDigest computes the same digest through go-ethereum's generic
// EIP-712 encoder.
func typedDataDigest(t *testing.T, chainID int64, o domain.UnsignedOrder) []byte {
	t.Helper()
	contracts, err := order.Contracts(chainID)
	require.NoError(t, err)

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": []apitypes.Type{
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              "Polymarket CTF Exchange",
			Version:           "1",
			ChainId:           (*math.HexOrDecimal256)(big.NewInt(chainID)),
			VerifyingContract: contracts.ExchangeFor(o.NegRisk).Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          fmt.Sprintf("%d", o.Salt),
			"maker":         o.Maker.Hex(),
			"signer":        o.Signer.Hex(),
			"taker":         o.Taker.Hex(),
			"tokenId":       o.TokenID.String(),
			"makerAmount":   o.MakerAmount.String(),
			"takerAmount":   o.TakerAmount.String(),
			"expiration":    fmt.Sprintf("%d", o.Expiration),
			"nonce":         fmt.Sprintf("%d", o.Nonce),
			"feeRateBps":    fmt.Sprintf("%d", o.FeeRateBps),
			"side":          fmt.Sprintf("%d", o.Side),
			"signatureType": fmt.Sprintf("%d", o.SignatureType),
		},
	}
	domainSep, err := td.HashStruct("EIP712Domain", td.Domain.Map())
	require.NoError(t, err)
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	require.NoError(t, err)
	return ethcrypto.Keccak256([]byte("\x19\x01"), domainSep, structHash)
}

func TestSignerAddress(t *testing.T) {
	s := newTestSigner(t, order.ChainPolygon)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())
	assert.Equal(t, order.ChainPolygon, s.ChainID())
}

func TestNewSignerRejectsBadInput(t *testing.T) {
	_, err := NewSigner("0xnothex", order.ChainPolygon)
	assert.Error(t, err)
	_, err = NewSigner(testKeyHex, 1)
	assert.Error(t, err)
}

func TestOrderDigestMatchesGenericEncoder(t *testing.T) {
	for _, chainID := range []int64{order.ChainPolygon, order.ChainAmoy} {
		for _, negRisk := range []bool{false, true} {
			s := newTestSigner(t, chainID)
			o := testOrder(s.Address())
			o.NegRisk = negRisk
			o.Side = domain.SideSell
			o.FeeRateBps = 100
			o.Expiration = 1767225600

			hash, err := s.OrderHash(o)
			require.NoError(t, err)
			assert.Equal(t, typedDataDigest(t, chainID, o), hash.Bytes(), "chain %d negRisk %v", chainID, negRisk)

			free, err := OrderHash(chainID, o)
			require.NoError(t, err)
			assert.Equal(t, hash, free)
		}
	}
}

func TestSignOrderVerifies(t *testing.T) {
	s := newTestSigner(t, order.ChainPolygon)
	o := testOrder(s.Address())

	signed, err := s.SignOrder(o)
	require.NoError(t, err)
	require.Len(t, signed.Signature, 65)
	assert.Contains(t, []byte{27, 28}, signed.Signature[64])

	ok, err := s.VerifyOrder(signed)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := s.SignOrder(o)
	require.NoError(t, err)
	ok, err = s.VerifyOrder(again)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, signed.Hash, again.Hash)
}

func TestVerifyOrderDetectsTampering(t *testing.T) {
	s := newTestSigner(t, order.ChainPolygon)
	signed, err := s.SignOrder(testOrder(s.Address()))
	require.NoError(t, err)

	tampered := signed
	tampered.UnsignedOrder = signed.UnsignedOrder.Clone()
	tampered.MakerAmount.Add(tampered.MakerAmount, big.NewInt(1))
	ok, err := s.VerifyOrder(tampered)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.VerifyOrder(signed)
	require.NoError(t, err)
	assert.True(t, ok, "tampering a clone must not affect the original")
}

func TestNegRiskChangesDigest(t *testing.T) {
	s := newTestSigner(t, order.ChainPolygon)
	o := testOrder(s.Address())
	plain, err := s.OrderHash(o)
	require.NoError(t, err)
	o.NegRisk = true
	neg, err := s.OrderHash(o)
	require.NoError(t, err)
	assert.NotEqual(t, plain, neg)
}

func TestSignOrderRejectsForeignSigner(t *testing.T) {
	s := newTestSigner(t, order.ChainPolygon)
	o := testOrder(common.HexToAddress("0x1111111111111111111111111111111111111111"))
	_, err := s.SignOrder(o)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrSigningFailed))
}

func TestSignOrderRejectsMissingAmounts(t *testing.T) {
	s := newTestSigner(t, order.ChainPolygon)
	o := testOrder(s.Address())
	o.MakerAmount = nil
	_, err := s.SignOrder(o)
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}

func TestProxyOrderVerifiesAgainstSigner(t *testing.T) {
	s := newTestSigner(t, order.ChainPolygon)
	o := testOrder(s.Address())
	o.Maker = common.HexToAddress("0x2222222222222222222222222222222222222222")
	o.SignatureType = domain.SignaturePolyGnosisSafe

	signed, err := s.SignOrder(o)
	require.NoError(t, err)
	ok, err := s.VerifyOrder(signed)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignAuthRecoversAddress(t *testing.T) {
	s := newTestSigner(t, order.ChainAmoy)
	ch := AuthChallenge{Timestamp: 10000000, Nonce: 23}
	sigHex, err := s.SignAuth(ch)
	require.NoError(t, err)

	td := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": []apitypes.Type{
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    "ClobAuthDomain",
			Version: "1",
			ChainId: (*math.HexOrDecimal256)(big.NewInt(order.ChainAmoy)),
		},
		Message: apitypes.TypedDataMessage{
			"address":   s.Address().Hex(),
			"timestamp": "10000000",
			"nonce":     "23",
			"message":   ClobAuthMessage,
		},
	}
	digest, _, err := apitypes.TypedDataAndHash(td)
	require.NoError(t, err)

	addr, err := RecoverAddress(digest, common.FromHex(sigHex))
	require.NoError(t, err)
	assert.Equal(t, s.Address(), addr)
}

func TestRecoverAddressValidatesLengths(t *testing.T) {
	_, err := RecoverAddress(make([]byte, 32), make([]byte, 64))
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
	_, err = RecoverAddress(make([]byte, 31), make([]byte, 65))
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}
