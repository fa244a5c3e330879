package crypto

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/order"
)

// --------------------------------------------------------------------------
// EIP-712 type hashes (pre-computed keccak256 of the canonical type strings).
// --------------------------------------------------------------------------

const (
	exchangeDomainName = "Polymarket CTF Exchange"
	authDomainName     = "ClobAuthDomain"
	domainVersion      = "1"

	// ClobAuthMessage is the fixed statement signed for L1 authentication.
	ClobAuthMessage = "This message attests that I control the given wallet"
)

var (
	// EIP712Domain(string name,string version,uint256 chainId)
	authDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)

	// EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)
	exchangeDomainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)

	// ClobAuth(address address,string timestamp,uint256 nonce,string message)
	clobAuthTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,string timestamp,uint256 nonce,string message)"),
	)

	// Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// AuthChallenge is the L1 ClobAuth payload.
type AuthChallenge struct {
	Timestamp int64
	Nonce     uint64
}

// Signer provides EIP-712 signing for the Polymarket CLOB. It holds no
// mutable state and is safe for concurrent use.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    int64

	authDomainSep     []byte
	exchangeDomainSep []byte
	negRiskDomainSep  []byte
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key and
// the target chain ID (137 for Polygon mainnet, 80002 for Amoy testnet).
func NewSigner(privateKeyHex string, chainID int64) (*Signer, error) {
	keyHex := strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return NewSignerFromKey(pk, chainID)
}

// NewSignerFromKey creates a Signer from an already-loaded private key.
func NewSignerFromKey(pk *ecdsa.PrivateKey, chainID int64) (*Signer, error) {
	if pk == nil {
		return nil, fmt.Errorf("crypto/signer: nil private key")
	}
	contracts, err := order.Contracts(chainID)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: %w", err)
	}
	return &Signer{
		privateKey:        pk,
		address:           ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:           chainID,
		authDomainSep:     authDomainSeparator(chainID),
		exchangeDomainSep: exchangeDomainSeparator(chainID, contracts.Exchange),
		negRiskDomainSep:  exchangeDomainSeparator(chainID, contracts.NegRiskExchange),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// ChainID returns the chain the signer signs for.
func (s *Signer) ChainID() int64 {
	return s.chainID
}

// SignOrder signs an order against the CTF Exchange (or Neg-Risk CTF
// Exchange) domain. The order's signer field must be this key's address.
func (s *Signer) SignOrder(o domain.UnsignedOrder) (domain.SignedOrder, error) {
	if o.Signer != s.address {
		return domain.SignedOrder{}, &domain.SigningError{
			Op:  "sign order",
			Err: fmt.Errorf("order signer %s does not match key %s", o.Signer.Hex(), s.address.Hex()),
		}
	}
	digest, err := s.orderDigest(o)
	if err != nil {
		return domain.SignedOrder{}, err
	}
	sig, err := s.signDigest(digest)
	if err != nil {
		return domain.SignedOrder{}, err
	}
	return domain.SignedOrder{
		UnsignedOrder: o.Clone(),
		Signature:     sig,
		Hash:          common.BytesToHash(digest),
	}, nil
}

// OrderHash returns the EIP-712 digest of o, the order's identity.
func (s *Signer) OrderHash(o domain.UnsignedOrder) (common.Hash, error) {
	digest, err := s.orderDigest(o)
	if err != nil {
		return common.Hash{}, err
	}
	return common.BytesToHash(digest), nil
}

// VerifyOrder recovers the signing address of so and compares it with
// the order's declared signer.
func (s *Signer) VerifyOrder(so domain.SignedOrder) (bool, error) {
	digest, err := s.orderDigest(so.UnsignedOrder)
	if err != nil {
		return false, err
	}
	addr, err := RecoverAddress(digest, so.Signature)
	if err != nil {
		return false, err
	}
	return addr == so.Signer, nil
}

// SignAuth signs the ClobAuth EIP-712 message used to create or derive an
// API key. It returns a 0x-prefixed 65-byte signature.
func (s *Signer) SignAuth(ch AuthChallenge) (string, error) {
	digest := eip712Hash(s.authDomainSep, clobAuthStructHash(s.address, ch))
	sig, err := s.signDigest(digest)
	if err != nil {
		return "", err
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// OrderHash computes the EIP-712 digest of o for chainID without a key.
func OrderHash(chainID int64, o domain.UnsignedOrder) (common.Hash, error) {
	contracts, err := order.Contracts(chainID)
	if err != nil {
		return common.Hash{}, &domain.SigningError{Op: "order hash", Err: err}
	}
	structHash, err := orderStructHash(o)
	if err != nil {
		return common.Hash{}, err
	}
	sep := exchangeDomainSeparator(chainID, contracts.ExchangeFor(o.NegRisk))
	return common.BytesToHash(eip712Hash(sep, structHash)), nil
}

// RecoverAddress returns the address that produced sig over digest. The
// recovery byte may be 0/1 or 27/28.
func RecoverAddress(digest, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, &domain.SigningError{Op: "recover", Err: fmt.Errorf("signature is %d bytes, want 65", len(sig))}
	}
	if len(digest) != 32 {
		return common.Address{}, &domain.SigningError{Op: "recover", Err: fmt.Errorf("digest is %d bytes, want 32", len(digest))}
	}
	rs := make([]byte, 65)
	copy(rs, sig)
	if rs[64] >= 27 {
		rs[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(digest, rs)
	if err != nil {
		return common.Address{}, &domain.SigningError{Op: "recover", Err: err}
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

func (s *Signer) orderDigest(o domain.UnsignedOrder) ([]byte, error) {
	structHash, err := orderStructHash(o)
	if err != nil {
		return nil, err
	}
	sep := s.exchangeDomainSep
	if o.NegRisk {
		sep = s.negRiskDomainSep
	}
	return eip712Hash(sep, structHash), nil
}

// authDomainSeparator returns keccak256(abi.encode(typeHash, nameHash, versionHash, chainId)).
func authDomainSeparator(chainID int64) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			authDomainTypeHash,
			ethcrypto.Keccak256([]byte(authDomainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
		),
	)
}

// exchangeDomainSeparator adds the verifying contract to the domain.
func exchangeDomainSeparator(chainID int64, verifyingContract common.Address) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			exchangeDomainTypeHash,
			ethcrypto.Keccak256([]byte(exchangeDomainName)),
			ethcrypto.Keccak256([]byte(domainVersion)),
			bigIntTo32Bytes(big.NewInt(chainID)),
			common.LeftPadBytes(verifyingContract.Bytes(), 32),
		),
	)
}

// eip712Hash computes the final EIP-712 digest:
//
//	keccak256("\x19\x01" || domainSeparator || structHash)
func eip712Hash(domainSep, structHash []byte) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			[]byte{0x19, 0x01},
			domainSep,
			structHash,
		),
	)
}

// signDigest signs a 32-byte digest and returns r || s || v with v in
// {27,28}.
func (s *Signer) signDigest(digest []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return nil, &domain.SigningError{Op: "sign digest", Err: err}
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return sig, nil
}

func clobAuthStructHash(addr common.Address, ch AuthChallenge) []byte {
	return ethcrypto.Keccak256(
		concatBytes(
			clobAuthTypeHash,
			common.LeftPadBytes(addr.Bytes(), 32),
			ethcrypto.Keccak256([]byte(strconv.FormatInt(ch.Timestamp, 10))),
			bigIntTo32Bytes(new(big.Int).SetUint64(ch.Nonce)),
			ethcrypto.Keccak256([]byte(ClobAuthMessage)),
		),
	)
}

// orderStructHash encodes and hashes an order according to EIP-712.
func orderStructHash(o domain.UnsignedOrder) ([]byte, error) {
	for name, v := range map[string]*big.Int{
		"tokenId":     o.TokenID,
		"makerAmount": o.MakerAmount,
		"takerAmount": o.TakerAmount,
	} {
		if v == nil || v.Sign() < 0 || v.BitLen() > 256 {
			return nil, &domain.SigningError{Op: "encode order", Err: fmt.Errorf("%s is not a uint256", name)}
		}
	}

	return ethcrypto.Keccak256(
		concatBytes(
			orderTypeHash,
			uint64To32Bytes(o.Salt),
			common.LeftPadBytes(o.Maker.Bytes(), 32),
			common.LeftPadBytes(o.Signer.Bytes(), 32),
			common.LeftPadBytes(o.Taker.Bytes(), 32),
			bigIntTo32Bytes(o.TokenID),
			bigIntTo32Bytes(o.MakerAmount),
			bigIntTo32Bytes(o.TakerAmount),
			uint64To32Bytes(o.Expiration),
			uint64To32Bytes(o.Nonce),
			uint64To32Bytes(o.FeeRateBps),
			uint64To32Bytes(uint64(o.Side)),
			uint64To32Bytes(uint64(o.SignatureType)),
		),
	), nil
}

func uint64To32Bytes(v uint64) []byte {
	return bigIntTo32Bytes(new(big.Int).SetUint64(v))
}

// bigIntTo32Bytes returns a 32-byte big-endian representation of n.
func bigIntTo32Bytes(n *big.Int) []byte {
	b := n.Bytes()
	if len(b) >= 32 {
		return b[len(b)-32:]
	}
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}

// concatBytes concatenates multiple byte slices into one.
func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
