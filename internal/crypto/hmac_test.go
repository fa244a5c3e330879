package crypto

import (
	"encoding/base64"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyclob/internal/domain"
	"github.com/alanyoungcy/polyclob/internal/order"
)

var testCreds = domain.APICreds{
	Key:        "0c3a1b2e-aaaa-bbbb-cccc-1234567890ab",
	Secret:     base64.URLEncoding.EncodeToString([]byte("super-secret-hmac-key-0123456789")),
	Passphrase: "passphrase",
}

func TestL2HeadersAreDeterministic(t *testing.T) {
	addr := common.HexToAddress(testAddress)
	h := NewHMACAuth(testCreds, addr)

	a, err := h.L2HeadersAt("POST", "/order", `{"a":1}`, 1700000000)
	require.NoError(t, err)
	b, err := h.L2HeadersAt("POST", "/order", `{"a":1}`, 1700000000)
	require.NoError(t, err)

	assert.Equal(t, a.Get(HeaderSignature), b.Get(HeaderSignature))
	assert.Equal(t, addr.Hex(), a.Get(HeaderAddress))
	assert.Equal(t, testCreds.Key, a.Get(HeaderAPIKey))
	assert.Equal(t, "1700000000", a.Get(HeaderTimestamp))
	assert.Equal(t, testCreds.Passphrase, a.Get(HeaderPassphrase))

	sig, err := base64.URLEncoding.DecodeString(a.Get(HeaderSignature))
	require.NoError(t, err)
	assert.Len(t, sig, 32)
}

func TestHMACSignatureCoversEveryPart(t *testing.T) {
	base, err := BuildHMACSignature(testCreds.Secret, "1", "GET", "/orders", "")
	require.NoError(t, err)

	for _, variant := range [][4]string{
		{"2", "GET", "/orders", ""},
		{"1", "DELETE", "/orders", ""},
		{"1", "GET", "/order", ""},
		{"1", "GET", "/orders", "{}"},
	} {
		sig, err := BuildHMACSignature(testCreds.Secret, variant[0], variant[1], variant[2], variant[3])
		require.NoError(t, err)
		assert.NotEqual(t, base, sig, variant)
	}
}

func TestHMACAcceptsUnpaddedSecret(t *testing.T) {
	raw := []byte("abcd")
	padded, err := BuildHMACSignature(base64.URLEncoding.EncodeToString(raw), "1", "GET", "/", "")
	require.NoError(t, err)
	unpadded, err := BuildHMACSignature(base64.RawURLEncoding.EncodeToString(raw), "1", "GET", "/", "")
	require.NoError(t, err)
	assert.Equal(t, padded, unpadded)

	_, err = BuildHMACSignature("!!!", "1", "GET", "/", "")
	assert.ErrorIs(t, err, domain.ErrSigningFailed)
}

func TestL1Headers(t *testing.T) {
	s := newTestSigner(t, order.ChainPolygon)
	hdr, err := L1Headers(s, AuthChallenge{Timestamp: 1700000000, Nonce: 0})
	require.NoError(t, err)
	assert.Equal(t, s.Address().Hex(), hdr.Get(HeaderAddress))
	assert.Equal(t, "1700000000", hdr.Get(HeaderTimestamp))
	assert.Equal(t, "0", hdr.Get(HeaderNonce))
	assert.Len(t, common.FromHex(hdr.Get(HeaderSignature)), 65)
}

func TestHMACAuthStringRedacts(t *testing.T) {
	h := NewHMACAuth(testCreds, common.Address{})
	assert.NotContains(t, h.String(), testCreds.Secret)
}
