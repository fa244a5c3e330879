package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/polyclob/internal/domain"
)

// L2 header names.
const (
	HeaderAddress    = "POLY_ADDRESS"
	HeaderAPIKey     = "POLY_API_KEY"
	HeaderTimestamp  = "POLY_TIMESTAMP"
	HeaderPassphrase = "POLY_PASSPHRASE"
	HeaderSignature  = "POLY_SIGNATURE"
	HeaderNonce      = "POLY_NONCE"
)

// HMACAuth signs CLOB requests with L2 API credentials.
type HMACAuth struct {
	creds   domain.APICreds
	address common.Address
	now     func() time.Time
}

// NewHMACAuth binds credentials to the wallet address they were issued for.
func NewHMACAuth(creds domain.APICreds, address common.Address) *HMACAuth {
	return &HMACAuth{creds: creds, address: address, now: time.Now}
}

// Creds returns the credentials.
func (h *HMACAuth) Creds() domain.APICreds { return h.creds }

// L2Headers returns the headers for an authenticated request. The
// signature is base64url(HMAC-SHA256(base64url-decoded secret,
// timestamp+method+path+body)).
func (h *HMACAuth) L2Headers(method, path, body string) (http.Header, error) {
	return h.L2HeadersAt(method, path, body, h.now().Unix())
}

// L2HeadersAt is like L2Headers with a caller-supplied Unix timestamp.
func (h *HMACAuth) L2HeadersAt(method, path, body string, unixTS int64) (http.Header, error) {
	ts := strconv.FormatInt(unixTS, 10)
	sig, err := BuildHMACSignature(h.creds.Secret, ts, method, path, body)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	hdr.Set(HeaderAddress, h.address.Hex())
	hdr.Set(HeaderAPIKey, h.creds.Key)
	hdr.Set(HeaderTimestamp, ts)
	hdr.Set(HeaderPassphrase, h.creds.Passphrase)
	hdr.Set(HeaderSignature, sig)
	return hdr, nil
}

// BuildHMACSignature computes the L2 request signature.
func BuildHMACSignature(secret, timestamp, method, path, body string) (string, error) {
	key, err := decodeSecret(secret)
	if err != nil {
		return "", &domain.SigningError{Op: "decode api secret", Err: err}
	}
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(timestamp + method + path + body))
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// L1Headers returns the headers for API key creation or derivation.
func L1Headers(s *Signer, ch AuthChallenge) (http.Header, error) {
	sig, err := s.SignAuth(ch)
	if err != nil {
		return nil, err
	}
	hdr := http.Header{}
	hdr.Set(HeaderAddress, s.Address().Hex())
	hdr.Set(HeaderSignature, sig)
	hdr.Set(HeaderTimestamp, strconv.FormatInt(ch.Timestamp, 10))
	hdr.Set(HeaderNonce, strconv.FormatUint(ch.Nonce, 10))
	return hdr, nil
}

// Secrets are issued base64url encoded; some clients strip the padding.
func decodeSecret(secret string) ([]byte, error) {
	if b, err := base64.URLEncoding.DecodeString(secret); err == nil {
		return b, nil
	}
	if b, err := base64.RawURLEncoding.DecodeString(secret); err == nil {
		return b, nil
	}
	return base64.StdEncoding.DecodeString(secret)
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.creds.Key), redact(h.creds.Secret))
}
