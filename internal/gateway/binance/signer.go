package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
)

// signer produces the HMAC-SHA256 request signature Binance requires on
// account endpoints.
type signer struct {
	apiKey    string
	secretKey []byte
}

func newSigner(apiKey, secretKey string) *signer {
	return &signer{
		apiKey:    apiKey,
		secretKey: []byte(secretKey),
	}
}

// sign encodes params and appends the hex signature over the encoded
// query string.
func (s *signer) sign(params url.Values) string {
	query := params.Encode()

	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(query))
	return query + "&signature=" + hex.EncodeToString(mac.Sum(nil))
}
