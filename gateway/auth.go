package gateway

import (
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Signer produces the bearer token for private endpoints: an HS256 JWT
// carrying the access key, a one-time nonce and, when the request has
// parameters, the SHA512 hash of its query string.
type Signer struct {
	accessKey string
	secretKey []byte
	nonce     func() string
}

func NewSigner(accessKey, secretKey string) (*Signer, error) {
	if accessKey == "" || secretKey == "" {
		return nil, errors.New("access key and secret key are required")
	}
	return &Signer{
		accessKey: accessKey,
		secretKey: []byte(secretKey),
		nonce:     func() string { return uuid.NewString() },
	}, nil
}

// Authorization returns the Authorization header value for params.
func (s *Signer) Authorization(params map[string]string) (string, error) {
	claims := jwt.MapClaims{
		"access_key": s.accessKey,
		"nonce":      s.nonce(),
	}
	if len(params) > 0 {
		sum := sha512.Sum512([]byte(QueryString(params)))
		claims["query_hash"] = hex.EncodeToString(sum[:])
		claims["query_hash_alg"] = "SHA512"
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secretKey)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}

// QueryString is the unescaped, key-sorted "k=v&k=v" form the exchange hashes.
func QueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	values := url.Values{}
	for _, k := range keys {
		values.Add(k, params[k])
	}
	q := values.Encode()
	if unescaped, err := url.QueryUnescape(q); err == nil {
		return unescaped
	}
	return q
}
