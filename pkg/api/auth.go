package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	headerSignature = "signature"
	headerTimestamp = "timestamp"
	headerNonce     = "nonce"

	headerScopes = "X-Provider-Scopes"

	// scopeContextRead is required on the user-context surface.
	scopeContextRead = "context:read"
	scopeWildcard    = "*"

	// signatureSkew bounds both clock skew and the nonce replay window.
	signatureSkew = 5 * time.Minute

	// nonceCacheSize bounds the replay cache; entries expire with the
	// replay window anyway.
	nonceCacheSize = 65536
)

// signatureGate verifies the HMAC envelope on external-channel requests:
// hex HMAC-SHA256 over timestamp + "." + nonce + "." + rawBody, a bounded
// timestamp skew, and a nonce that has not been seen inside the window.
type signatureGate struct {
	secret []byte
	nonces *expirable.LRU[string, struct{}]
}

func newSignatureGate(secret string) *signatureGate {
	return &signatureGate{
		secret: []byte(secret),
		nonces: expirable.NewLRU[string, struct{}](nonceCacheSize, nil, signatureSkew),
	}
}

// verify checks one request envelope. The raw body must be the bytes as
// received, before any decoding.
func (g *signatureGate) verify(signature, timestamp, nonce string, body []byte, now time.Time) bool {
	if len(g.secret) == 0 || signature == "" || timestamp == "" || nonce == "" {
		return false
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	skew := now.Sub(time.UnixMilli(ts))
	if skew < -signatureSkew || skew > signatureSkew {
		return false
	}

	if _, replayed := g.nonces.Get(nonce); replayed {
		return false
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write([]byte(nonce))
	mac.Write([]byte("."))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return false
	}

	// Only accepted requests burn their nonce; a rejected signature may be
	// retried with the same nonce once corrected.
	g.nonces.Add(nonce, struct{}{})
	return true
}

// hasScope reports whether the scopes header grants the required scope.
func hasScope(header, required string) bool {
	for _, scope := range strings.Split(header, ",") {
		scope = strings.TrimSpace(scope)
		if scope == required || scope == scopeWildcard {
			return true
		}
	}
	return false
}

// bearerToken extracts the token from an Authorization header.
func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	return ""
}
