package providers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

func hmacSHA256(secret []byte, parts ...[]byte) []byte {
	m := hmac.New(sha256.New, secret)
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

// equalBase64 compares a base64 signature against mac in constant time.
func equalBase64(signature string, mac []byte) bool {
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	return hmac.Equal(got, mac)
}

// stripeSignature parses "t=<unix>,v1=<hex>[,v1=<hex>]" headers.
type stripeSignature struct {
	timestamp int64
	v1        [][]byte
}

func parseStripeSignature(header string) (stripeSignature, bool) {
	var sig stripeSignature
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return sig, false
			}
			sig.timestamp = ts
		case "v1":
			b, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			sig.v1 = append(sig.v1, b)
		}
	}
	return sig, sig.timestamp != 0 && len(sig.v1) > 0
}

func verifyStripeSignature(secret string, payload []byte, header string, now time.Time, tolerance time.Duration) bool {
	if secret == "" {
		return false
	}
	sig, ok := parseStripeSignature(header)
	if !ok {
		return false
	}
	signedAt := time.Unix(sig.timestamp, 0)
	if tolerance > 0 && (now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance) {
		return false
	}
	expected := hmacSHA256([]byte(secret), []byte(strconv.FormatInt(sig.timestamp, 10)), []byte("."), payload)
	valid := false
	for _, candidate := range sig.v1 {
		if hmac.Equal(candidate, expected) {
			valid = true
		}
	}
	return valid
}

// SignStripePayload builds a Stripe-Signature header value.
func SignStripePayload(secret string, payload []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmacSHA256([]byte(secret), []byte(ts), []byte("."), payload)
	return "t=" + ts + ",v1=" + hex.EncodeToString(mac)
}

// SignBase64Payload builds a base64 HMAC-SHA256 signature over the given parts.
func SignBase64Payload(secret string, parts ...[]byte) string {
	return base64.StdEncoding.EncodeToString(hmacSHA256([]byte(secret), parts...))
}
