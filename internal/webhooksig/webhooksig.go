// Package webhooksig holds the HMAC helpers shared by the inbound webhook verifiers.
package webhooksig

import (
	"crypto/hmac"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"strconv"
	"strings"
	"time"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

const DefaultTolerance = 5 * time.Minute

func SignHex(h func() hash.Hash, secret string, parts ...[]byte) string {
	return hex.EncodeToString(mac(h, secret, parts...))
}

func SignBase64(h func() hash.Hash, secret string, parts ...[]byte) string {
	return base64.StdEncoding.EncodeToString(mac(h, secret, parts...))
}

func mac(h func() hash.Hash, secret string, parts ...[]byte) []byte {
	m := hmac.New(h, []byte(secret))
	for _, p := range parts {
		m.Write(p)
	}
	return m.Sum(nil)
}

// Equal compares in constant time.
func Equal(expected, got string) bool {
	return hmac.Equal([]byte(expected), []byte(got))
}

// RequireSecret rejects every delivery when no signing secret is configured.
func RequireSecret(secret string) error {
	if secret == "" {
		return Invalid("signing secret not configured")
	}
	return nil
}

// ParseTimestamped splits "t=<unix>,v1=<sig>[,v1=<sig>...]". Several v1 entries appear while a
// secret is being rotated.
func ParseTimestamped(raw string) (ts string, sigs []string, err error) {
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	if ts == "" || len(sigs) == 0 {
		return "", nil, Invalid("malformed signature header")
	}
	return ts, sigs, nil
}

// Timestamped renders the header value ParseTimestamped reads, signing "t.body" with hmac-sha256.
func Timestamped(h func() hash.Hash, secret string, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "t=" + ts + ",v1=" + SignHex(h, secret, []byte(ts), []byte("."), body)
}

func ParseUnix(raw string) (time.Time, error) {
	sec, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, Invalid(fmt.Sprintf("bad timestamp %q", raw))
	}
	return time.Unix(sec, 0), nil
}

// CheckSkew fails when ts is further than tolerance from now in either direction.
func CheckSkew(ts, now time.Time, tolerance time.Duration) error {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > tolerance {
		return Invalid(fmt.Sprintf("timestamp outside tolerance (%s)", skew.Round(time.Second)))
	}
	return nil
}

func Invalid(reason string) error {
	return fmt.Errorf("%w: %s", domain.ErrSignatureInvalid, reason)
}
