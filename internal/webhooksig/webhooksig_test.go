package webhooksig

import (
	"crypto/sha256"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fjod/go_cart/commerce-service/internal/domain"
)

func TestParseTimestamped(t *testing.T) {
	ts, sigs, err := ParseTimestamped("t=1800000000, v1=aa ,v0=zz,v1=bb")
	require.NoError(t, err)
	assert.Equal(t, "1800000000", ts)
	assert.Equal(t, []string{"aa", "bb"}, sigs)

	for _, raw := range []string{"", "garbage", "t=1800000000", "v1=aa"} {
		_, _, err := ParseTimestamped(raw)
		assert.ErrorIs(t, err, domain.ErrSignatureInvalid, raw)
	}
}

func TestTimestamped_RoundTrip(t *testing.T) {
	at := time.Unix(1_800_000_000, 0)
	body := []byte(`{"a":1}`)

	ts, sigs, err := ParseTimestamped(Timestamped(sha256.New, "k", body, at))
	require.NoError(t, err)
	assert.Equal(t, "1800000000", ts)
	require.Len(t, sigs, 1)
	assert.True(t, Equal(SignHex(sha256.New, "k", []byte(ts), []byte("."), body), sigs[0]))
	assert.False(t, Equal(SignHex(sha256.New, "other", []byte(ts), []byte("."), body), sigs[0]))
}

func TestCheckSkew(t *testing.T) {
	now := time.Unix(1_800_000_000, 0)

	assert.NoError(t, CheckSkew(now.Add(-time.Minute), now, 2*time.Minute))
	assert.ErrorIs(t, CheckSkew(now.Add(-3*time.Minute), now, 2*time.Minute), domain.ErrSignatureInvalid)
	assert.ErrorIs(t, CheckSkew(now.Add(3*time.Minute), now, 2*time.Minute), domain.ErrSignatureInvalid)
	assert.NoError(t, CheckSkew(now.Add(-4*time.Minute), now, 0))
	assert.ErrorIs(t, CheckSkew(now.Add(-6*time.Minute), now, 0), domain.ErrSignatureInvalid)
}

func TestParseUnix(t *testing.T) {
	got, err := ParseUnix(" 1800000000 ")
	require.NoError(t, err)
	assert.Equal(t, int64(1_800_000_000), got.Unix())

	_, err = ParseUnix("yesterday")
	assert.ErrorIs(t, err, domain.ErrSignatureInvalid)
}

func TestRequireSecret(t *testing.T) {
	assert.NoError(t, RequireSecret("whsec"))
	assert.ErrorIs(t, RequireSecret(""), domain.ErrSignatureInvalid)
}
