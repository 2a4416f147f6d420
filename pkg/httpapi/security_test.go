package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func hmacHex(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifyHMACAcceptsMatchingSignature(t *testing.T) {
	body := []byte(`{"order_id":"A"}`)
	require.True(t, verifyHMAC([]byte("secret"), body, hmacHex([]byte("secret"), body)))
}

func TestVerifyHMACRejectsTamperedBody(t *testing.T) {
	sig := hmacHex([]byte("secret"), []byte(`{"order_id":"A"}`))
	require.False(t, verifyHMAC([]byte("secret"), []byte(`{"order_id":"B"}`), sig))
}

func TestIPWhitelistEmptyAllowsEverything(t *testing.T) {
	wl := NewIPWhitelist(nil)
	require.True(t, wl.Allowed("203.0.113.9:443"))
}

func TestIPWhitelistRejectsOutsideCIDR(t *testing.T) {
	wl := NewIPWhitelist([]string{"127.0.0.1/32"})
	require.True(t, wl.Allowed("127.0.0.1:5000"))
	require.False(t, wl.Allowed("10.0.0.5:5000"))
}

func TestIPWhitelistSkipsMalformedCIDR(t *testing.T) {
	wl := NewIPWhitelist([]string{"not-a-cidr", "127.0.0.1/32"})
	require.True(t, wl.Allowed("127.0.0.1:5000"))
}
