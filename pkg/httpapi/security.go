// HMAC webhook verification and IP whitelisting, implemented with the
// standard library (crypto/hmac, net) — see DESIGN.md for why no
// third-party library is used here.
package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"net/http"
)

// verifyHMAC checks that signatureHex (lowercase-hex HMAC-SHA256) equals
// the HMAC of body under secret.
func verifyHMAC(secret []byte, body []byte, signatureHex string) bool {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signatureHex))
}

// IPWhitelist gates a handler to a fixed set of source CIDRs.
type IPWhitelist struct {
	nets []*net.IPNet
}

// NewIPWhitelist parses a list of CIDR strings (e.g. "127.0.0.1/32").
// Invalid entries are skipped.
func NewIPWhitelist(cidrs []string) *IPWhitelist {
	wl := &IPWhitelist{}
	for _, c := range cidrs {
		_, n, err := net.ParseCIDR(c)
		if err != nil {
			continue
		}
		wl.nets = append(wl.nets, n)
	}
	return wl
}

// Allowed reports whether remoteAddr (host:port or bare host) falls within
// any configured CIDR. An empty whitelist allows everything.
func (wl *IPWhitelist) Allowed(remoteAddr string) bool {
	if len(wl.nets) == 0 {
		return true
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range wl.nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware rejects requests whose RemoteAddr is not in the whitelist.
func (wl *IPWhitelist) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !wl.Allowed(r.RemoteAddr) {
			writeErrorJSON(w, http.StatusForbidden, "ip_not_allowed", "source IP not whitelisted")
			return
		}
		next(w, r)
	}
}
