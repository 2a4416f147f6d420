// Package adminauth issues and verifies the JWTs that gate admin routes
// (cancel, fulfil, reassign, reset, issue-credit, update-memo, update-price,
// update-roles, rescan-open-orders) using golang-jwt/jwt/v5.
package adminauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned by VerifyToken for any malformed or invalid
// token; Middleware answers such requests with 401 instead.
var ErrUnauthorized = errors.New("adminauth: unauthorized")

// Claims is the JWT payload issued to an admin.
type Claims struct {
	Subject string `json:"sub"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies admin JWTs with a single shared secret.
type Issuer struct {
	secret []byte
	ttl    time.Duration
}

// New constructs an Issuer. A zero ttl defaults to 24h.
func New(secret string, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl}
}

// IssueToken mints a signed JWT for subject (an admin identifier, e.g. an
// authorized wallet address).
func (i *Issuer) IssueToken(subject string) (string, error) {
	now := time.Now()
	claims := Claims{
		Subject: subject,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// VerifyToken parses and validates tokenString, returning its subject.
func (i *Issuer) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrUnauthorized, t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrUnauthorized
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return "", ErrUnauthorized
	}
	return claims.Subject, nil
}

// Middleware wraps next, rejecting requests without a valid
// "Authorization: Bearer <token>" header.
func (i *Issuer) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		subject, err := i.VerifyToken(strings.TrimPrefix(header, prefix))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		r.Header.Set("X-Admin-Subject", subject)
		next(w, r)
	}
}
