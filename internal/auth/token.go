// Package auth issues and inspects the bearer credentials presented at
// handshake.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dgnsrekt/karaoke-sync/internal/syncerr"
	"github.com/dgnsrekt/karaoke-sync/internal/wire"
)

// Claims identify a participant of an event.
type Claims struct {
	Role  string `json:"role,omitempty"`
	Event string `json:"event,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and validates HS256 tokens.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer creates an Issuer. The secret must not be empty.
func NewIssuer(secret string, ttl time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("token secret is required")
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Issuer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue signs a token for subject.
func (i *Issuer) Issue(subject, role, event string) (string, time.Time, error) {
	now := i.now()
	expires := now.Add(i.ttl)
	claims := &Claims{
		Role:  role,
		Event: event,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("signing token: %w", err)
	}
	return signed, expires, nil
}

// Validate checks the signature and expiry of token. Failures are
// CredentialErrors carrying the wire rejection code.
func (i *Issuer) Validate(token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		code := wire.CodeUnauthorized
		if errors.Is(err, jwt.ErrTokenExpired) {
			code = wire.CodeExpired
		}
		return nil, &syncerr.CredentialError{Code: code, Err: err}
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, &syncerr.CredentialError{Code: wire.CodeUnauthorized, Err: errors.New("invalid token claims")}
	}
	return claims, nil
}

// ExpiresAt reads the expiry of a JWT without verifying its signature. ok
// is false for opaque tokens or tokens without an exp claim.
func ExpiresAt(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// ExpiresWithin reports whether a JWT expires within d from now. Opaque
// tokens never do.
func ExpiresWithin(token string, d time.Duration) bool {
	exp, ok := ExpiresAt(token)
	if !ok {
		return false
	}
	return !time.Now().Add(d).Before(exp)
}

// CheckUsable rejects a JWT that has already expired so the client asks for
// a new credential instead of dialing with a stale one.
func CheckUsable(token string) error {
	if token == "" {
		return &syncerr.CredentialError{Code: wire.CodeUnauthorized, Err: errors.New("empty credential")}
	}
	if ExpiresWithin(token, 0) {
		return &syncerr.CredentialError{Code: wire.CodeExpired, Err: jwt.ErrTokenExpired}
	}
	return nil
}
