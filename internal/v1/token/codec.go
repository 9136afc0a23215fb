// Package token mints and verifies the signed, expiring session tokens
// that let a client rebind its prior connection state after a transport
// drop. Tokens are local HMAC; no remote key material is involved.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"k8s.io/utils/clock"
)

// MinSecretLen is the minimum accepted secret length in bytes.
const MinSecretLen = 32

var (
	ErrInvalidToken = errors.New("session token is invalid")
	ErrExpiredToken = errors.New("session token has expired")
)

// Session is the recoverable identity carried inside a token. It is never
// stored server-side beyond the connection it names.
type Session struct {
	SessionID    string
	ConnectionID string
	Metadata     map[string]any
	IssuedAt     time.Time
	ExpiresAt    time.Time
}

// Claims is the JWT payload of a session token.
type Claims struct {
	ConnectionID string         `json:"cid"`
	Metadata     map[string]any `json:"meta,omitempty"`
	jwt.RegisteredClaims
}

// Codec mints and verifies session tokens with a shared HMAC secret.
// It is stateless and deterministic in its inputs; expiry decisions
// derive from the injected clock.
type Codec struct {
	secret []byte
	clock  clock.PassiveClock
}

// NewCodec builds a codec for the given secret. The secret must carry at
// least 256 bits of entropy.
func NewCodec(secret string, clk clock.PassiveClock) (*Codec, error) {
	if len(secret) < MinSecretLen {
		return nil, fmt.Errorf("session secret must be at least %d bytes (got %d)", MinSecretLen, len(secret))
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Codec{secret: []byte(secret), clock: clk}, nil
}

// Mint signs a token binding sessionID to connectionID for ttl. A refresh
// re-mints with fresh issuance and expiry, preserving all other fields.
func (c *Codec) Mint(sessionID, connectionID string, metadata map[string]any, ttl time.Duration) (string, error) {
	now := c.clock.Now()
	claims := &Claims{
		ConnectionID: connectionID,
		Metadata:     metadata,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token, returning the session it names.
// Verification fails on a signature mismatch, a malformed payload, or an
// expiry in the past.
func (c *Codec) Verify(tokenString string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return c.secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(c.clock.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.ConnectionID == "" {
		return nil, ErrInvalidToken
	}

	session := &Session{
		SessionID:    claims.Subject,
		ConnectionID: claims.ConnectionID,
		Metadata:     claims.Metadata,
		ExpiresAt:    claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		session.IssuedAt = claims.IssuedAt.Time
	}
	return session, nil
}
