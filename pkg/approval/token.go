package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenIssuer = "helix-governd"

// TokenIssuer mints and verifies the signed callback tokens embedded in
// approval notifications. A token names exactly one ticket and dies with
// the ticket's deadline, so a leaked link cannot be replayed after expiry.
type TokenIssuer struct {
	secret []byte
	clock  func() time.Time
}

func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) < 32 {
		return nil, errors.New("approval: token secret must be at least 32 bytes")
	}
	return &TokenIssuer{secret: secret, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (i *TokenIssuer) WithClock(clock func() time.Time) *TokenIssuer {
	i.clock = clock
	return i
}

// Mint signs a token for the ticket, valid until expiresAt.
func (i *TokenIssuer) Mint(ticketID string, expiresAt time.Time) (string, error) {
	now := i.clock().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   ticketID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt.UTC()),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// Parse verifies signature, issuer and expiry, and returns the ticket ID.
func (i *TokenIssuer) Parse(token string) (string, error) {
	var claims jwt.RegisteredClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(func() time.Time { return i.clock().UTC() }),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", errors.New("invalid callback token")
	}
	return claims.Subject, nil
}
