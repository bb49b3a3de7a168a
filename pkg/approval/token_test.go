package approval

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret)
	require.NoError(t, err)

	token, err := issuer.Mint("ticket-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	ticketID, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "ticket-1", ticketID)
}

func TestTokenWrongSecretRejected(t *testing.T) {
	issuer, err := NewTokenIssuer(testSecret)
	require.NoError(t, err)
	other, err := NewTokenIssuer([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	token, err := issuer.Mint("ticket-1", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = other.Parse(token)
	assert.Error(t, err)
}

func TestTokenExpiryRejected(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(testSecret)
	require.NoError(t, err)
	issuer = issuer.WithClock(func() time.Time { return now })

	token, err := issuer.Mint("ticket-1", now.Add(time.Hour))
	require.NoError(t, err)

	_, err = issuer.Parse(token)
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, err = issuer.Parse(token)
	assert.Error(t, err)
}

func TestShortSecretRejected(t *testing.T) {
	_, err := NewTokenIssuer([]byte("short"))
	assert.Error(t, err)
}
