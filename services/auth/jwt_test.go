package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-payment-api/models"
)

func TestIssueAndValidateToken(t *testing.T) {
	svc := NewJWTService("secret", "storefront-payment-api", time.Minute)

	resp, err := svc.IssueToken(models.AuthUser{UserID: 42, Email: "buyer@example.com"})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Token)

	user, err := svc.ValidateToken(resp.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(42), user.UserID)
	assert.Equal(t, "buyer@example.com", user.Email)
}

func TestValidateTokenExpired(t *testing.T) {
	svc := NewJWTService("secret", "storefront-payment-api", time.Minute)
	issued := time.Now()
	svc.now = func() time.Time { return issued }

	resp, err := svc.IssueToken(models.AuthUser{UserID: 42})
	require.NoError(t, err)

	svc.now = func() time.Time { return issued.Add(2 * time.Minute) }
	_, err = svc.ValidateToken(resp.Token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateTokenRejectsForeignTokens(t *testing.T) {
	svc := NewJWTService("secret", "storefront-payment-api", time.Minute)
	other := NewJWTService("other-secret", "storefront-payment-api", time.Minute)
	wrongIssuer := NewJWTService("secret", "someone-else", time.Minute)

	for _, issuer := range []*JWTService{other, wrongIssuer} {
		resp, err := issuer.IssueToken(models.AuthUser{UserID: 42})
		require.NoError(t, err)
		_, err = svc.ValidateToken(resp.Token)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}

	_, err := svc.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestIssueTokenRequiresUser(t *testing.T) {
	svc := NewJWTService("secret", "storefront-payment-api", 0)

	_, err := svc.IssueToken(models.AuthUser{})
	assert.Error(t, err)
}
