package auth

import (
	"context"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestParseCredential(t *testing.T) {
	t.Run("extracts identity claims", func(t *testing.T) {
		token := signedToken(t, jwt.MapClaims{
			"sub":    "user-1",
			"name":   "Ada",
			"avatar": "https://example.com/ada.png",
		})

		identity, err := ParseCredential(token, nil)
		require.NoError(t, err)
		assert.Equal(t, "user-1", identity.UserID)
		assert.Equal(t, "Ada", identity.Name)
		assert.Equal(t, "https://example.com/ada.png", identity.Avatar)
	})

	t.Run("missing claims yield empty fields", func(t *testing.T) {
		token := signedToken(t, jwt.MapClaims{"sub": "user-2"})

		identity, err := ParseCredential(token, nil)
		require.NoError(t, err)
		assert.Equal(t, "user-2", identity.UserID)
		assert.Empty(t, identity.Name)
	})

	t.Run("malformed credential", func(t *testing.T) {
		_, err := ParseCredential("not-a-jwt", nil)
		assert.ErrorIs(t, err, ErrMalformedCredential)
	})

	t.Run("custom claim paths", func(t *testing.T) {
		token := signedToken(t, jwt.MapClaims{
			"user": map[string]any{"id": "user-3", "displayName": "Grace"},
		})

		identity, err := ParseCredential(token, &ClaimsExtractor{
			SubjectClaimPath: "user.id",
			NameClaimPath:    "user.displayName",
		})
		require.NoError(t, err)
		assert.Equal(t, "user-3", identity.UserID)
		assert.Equal(t, "Grace", identity.Name)
	})
}

func TestClaimsExtractorPathMisses(t *testing.T) {
	e := DefaultClaimsExtractor()

	identity := e.Extract(map[string]any{"sub": 42})
	assert.Empty(t, identity.UserID)

	identity = e.Extract(map[string]any{})
	assert.Empty(t, identity.UserID)
}

func TestStaticCredential(t *testing.T) {
	token, err := StaticCredential("abc").Credential(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", token)
}
