package tallysdk

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedToken(t *testing.T, expiresIn time.Duration) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   "user@example.com",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return token
}

func TestTokenExpiring(t *testing.T) {
	assert.False(t, tokenExpiring(signedToken(t, time.Hour)))
	assert.True(t, tokenExpiring(signedToken(t, 5*time.Second)))
	assert.True(t, tokenExpiring("not-a-jwt"))
}

func TestTokenSource_RefreshesOnExpiry(t *testing.T) {
	refreshCalls := 0
	fresh := signedToken(t, time.Hour)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, authRefresh, r.URL.Path)
		refreshCalls++
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"` + fresh + `","refreshToken":"rt-2"}`))
	}))
	defer srv.Close()

	ts := NewTokenSource(srv.URL, "rt-1")

	token, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, token)
	assert.Equal(t, 1, refreshCalls)

	// cached while still valid
	token, err = ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fresh, token)
	assert.Equal(t, 1, refreshCalls)
}

func TestTokenSource_NoRefreshToken(t *testing.T) {
	ts := NewTokenSource("http://localhost:1", "")
	token, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token)
}

func TestRefreshAccessToken_Validation(t *testing.T) {
	_, err := RefreshAccessToken(context.Background(), "", "rt")
	assert.ErrorIs(t, err, ErrNoServerURL)

	_, err = RefreshAccessToken(context.Background(), "http://localhost:1", "")
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}
