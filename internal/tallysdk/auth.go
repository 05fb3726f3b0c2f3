package tallysdk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/imroc/req/v3"
)

const (
	authRefresh = "/auth/refresh"

	// refresh a little before the token actually expires
	expiryLeeway = 30 * time.Second
)

// RefreshAccessToken exchanges a refresh token for a fresh token pair.
func RefreshAccessToken(ctx context.Context, serverURL string, refreshToken string) (*AuthTokenResponse, error) {
	if serverURL == "" {
		return nil, ErrNoServerURL
	}
	if refreshToken == "" {
		return nil, ErrNoRefreshToken
	}

	var resp AuthTokenResponse
	var apiErr APIError

	client := req.C().
		SetBaseURL(serverURL).
		SetTimeout(requestTimeout).
		SetUserAgent(TallyUserAgent)

	res, err := client.R().
		SetContext(ctx).
		SetBody(&RefreshTokenRequest{RefreshToken: refreshToken}).
		SetSuccessResult(&resp).
		SetErrorResult(&apiErr).
		Post(authRefresh)
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if res.IsErrorState() {
		if apiErr.Message != "" {
			return nil, fmt.Errorf("refresh token: %w", &apiErr)
		}
		return nil, fmt.Errorf("refresh token: status %d", res.StatusCode)
	}

	return &resp, nil
}

// TokenSource is a TokenProvider backed by a refresh token. It caches the
// access token and refreshes it shortly before expiry.
type TokenSource struct {
	serverURL    string
	accessToken  string
	refreshToken string
	mu           sync.Mutex
}

func NewTokenSource(serverURL, refreshToken string) *TokenSource {
	return &TokenSource{
		serverURL:    serverURL,
		refreshToken: refreshToken,
	}
}

// Token returns a valid access token, refreshing it if needed.
// Returns an empty token without error when no refresh token is configured,
// so callers can treat "not logged in" as a soft condition.
func (ts *TokenSource) Token(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.refreshToken == "" {
		return "", nil
	}

	if ts.accessToken != "" && !tokenExpiring(ts.accessToken) {
		return ts.accessToken, nil
	}

	resp, err := RefreshAccessToken(ctx, ts.serverURL, ts.refreshToken)
	if err != nil {
		return "", err
	}

	ts.accessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		ts.refreshToken = resp.RefreshToken
	}
	return ts.accessToken, nil
}

// Provider adapts the source to the TokenProvider func type.
func (ts *TokenSource) Provider() TokenProvider {
	return ts.Token
}

// tokenExpiring checks the unverified expiry claim. Signature validation is
// the server's job; the agent only needs to know when to refresh.
func tokenExpiring(token string) bool {
	var claims jwt.RegisteredClaims
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Now().Add(expiryLeeway).After(claims.ExpiresAt.Time)
}
