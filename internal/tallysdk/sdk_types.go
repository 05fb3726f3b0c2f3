package tallysdk

import (
	"context"
	"fmt"
	"runtime"

	"github.com/tallyhq/tally/internal/version"
)

const (
	HeaderUserAgent     = "User-Agent"
	HeaderTallyVersion  = "X-Tally-Version"
	HeaderTallyDeviceId = "X-Tally-Device-Id"
)

var TallyUserAgent = fmt.Sprintf("TallyAgent/%s (%s; %s; %s)", version.Version, version.Revision, runtime.GOOS, runtime.GOARCH)

// TokenProvider yields a bearer token for API calls, or an empty string when
// the user is not authenticated. Token refresh is the provider's concern.
type TokenProvider func(ctx context.Context) (string, error)

// ReplayParams describes a stored mutating request to be re-issued verbatim.
type ReplayParams struct {
	Method      string
	Path        string
	Body        string
	ContentType string
	Headers     map[string]string
}

// ReplayResult is the server's answer to a replayed mutation. A nil error with
// a non-2xx StatusCode means the server acknowledged and rejected the request;
// a non-nil error from Replay means the transport failed.
type ReplayResult struct {
	StatusCode int
	Body       string
}

func (r *ReplayResult) Ok() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type AuthTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}
