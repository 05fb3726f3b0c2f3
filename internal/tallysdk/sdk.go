package tallysdk

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/imroc/req/v3"
	"github.com/tallyhq/tally/internal/utils"
	"github.com/tallyhq/tally/internal/version"
)

const (
	v1Health = "/api/v1/health"

	// Every call gets a hard deadline. A hung request would otherwise stall
	// the whole sequential replay pass.
	requestTimeout = 15 * time.Second
)

// TallySDK is the HTTP client for the Tally API. It re-issues stored mutating
// requests and serves the read side of conflict detection.
type TallySDK struct {
	client   *req.Client
	baseURL  string
	provider TokenProvider
}

// New creates a new TallySDK client against the given server.
func New(baseURL string, provider TokenProvider) (*TallySDK, error) {
	if baseURL == "" {
		return nil, ErrNoServerURL
	}

	client := req.C().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout).
		SetUserAgent(TallyUserAgent).
		SetCommonHeader(HeaderTallyVersion, version.Version).
		SetCommonHeader(HeaderTallyDeviceId, utils.HWID).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	return &TallySDK{
		client:   client,
		baseURL:  baseURL,
		provider: provider,
	}, nil
}

// HasTokenProvider reports whether a token provider was configured.
func (s *TallySDK) HasTokenProvider() bool {
	return s.provider != nil
}

func (s *TallySDK) bearerToken(ctx context.Context) (string, error) {
	if s.provider == nil {
		return "", ErrNoToken
	}
	token, err := s.provider(ctx)
	if err != nil {
		return "", fmt.Errorf("token provider: %w", err)
	}
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// Replay re-issues a stored mutating request with reconstructed headers.
// A non-nil error means the transport failed (likely offline); server-side
// rejections come back as a ReplayResult with a non-2xx status.
func (s *TallySDK) Replay(ctx context.Context, params *ReplayParams) (*ReplayResult, error) {
	token, err := s.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	r := s.client.R().
		SetContext(ctx).
		SetBearerAuthToken(token)

	if params.ContentType != "" {
		r.SetContentType(params.ContentType)
	}
	for k, v := range params.Headers {
		r.SetHeader(k, v)
	}
	if params.Body != "" {
		r.SetBodyString(params.Body)
	}

	res, err := r.Send(params.Method, params.Path)
	if err != nil {
		return nil, fmt.Errorf("replay %s %s: %w", params.Method, params.Path, err)
	}

	return &ReplayResult{
		StatusCode: res.StatusCode,
		Body:       res.String(),
	}, nil
}

// GetList fetches a collection endpoint and decodes the JSON object body.
// Used by conflict detection to read current server state.
func (s *TallySDK) GetList(ctx context.Context, endpoint string) (map[string]any, error) {
	token, err := s.bearerToken(ctx)
	if err != nil {
		return nil, err
	}

	var out map[string]any
	res, err := s.client.R().
		SetContext(ctx).
		SetBearerAuthToken(token).
		SetSuccessResult(&out).
		Get(endpoint)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", endpoint, err)
	}
	if res.IsErrorState() {
		return nil, fmt.Errorf("get %s: status %d", endpoint, res.StatusCode)
	}
	if out == nil {
		return nil, fmt.Errorf("get %s: empty response", endpoint)
	}

	return out, nil
}

// Ping probes the server health endpoint. Used by the connectivity monitor;
// no auth required.
func (s *TallySDK) Ping(ctx context.Context) error {
	res, err := s.client.R().
		SetContext(ctx).
		Get(v1Health)
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	if res.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("ping: status %d", res.StatusCode)
	}
	return nil
}

// Close releases client resources.
func (s *TallySDK) Close() {
	s.client.CloseIdleConnections()
}
