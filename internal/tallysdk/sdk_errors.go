package tallysdk

import (
	"errors"
	"fmt"
)

var (
	ErrNoServerURL    = errors.New("sdk: server url missing")
	ErrNoRefreshToken = errors.New("sdk: refresh token missing")
	ErrNoToken        = errors.New("sdk: no access token available")
)

// APIError represents a Tally API error payload.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}
