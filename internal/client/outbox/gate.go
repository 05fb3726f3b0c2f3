package outbox

import (
	"net/http"
	"strings"
)

// Gate decides whether an outgoing mutation is eligible for queuing.
// Pure, no side effects; callers handle rejected requests synchronously.
type Gate struct {
	prefixes []string
}

// NewGate creates a gate from an allowlist of mutable resource path prefixes.
func NewGate(prefixes []string) *Gate {
	return &Gate{prefixes: prefixes}
}

// ShouldQueue reports whether a request may be queued for offline replay.
// Reads are never queued, and neither are form-data payloads, which cannot be
// safely serialized into replayable text.
func (g *Gate) ShouldQueue(path, method string, isFormData bool) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return false
	}

	if isFormData {
		return false
	}

	path = NormalizePath(path)
	for _, prefix := range g.prefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}
