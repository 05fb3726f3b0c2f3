package outbox

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ItemStatus represents the lifecycle state of a queued write.
type ItemStatus string

const (
	StatusQueued   ItemStatus = "queued"
	StatusSyncing  ItemStatus = "syncing"
	StatusFailed   ItemStatus = "failed"
	StatusConflict ItemStatus = "conflict"
)

// QueueItem is a single pending mutating request with enough metadata to be
// replayed later without the original caller present. Timestamps are RFC3339
// strings so they compare lexicographically and survive storage round-trips
// entry by entry.
type QueueItem struct {
	ID             string            `json:"id"`
	Method         string            `json:"method"`
	Path           string            `json:"path"`
	BodyText       string            `json:"bodyText"`
	Headers        map[string]string `json:"headers,omitempty"`
	ContentType    string            `json:"contentType,omitempty"`
	CreatedAt      string            `json:"createdAt"`
	UpdatedAt      string            `json:"updatedAt"`
	Retries        int               `json:"retries"`
	Status         ItemStatus        `json:"status"`
	LastError      string            `json:"lastError,omitempty"`
	LastStatusCode int               `json:"lastStatusCode,omitempty"`
	ConflictReason string            `json:"conflictReason,omitempty"`
	IgnoreConflict bool              `json:"ignoreConflict,omitempty"`
}

// Clone returns a shallow copy with its own headers map, safe to hand to
// observers.
func (i *QueueItem) Clone() *QueueItem {
	cp := *i
	if i.Headers != nil {
		cp.Headers = make(map[string]string, len(i.Headers))
		for k, v := range i.Headers {
			cp.Headers[k] = v
		}
	}
	return &cp
}

// Pending reports whether the item is still eligible for automatic replay.
func (i *QueueItem) Pending() bool {
	return i.Status == StatusQueued || i.Status == StatusSyncing
}

// valid is the restore-time check: items lacking required string fields are
// dropped entirely.
func (i *QueueItem) valid() bool {
	if i.ID == "" || i.Method == "" || i.Path == "" || i.CreatedAt == "" {
		return false
	}
	if _, err := time.Parse(time.RFC3339, i.CreatedAt); err != nil {
		return false
	}
	switch i.Status {
	case StatusQueued, StatusSyncing, StatusFailed, StatusConflict:
		return true
	}
	return false
}

// CoalesceKeyFunc decides whether two writes target the same logical resource.
// It returns a coalescing key and whether the (method, path) pair is
// coalescable at all. Alternate policies (such as per-entity ids) can be
// substituted without touching the store.
type CoalesceKeyFunc func(method, path string) (string, bool)

// DefaultCoalesceKey coalesces PATCH and PUT writes to an identical path.
// POST and DELETE are distinct create/delete intents and never coalesce.
func DefaultCoalesceKey(method, path string) (string, bool) {
	switch method {
	case http.MethodPatch, http.MethodPut:
		return method + " " + path, true
	}
	return "", false
}

// NormalizePath strips the origin from a URL, keeping path and query.
// Already-relative paths pass through cleaned.
func NormalizePath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}
