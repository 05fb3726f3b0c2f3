package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// listCacheTTL keeps a fetched collection around long enough for one
	// replay pass so N items against the same endpoint cost one GET.
	listCacheTTL  = 10 * time.Second
	listCacheSize = 16

	// defaultUpdatedField is where Tally collections carry an entity's
	// last-modified timestamp.
	defaultUpdatedField = "updatedAt"
)

// ConflictReasonMissing is returned when the server no longer has the entity
// a queued edit targets.
const ConflictReasonMissing = "server item missing"

// ConflictRule maps a resource path pattern to the read endpoint used to
// check current server state. The first capture group of Pattern extracts the
// entity id; without one, the last path segment is used.
type ConflictRule struct {
	Pattern      *regexp.Regexp
	ListEndpoint string
	ListField    string
	IDField      string
	UpdatedField string
}

// NewConflictRule compiles a rule from a pattern string.
func NewConflictRule(pattern, listEndpoint, listField, idField string) (ConflictRule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ConflictRule{}, fmt.Errorf("conflict rule pattern %q: %w", pattern, err)
	}
	return ConflictRule{
		Pattern:      re,
		ListEndpoint: listEndpoint,
		ListField:    listField,
		IDField:      idField,
		UpdatedField: defaultUpdatedField,
	}, nil
}

// ListFetcher reads a collection endpoint. Satisfied by *tallysdk.TallySDK.
type ListFetcher interface {
	GetList(ctx context.Context, endpoint string) (map[string]any, error)
}

// ConflictDetector performs a last-write-wins staleness check for queued
// edits against current server state. This is a logical-timestamp heuristic,
// not a vector-clock scheme: the app assumes a single logical owner, and
// divergence is surfaced for manual resolution rather than merged.
type ConflictDetector struct {
	rules   []ConflictRule
	fetcher ListFetcher
	cache   *expirable.LRU[string, map[string]any]
}

func NewConflictDetector(fetcher ListFetcher, rules []ConflictRule) *ConflictDetector {
	return &ConflictDetector{
		rules:   rules,
		fetcher: fetcher,
		cache:   expirable.NewLRU[string, map[string]any](listCacheSize, nil, listCacheTTL),
	}
}

// Detect returns a human-readable conflict reason, or "" when the item may be
// replayed. A check that cannot complete fails open: blocking replay forever
// on an unreachable read endpoint would be worse than a rare lost conflict.
func (d *ConflictDetector) Detect(ctx context.Context, item *QueueItem) string {
	if item.IgnoreConflict {
		return ""
	}

	switch item.Method {
	case http.MethodPatch, http.MethodPut, http.MethodDelete:
	default:
		return ""
	}

	path := pathWithoutQuery(item.Path)
	rule, entityID, ok := d.matchRule(path)
	if !ok {
		return ""
	}

	list, err := d.fetchList(ctx, rule.ListEndpoint)
	if err != nil {
		slog.Debug("conflict check failed open", "path", item.Path, "error", err)
		return ""
	}

	entity := findEntity(list, rule.ListField, rule.IDField, entityID)
	if entity == nil {
		return ConflictReasonMissing
	}

	updatedAt, _ := entity[rule.UpdatedField].(string)
	if updatedAt != "" && timestampAfter(updatedAt, item.CreatedAt) {
		return fmt.Sprintf("server changed at %s, after this edit was queued at %s", updatedAt, item.CreatedAt)
	}

	return ""
}

// reset drops cached list responses so the next pass checks fresh server
// state. The TTL alone is not enough: a manual trigger can start a new pass
// well inside it.
func (d *ConflictDetector) reset() {
	d.cache.Purge()
}

func (d *ConflictDetector) matchRule(path string) (ConflictRule, string, bool) {
	for _, rule := range d.rules {
		m := rule.Pattern.FindStringSubmatch(path)
		if m == nil {
			continue
		}
		id := ""
		if len(m) > 1 {
			id = m[1]
		}
		if id == "" {
			segments := strings.Split(strings.Trim(path, "/"), "/")
			id = segments[len(segments)-1]
		}
		return rule, id, true
	}
	return ConflictRule{}, "", false
}

func (d *ConflictDetector) fetchList(ctx context.Context, endpoint string) (map[string]any, error) {
	if cached, ok := d.cache.Get(endpoint); ok {
		return cached, nil
	}

	list, err := d.fetcher.GetList(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	d.cache.Add(endpoint, list)
	return list, nil
}

func findEntity(resp map[string]any, listField, idField, entityID string) map[string]any {
	items, ok := resp[listField].([]any)
	if !ok {
		return nil
	}

	for _, raw := range items {
		entity, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if id, _ := entity[idField].(string); id == entityID {
			return entity
		}
	}
	return nil
}

// timestampAfter compares two timestamps, preferring parsed time when both
// sides are well-formed and falling back to lexicographic order otherwise.
func timestampAfter(a, b string) bool {
	ta, errA := time.Parse(time.RFC3339, a)
	tb, errB := time.Parse(time.RFC3339, b)
	if errA == nil && errB == nil {
		return ta.After(tb)
	}
	return a > b
}

func pathWithoutQuery(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		return path[:i]
	}
	return path
}
