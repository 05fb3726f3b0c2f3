package outbox

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	// DefaultMaxItems bounds the queue; overflow evicts oldest first.
	DefaultMaxItems = 250

	// timeLayout is fixed-width UTC milliseconds so string order equals time
	// order for CreatedAt comparisons.
	timeLayout = "2006-01-02T15:04:05.000Z"
)

// persistedState is the single blob written under the fixed storage key.
type persistedState struct {
	Items      []*QueueItem `json:"items"`
	LastSyncAt string       `json:"lastSyncAt,omitempty"`
	LastError  string       `json:"lastError,omitempty"`
	Telemetry  Telemetry    `json:"telemetry"`
}

// StoreConfig configures a Store. Storage is required; everything else has
// defaults.
type StoreConfig struct {
	Storage  Storage
	MaxItems int
	KeyFunc  CoalesceKeyFunc
	Clock    func() time.Time
}

// Store holds pending write-intents plus sync telemetry. Every mutation
// persists the full state and then notifies subscribers synchronously.
type Store struct {
	mu         sync.Mutex
	items      []*QueueItem
	lastSyncAt string
	lastError  string
	telemetry  Telemetry
	online     bool
	syncing    bool

	maxItems int
	keyFn    CoalesceKeyFunc
	clock    func() time.Time
	storage  Storage
	notifier *notifier
	snapshot *SyncSnapshot
}

// NewStore creates a Store. Call Restore before first use to pick up
// previously persisted items.
func NewStore(cfg StoreConfig) *Store {
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	keyFn := cfg.KeyFunc
	if keyFn == nil {
		keyFn = DefaultCoalesceKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Store{
		maxItems: maxItems,
		keyFn:    keyFn,
		clock:    clock,
		storage:  cfg.Storage,
		notifier: newNotifier(),
	}
	s.snapshot = s.buildSnapshotLocked()
	return s
}

func (s *Store) now() string {
	return s.clock().UTC().Format(timeLayout)
}

// Restore loads the persisted blob and applies defensive validation: items
// lacking required fields are dropped silently, and `syncing` collapses to
// `queued` since no pass can survive a restart. Storage corruption is
// non-fatal; the agent starts with an empty queue.
func (s *Store) Restore() error {
	if s.storage == nil {
		return nil
	}

	data, err := s.storage.Load()
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var state persistedState
	if err := json.Unmarshal(data, &state); err != nil {
		slog.Warn("outbox state corrupt, starting empty", "error", err)
		return nil
	}

	s.mu.Lock()
	s.items = s.items[:0]
	for _, item := range state.Items {
		if item == nil || !item.valid() {
			continue
		}
		if item.Status == StatusSyncing {
			item.Status = StatusQueued
		}
		s.items = append(s.items, item)
	}
	s.lastSyncAt = state.LastSyncAt
	s.lastError = state.LastError
	s.telemetry = state.Telemetry
	s.sortLocked()
	s.snapshot = s.buildSnapshotLocked()
	s.mu.Unlock()

	slog.Info("outbox restored", "items", len(s.items))
	return nil
}

// EnqueueInput describes a mutating request to queue.
type EnqueueInput struct {
	Method      string
	Path        string
	BodyText    string
	Headers     map[string]string
	ContentType string
}

// Enqueue records a write-intent. A write to an already-queued coalescing
// target replaces the pending payload in place instead of appending: same
// logical intent, so the enqueued counter does not move. New items count.
func (s *Store) Enqueue(input EnqueueInput) *QueueItem {
	path := NormalizePath(input.Path)
	now := s.now()

	s.mu.Lock()

	var item *QueueItem
	if key, ok := s.keyFn(input.Method, path); ok {
		for _, existing := range s.items {
			if k, ok2 := s.keyFn(existing.Method, existing.Path); ok2 && k == key {
				item = existing
				break
			}
		}
	}

	if item != nil {
		item.BodyText = input.BodyText
		item.Headers = input.Headers
		item.ContentType = input.ContentType
		item.Status = StatusQueued
		item.Retries = 0
		item.LastError = ""
		item.LastStatusCode = 0
		item.ConflictReason = ""
		item.IgnoreConflict = false
		item.UpdatedAt = now
	} else {
		item = &QueueItem{
			ID:          uuid.NewString(),
			Method:      input.Method,
			Path:        path,
			BodyText:    input.BodyText,
			Headers:     input.Headers,
			ContentType: input.ContentType,
			CreatedAt:   now,
			UpdatedAt:   now,
			Status:      StatusQueued,
		}
		s.items = append(s.items, item)
		s.telemetry.Enqueued++
		s.sortLocked()
		s.evictLocked()
	}

	result := item.Clone()
	blob := s.commitLocked()
	s.mu.Unlock()

	s.finish(blob)
	return result
}

// Snapshot returns the cached read-only projection.
func (s *Store) Snapshot() *SyncSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Subscribe registers a listener called synchronously on every mutation.
// Returns the unsubscribe func.
func (s *Store) Subscribe(fn func()) func() {
	return s.notifier.subscribe(fn)
}

// PendingItems returns clones of queued/syncing items, CreatedAt ascending.
func (s *Store) PendingItems() []*QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make([]*QueueItem, 0, len(s.items))
	for _, item := range s.items {
		if item.Pending() {
			pending = append(pending, item.Clone())
		}
	}
	return pending
}

// Get returns a clone of the item with the given id.
func (s *Store) Get(id string) (*QueueItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item := s.findLocked(id)
	if item == nil {
		return nil, false
	}
	return item.Clone(), true
}

// MarkSyncing moves an item into the in-flight state for the current pass.
func (s *Store) MarkSyncing(id string) {
	s.mutateItem(id, func(item *QueueItem) {
		item.Status = StatusSyncing
		item.UpdatedAt = s.now()
	})
}

// MarkConflict parks an item for manual resolution and counts the conflict.
func (s *Store) MarkConflict(id string, reason string, statusCode int) {
	s.mutateItem(id, func(item *QueueItem) {
		item.Status = StatusConflict
		item.ConflictReason = reason
		if statusCode != 0 {
			item.LastStatusCode = statusCode
		}
		item.UpdatedAt = s.now()
		s.telemetry.Conflicts++
	})
}

// MarkRetry consumes one retry and leaves the item queued for the next pass.
func (s *Store) MarkRetry(id string, statusCode int, errMsg string) {
	s.mutateItem(id, func(item *QueueItem) {
		item.Retries++
		item.Status = StatusQueued
		item.LastStatusCode = statusCode
		item.LastError = errMsg
		item.UpdatedAt = s.now()
	})
}

// MarkFailed moves an item to the terminal failed state.
func (s *Store) MarkFailed(id string, statusCode int, errMsg string) {
	s.mutateItem(id, func(item *QueueItem) {
		item.Retries++
		item.Status = StatusFailed
		item.LastStatusCode = statusCode
		item.LastError = errMsg
		item.UpdatedAt = s.now()
		s.telemetry.Failed++
	})
}

// MarkInterrupted returns an in-flight item to queued without consuming its
// retry budget. Transport failures abort the whole pass; they say the device
// went offline, not that this write is bad.
func (s *Store) MarkInterrupted(id string, errMsg string) {
	s.mutateItem(id, func(item *QueueItem) {
		item.Status = StatusQueued
		item.LastError = errMsg
		item.UpdatedAt = s.now()
		s.lastError = errMsg
	})
}

// RemoveReplayed drops a confirmed-synced item and records the success.
func (s *Store) RemoveReplayed(id string) {
	s.mu.Lock()
	if s.removeLocked(id) {
		s.telemetry.Replayed++
		s.lastSyncAt = s.now()
		s.lastError = ""
	}
	blob := s.commitLocked()
	s.mu.Unlock()
	s.finish(blob)
}

// RetryItem resets a failed or conflicted item for another automatic attempt.
// Calling it on an already-queued item is a no-op beyond resetting fields.
func (s *Store) RetryItem(id string) bool {
	found := false
	s.mutateItem(id, func(item *QueueItem) {
		item.Status = StatusQueued
		item.Retries = 0
		item.LastError = ""
		item.LastStatusCode = 0
		item.ConflictReason = ""
		item.UpdatedAt = s.now()
		found = true
	})
	return found
}

// ResolveMode selects how a conflicted item is settled.
type ResolveMode string

const (
	// ResolveApply pushes the local edit anyway: one-shot conflict bypass.
	ResolveApply ResolveMode = "apply"
	// ResolveDiscard drops the local edit in favor of server state.
	ResolveDiscard ResolveMode = "discard"
)

// ResolveConflict settles a conflicted item. Returns false when the item does
// not exist.
func (s *Store) ResolveConflict(id string, mode ResolveMode) bool {
	switch mode {
	case ResolveApply:
		found := false
		s.mutateItem(id, func(item *QueueItem) {
			item.IgnoreConflict = true
			item.Status = StatusQueued
			item.ConflictReason = ""
			item.UpdatedAt = s.now()
			found = true
		})
		return found
	case ResolveDiscard:
		s.mu.Lock()
		removed := s.removeLocked(id)
		blob := s.commitLocked()
		s.mu.Unlock()
		s.finish(blob)
		return removed
	}
	return false
}

// ClearFailed discards all terminally failed items. Returns how many were
// removed.
func (s *Store) ClearFailed() int {
	s.mu.Lock()
	kept := s.items[:0]
	removed := 0
	for _, item := range s.items {
		if item.Status == StatusFailed {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	s.items = kept
	blob := s.commitLocked()
	s.mu.Unlock()

	s.finish(blob)
	return removed
}

// Wipe discards all state including telemetry and the persisted blob.
func (s *Store) Wipe() error {
	s.mu.Lock()
	s.items = nil
	s.lastSyncAt = ""
	s.lastError = ""
	s.telemetry = Telemetry{}
	s.snapshot = s.buildSnapshotLocked()
	s.mu.Unlock()

	s.notifier.notify()
	if s.storage != nil {
		return s.storage.Wipe()
	}
	return nil
}

// SetOnline updates the connectivity flag. Runtime state only; not persisted.
func (s *Store) SetOnline(online bool) {
	s.mu.Lock()
	changed := s.online != online
	s.online = online
	s.snapshot = s.buildSnapshotLocked()
	s.mu.Unlock()

	if changed {
		s.notifier.notify()
	}
}

// Online reports the current connectivity flag.
func (s *Store) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// SetSyncing updates the pass-in-progress flag. Runtime state only.
func (s *Store) SetSyncing(syncing bool) {
	s.mu.Lock()
	s.syncing = syncing
	s.snapshot = s.buildSnapshotLocked()
	s.mu.Unlock()
	s.notifier.notify()
}

// SetPassError records a pass-level error on the snapshot.
func (s *Store) SetPassError(errMsg string) {
	s.mu.Lock()
	s.lastError = errMsg
	blob := s.commitLocked()
	s.mu.Unlock()
	s.finish(blob)
}

func (s *Store) findLocked(id string) *QueueItem {
	for _, item := range s.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func (s *Store) removeLocked(id string) bool {
	for i, item := range s.items {
		if item.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// mutateItem applies fn to the item with the given id (if present), then
// persists and notifies.
func (s *Store) mutateItem(id string, fn func(*QueueItem)) {
	s.mu.Lock()
	item := s.findLocked(id)
	if item == nil {
		s.mu.Unlock()
		return
	}
	fn(item)
	blob := s.commitLocked()
	s.mu.Unlock()
	s.finish(blob)
}

func (s *Store) sortLocked() {
	sort.SliceStable(s.items, func(i, j int) bool {
		return s.items[i].CreatedAt < s.items[j].CreatedAt
	})
}

// evictLocked enforces the queue bound, dropping oldest items first.
// Items are kept sorted by CreatedAt, so eviction trims the head.
func (s *Store) evictLocked() {
	for len(s.items) > s.maxItems {
		evicted := s.items[0]
		s.items = s.items[1:]
		slog.Warn("outbox full, evicting oldest item", "id", evicted.ID, "method", evicted.Method, "path", evicted.Path)
	}
}

func (s *Store) buildSnapshotLocked() *SyncSnapshot {
	snap := &SyncSnapshot{
		Online:     s.online,
		Syncing:    s.syncing,
		LastSyncAt: s.lastSyncAt,
		LastError:  s.lastError,
		Telemetry:  s.telemetry,
		Items:      make([]*QueueItem, 0, len(s.items)),
	}
	for _, item := range s.items {
		switch item.Status {
		case StatusFailed:
			snap.FailedCount++
		case StatusConflict:
			snap.ConflictCount++
		default:
			snap.PendingCount++
		}
		snap.Items = append(snap.Items, item.Clone())
	}
	return snap
}

// commitLocked rebuilds the cached snapshot and serializes the blob to
// persist once the lock is released.
func (s *Store) commitLocked() []byte {
	s.snapshot = s.buildSnapshotLocked()

	state := persistedState{
		Items:      s.items,
		LastSyncAt: s.lastSyncAt,
		LastError:  s.lastError,
		Telemetry:  s.telemetry,
	}
	blob, err := json.Marshal(&state)
	if err != nil {
		slog.Error("outbox state marshal failed", "error", err)
		return nil
	}
	return blob
}

// finish persists the blob (best-effort) and notifies subscribers.
func (s *Store) finish(blob []byte) {
	if s.storage != nil && blob != nil {
		if err := s.storage.Save(blob); err != nil {
			// quota exhaustion or a read-only volume must not take the
			// in-memory queue down with it
			slog.Warn("outbox persist failed", "error", err)
		}
	}
	s.notifier.notify()
}
