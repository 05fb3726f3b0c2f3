package outbox

import (
	"fmt"
	"net/http"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testClock hands out strictly increasing timestamps so CreatedAt ordering is
// deterministic.
func testClock() func() time.Time {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	n := 0
	return func() time.Time {
		n++
		return base.Add(time.Duration(n) * time.Millisecond)
	}
}

func newTestStore(t *testing.T) (*Store, *MemoryStorage) {
	t.Helper()
	storage := NewMemoryStorage()
	store := NewStore(StoreConfig{Storage: storage, Clock: testClock()})
	return store, storage
}

func TestEnqueue_NewItem(t *testing.T) {
	store, _ := newTestStore(t)

	item := store.Enqueue(EnqueueInput{
		Method:      http.MethodPost,
		Path:        "/api/bills",
		BodyText:    `{"name":"rent"}`,
		ContentType: "application/json",
	})

	require.NotNil(t, item)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, StatusQueued, item.Status)
	assert.Equal(t, 0, item.Retries)
	assert.NotEmpty(t, item.CreatedAt)

	snap := store.Snapshot()
	assert.Equal(t, 1, snap.PendingCount)
	assert.Equal(t, uint64(1), snap.Telemetry.Enqueued)
}

func TestEnqueue_CoalescesSameTarget(t *testing.T) {
	store, _ := newTestStore(t)

	first := store.Enqueue(EnqueueInput{
		Method:   http.MethodPatch,
		Path:     "/api/cards/c1",
		BodyText: `{"limit":1000}`,
	})

	// second write to the same target replaces the payload in place
	second := store.Enqueue(EnqueueInput{
		Method:   http.MethodPatch,
		Path:     "/api/cards/c1",
		BodyText: `{"limit":2000}`,
	})

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, `{"limit":2000}`, second.BodyText)
	assert.Equal(t, 0, second.Retries)
	assert.Equal(t, StatusQueued, second.Status)

	snap := store.Snapshot()
	require.Len(t, snap.Items, 1)
	// same logical intent: the enqueued counter does not move
	assert.Equal(t, uint64(1), snap.Telemetry.Enqueued)
}

func TestEnqueue_CoalesceResetsFailureState(t *testing.T) {
	store, _ := newTestStore(t)

	item := store.Enqueue(EnqueueInput{Method: http.MethodPut, Path: "/api/alerts/a1", BodyText: "v1"})
	store.MarkFailed(item.ID, 422, "validation")

	replaced := store.Enqueue(EnqueueInput{Method: http.MethodPut, Path: "/api/alerts/a1", BodyText: "v2"})
	assert.Equal(t, item.ID, replaced.ID)
	assert.Equal(t, StatusQueued, replaced.Status)
	assert.Equal(t, 0, replaced.Retries)
	assert.Empty(t, replaced.LastError)
	assert.Zero(t, replaced.LastStatusCode)
}

func TestEnqueue_PostAndDeleteNeverCoalesce(t *testing.T) {
	store, _ := newTestStore(t)

	a := store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills", BodyText: "one"})
	b := store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills", BodyText: "two"})
	assert.NotEqual(t, a.ID, b.ID)

	c := store.Enqueue(EnqueueInput{Method: http.MethodDelete, Path: "/api/bills/b1"})
	d := store.Enqueue(EnqueueInput{Method: http.MethodDelete, Path: "/api/bills/b1"})
	assert.NotEqual(t, c.ID, d.ID)

	assert.Equal(t, uint64(4), store.Snapshot().Telemetry.Enqueued)
}

func TestEnqueue_BoundEvictsOldestFirst(t *testing.T) {
	storage := NewMemoryStorage()
	store := NewStore(StoreConfig{Storage: storage, MaxItems: 3, Clock: testClock()})

	for i := 0; i < 5; i++ {
		store.Enqueue(EnqueueInput{
			Method: http.MethodPost,
			Path:   fmt.Sprintf("/api/bills/%d", i),
		})
	}

	snap := store.Snapshot()
	require.Len(t, snap.Items, 3)
	// the two oldest intents are gone
	assert.Equal(t, "/api/bills/2", snap.Items[0].Path)
	assert.Equal(t, "/api/bills/4", snap.Items[2].Path)
}

func TestSnapshot_ItemsSortedByCreatedAt(t *testing.T) {
	store, _ := newTestStore(t)

	store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills/1"})
	store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills/2"})
	store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills/3"})

	snap := store.Snapshot()
	require.Len(t, snap.Items, 3)
	for i := 1; i < len(snap.Items); i++ {
		assert.LessOrEqual(t, snap.Items[i-1].CreatedAt, snap.Items[i].CreatedAt)
	}
}

func TestPersistRestore_RoundTrip(t *testing.T) {
	storage := NewMemoryStorage()
	store := NewStore(StoreConfig{Storage: storage, Clock: testClock()})

	queued := store.Enqueue(EnqueueInput{Method: http.MethodPatch, Path: "/api/cards/c1", BodyText: "x"})
	inflight := store.Enqueue(EnqueueInput{Method: http.MethodDelete, Path: "/api/loaned-out/x3"})
	store.MarkSyncing(inflight.ID)

	restored := NewStore(StoreConfig{Storage: storage, Clock: testClock()})
	require.NoError(t, restored.Restore())

	snap := restored.Snapshot()
	require.Len(t, snap.Items, 2)

	byID := map[string]*QueueItem{}
	for _, item := range snap.Items {
		byID[item.ID] = item
	}
	assert.Equal(t, StatusQueued, byID[queued.ID].Status)
	// syncing never survives a restart: collapsed to queued
	assert.Equal(t, StatusQueued, byID[inflight.ID].Status)
	assert.Equal(t, uint64(2), snap.Telemetry.Enqueued)
}

func TestRestore_DropsInvalidItems(t *testing.T) {
	storage := NewMemoryStorage()

	state := persistedState{
		Items: []*QueueItem{
			{ID: "ok-1", Method: "PATCH", Path: "/api/cards/c1", CreatedAt: "2026-03-01T12:00:00.001Z", UpdatedAt: "2026-03-01T12:00:00.001Z", Status: StatusQueued},
			{ID: "", Method: "PATCH", Path: "/api/cards/c2", CreatedAt: "2026-03-01T12:00:00.002Z", Status: StatusQueued},
			{ID: "no-method", Method: "", Path: "/api/cards/c3", CreatedAt: "2026-03-01T12:00:00.003Z", Status: StatusQueued},
			{ID: "bad-time", Method: "PUT", Path: "/api/cards/c4", CreatedAt: "yesterday-ish", Status: StatusQueued},
			{ID: "bad-status", Method: "PUT", Path: "/api/cards/c5", CreatedAt: "2026-03-01T12:00:00.004Z", Status: "exploded"},
		},
		Telemetry: Telemetry{Enqueued: 5},
	}
	blob, err := json.Marshal(&state)
	require.NoError(t, err)
	require.NoError(t, storage.Save(blob))

	store := NewStore(StoreConfig{Storage: storage})
	require.NoError(t, store.Restore())

	snap := store.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, "ok-1", snap.Items[0].ID)
	// telemetry survives restore untouched
	assert.Equal(t, uint64(5), snap.Telemetry.Enqueued)
}

func TestRestore_CorruptBlobIsNonFatal(t *testing.T) {
	storage := NewMemoryStorage()
	require.NoError(t, storage.Save([]byte("{not json")))

	store := NewStore(StoreConfig{Storage: storage})
	require.NoError(t, store.Restore())
	assert.Empty(t, store.Snapshot().Items)
}

func TestPersistFailure_IsBestEffort(t *testing.T) {
	storage := NewMemoryStorage()
	storage.FailSaves = true
	store := NewStore(StoreConfig{Storage: storage, Clock: testClock()})

	// enqueue must survive the storage write failing
	item := store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills"})
	require.NotNil(t, item)
	assert.Len(t, store.Snapshot().Items, 1)
}

func TestSubscribe_NotifiedOnMutation(t *testing.T) {
	store, _ := newTestStore(t)

	calls := 0
	unsubscribe := store.Subscribe(func() { calls++ })

	store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills"})
	assert.Equal(t, 1, calls)

	unsubscribe()
	store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills"})
	assert.Equal(t, 1, calls)
}

func TestSubscribe_PanickingListenerIsIsolated(t *testing.T) {
	store, _ := newTestStore(t)

	secondCalled := false
	store.Subscribe(func() { panic("bad subscriber") })
	store.Subscribe(func() { secondCalled = true })

	assert.NotPanics(t, func() {
		store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills"})
	})
	assert.True(t, secondCalled)
}

func TestRetryItem(t *testing.T) {
	store, _ := newTestStore(t)

	item := store.Enqueue(EnqueueInput{Method: http.MethodPatch, Path: "/api/cards/c1"})
	store.MarkFailed(item.ID, 500, "boom")

	assert.True(t, store.RetryItem(item.ID))
	got, ok := store.Get(item.ID)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, 0, got.Retries)
	assert.Empty(t, got.LastError)

	assert.False(t, store.RetryItem("nope"))
}

func TestResolveConflict(t *testing.T) {
	store, _ := newTestStore(t)

	apply := store.Enqueue(EnqueueInput{Method: http.MethodPatch, Path: "/api/cards/c1"})
	store.MarkConflict(apply.ID, "stale", 0)

	assert.True(t, store.ResolveConflict(apply.ID, ResolveApply))
	got, ok := store.Get(apply.ID)
	require.True(t, ok)
	assert.Equal(t, StatusQueued, got.Status)
	assert.True(t, got.IgnoreConflict)
	assert.Empty(t, got.ConflictReason)

	discard := store.Enqueue(EnqueueInput{Method: http.MethodPut, Path: "/api/alerts/a2"})
	store.MarkConflict(discard.ID, "stale", 0)

	assert.True(t, store.ResolveConflict(discard.ID, ResolveDiscard))
	_, ok = store.Get(discard.ID)
	assert.False(t, ok)

	assert.False(t, store.ResolveConflict("nope", ResolveApply))
	assert.False(t, store.ResolveConflict(apply.ID, ResolveMode("merge")))
}

func TestClearFailed(t *testing.T) {
	store, _ := newTestStore(t)

	failed := store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills/1"})
	store.MarkFailed(failed.ID, 400, "bad")
	keep := store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills/2"})

	assert.Equal(t, 1, store.ClearFailed())

	snap := store.Snapshot()
	require.Len(t, snap.Items, 1)
	assert.Equal(t, keep.ID, snap.Items[0].ID)
	assert.Equal(t, 0, snap.FailedCount)
}

func TestWipe_ResetsTelemetry(t *testing.T) {
	store, storage := newTestStore(t)

	store.Enqueue(EnqueueInput{Method: http.MethodPost, Path: "/api/bills"})
	require.NoError(t, store.Wipe())

	snap := store.Snapshot()
	assert.Empty(t, snap.Items)
	assert.Equal(t, Telemetry{}, snap.Telemetry)

	data, err := storage.Load()
	require.NoError(t, err)
	assert.Nil(t, data)
}

func TestSQLiteStorage_RoundTrip(t *testing.T) {
	storage := NewSQLiteStorage(t.TempDir() + "/outbox.db")
	require.NoError(t, storage.Open())
	defer storage.Close()

	// nothing saved yet
	data, err := storage.Load()
	require.NoError(t, err)
	assert.Nil(t, data)

	require.NoError(t, storage.Save([]byte(`{"items":[]}`)))
	data, err = storage.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"items":[]}`), data)

	require.NoError(t, storage.Save([]byte(`{"items":[1]}`)))
	data, err = storage.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"items":[1]}`), data)

	require.NoError(t, storage.Wipe())
	data, err = storage.Load()
	require.NoError(t, err)
	assert.Nil(t, data)
}
