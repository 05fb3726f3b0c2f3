package outbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"

	"github.com/tallyhq/tally/internal/tallysdk"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxRetries is the retry ceiling before an item turns terminally
// failed.
const DefaultMaxRetries = 3

var (
	// ErrPassOffline means a replay pass was requested while disconnected.
	ErrPassOffline = errors.New("outbox: offline, replay skipped")
	// ErrNoTokenProvider means the engine has no way to authenticate writes.
	ErrNoTokenProvider = errors.New("outbox: no token provider configured")
)

// Replayer issues stored mutations against the network. Satisfied by
// *tallysdk.TallySDK.
type Replayer interface {
	Replay(ctx context.Context, params *tallysdk.ReplayParams) (*tallysdk.ReplayResult, error)
	HasTokenProvider() bool
}

// OfflineReporter takes a hint that a request just hit a transport failure.
// Satisfied by *netstate.Monitor.
type OfflineReporter interface {
	ReportOffline()
}

// ReplayEngine drains the queue against the network, one item at a time.
// Sequential processing keeps dependent-write reasoning simple and bounds
// in-flight requests to exactly one.
type ReplayEngine struct {
	store      *Store
	sdk        Replayer
	detector   *ConflictDetector
	offline    OfflineReporter
	maxRetries int

	group     singleflight.Group
	passCount atomic.Uint64
}

func NewReplayEngine(store *Store, sdk Replayer, detector *ConflictDetector, maxRetries int) *ReplayEngine {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &ReplayEngine{
		store:      store,
		sdk:        sdk,
		detector:   detector,
		maxRetries: maxRetries,
	}
}

// TriggerReplay runs one replay pass. Concurrent calls while a pass is in
// flight coalesce into that pass instead of starting parallel ones.
func (e *ReplayEngine) TriggerReplay(ctx context.Context) error {
	_, err, _ := e.group.Do("pass", func() (any, error) {
		return nil, e.runPass(ctx)
	})
	return err
}

// PassCount reports how many passes actually started.
func (e *ReplayEngine) PassCount() uint64 {
	return e.passCount.Load()
}

func (e *ReplayEngine) runPass(ctx context.Context) error {
	if !e.store.Online() {
		return ErrPassOffline
	}
	if e.sdk == nil || !e.sdk.HasTokenProvider() {
		return ErrNoTokenProvider
	}

	items := e.store.PendingItems()
	if len(items) == 0 {
		return nil
	}

	e.passCount.Add(1)
	if e.detector != nil {
		// conflict checks within a pass share list fetches, never across passes
		e.detector.reset()
	}
	e.store.SetSyncing(true)
	defer e.store.SetSyncing(false)

	for _, item := range items {
		if err := e.replayItem(ctx, item); err != nil {
			// transport-level failure: the device likely went offline, so
			// abort the whole pass without consuming this item's budget
			e.store.MarkInterrupted(item.ID, err.Error())
			e.store.SetPassError(err.Error())
			if e.offline != nil {
				e.offline.ReportOffline()
			}
			return err
		}
	}

	return nil
}

// replayItem runs one item through the per-pass state machine. A non-nil
// error is always a transport failure; server-acknowledged outcomes are
// recorded on the item and return nil so the pass continues.
func (e *ReplayEngine) replayItem(ctx context.Context, item *QueueItem) error {
	if e.detector != nil {
		if reason := e.detector.Detect(ctx, item); reason != "" {
			e.store.MarkConflict(item.ID, reason, 0)
			return nil
		}
	}

	e.store.MarkSyncing(item.ID)

	res, err := e.sdk.Replay(ctx, &tallysdk.ReplayParams{
		Method:      item.Method,
		Path:        item.Path,
		Body:        item.BodyText,
		ContentType: item.ContentType,
		Headers:     item.Headers,
	})
	if err != nil {
		return err
	}

	switch {
	case res.Ok():
		e.store.RemoveReplayed(item.ID)

	case res.StatusCode == http.StatusConflict:
		e.store.MarkConflict(item.ID, "server rejected the write with a conflict", res.StatusCode)

	case retryableStatus(res.StatusCode) && item.Retries+1 < e.maxRetries:
		e.store.MarkRetry(item.ID, res.StatusCode, serverError(res))

	default:
		e.store.MarkFailed(item.ID, res.StatusCode, serverError(res))
	}

	return nil
}

// retryableStatus covers transient server conditions worth another pass.
func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= http.StatusInternalServerError
}

func serverError(res *tallysdk.ReplayResult) string {
	if res.Body != "" {
		return fmt.Sprintf("status %d: %s", res.StatusCode, truncate(res.Body, 200))
	}
	return fmt.Sprintf("status %d", res.StatusCode)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
