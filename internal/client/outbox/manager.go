package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tallyhq/tally/internal/client/netstate"
)

// DefaultReplayInterval spaces the periodic replay trigger.
const DefaultReplayInterval = 30 * time.Second

// ErrNotQueueable means the enqueue gate rejected the request; the caller
// must handle the failure synchronously.
var ErrNotQueueable = errors.New("outbox: request not eligible for queuing")

// ManagerConfig wires the outbox together with injected dependencies so
// multiple instances can coexist (one per test, one per profile).
type ManagerConfig struct {
	Store          *Store
	Gate           *Gate
	SDK            Replayer
	Fetcher        ListFetcher
	Monitor        *netstate.Monitor
	ConflictRules  []ConflictRule
	MaxRetries     int
	ReplayInterval time.Duration
}

// Manager owns the outbox lifecycle: it feeds connectivity transitions and a
// periodic timer into the replay engine and exposes the public operations.
// All wake-up sources are edge-triggered against the engine's level-triggered
// guard, so a burst of triggers collapses to at most one concurrent pass.
type Manager struct {
	store   *Store
	gate    *Gate
	engine  *ReplayEngine
	monitor *netstate.Monitor

	interval time.Duration
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	mu       sync.Mutex
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("outbox manager: store is required")
	}
	if cfg.Gate == nil {
		return nil, fmt.Errorf("outbox manager: gate is required")
	}

	var detector *ConflictDetector
	if cfg.Fetcher != nil && len(cfg.ConflictRules) > 0 {
		detector = NewConflictDetector(cfg.Fetcher, cfg.ConflictRules)
	}

	interval := cfg.ReplayInterval
	if interval <= 0 {
		interval = DefaultReplayInterval
	}

	engine := NewReplayEngine(cfg.Store, cfg.SDK, detector, cfg.MaxRetries)
	if cfg.Monitor != nil {
		// a transport failure mid-pass flips connectivity right away instead
		// of waiting for the next probe
		engine.offline = cfg.Monitor
	}

	return &Manager{
		store:    cfg.Store,
		gate:     cfg.Gate,
		engine:   engine,
		monitor:  cfg.Monitor,
		interval: interval,
	}, nil
}

// Start restores persisted state and begins the lifecycle triggers.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return fmt.Errorf("outbox manager already started")
	}

	if err := m.store.Restore(); err != nil {
		return fmt.Errorf("restore outbox: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	if m.monitor != nil {
		m.monitor.Start(ctx)

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.handleConnectivity(ctx)
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runTimer(ctx)
	}()

	slog.Info("outbox manager start", "interval", m.interval)
	return nil
}

// Stop halts triggers. In-flight passes finish their current item and abort
// on the next network call via context cancellation.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	if m.monitor != nil {
		m.monitor.Stop()
	}
	m.wg.Wait()
	slog.Info("outbox manager stop")
}

// Enqueue runs the gate and records the write-intent. Rejected requests
// return ErrNotQueueable so the caller can fail synchronously.
func (m *Manager) Enqueue(input EnqueueInput, isFormData bool) (*QueueItem, error) {
	if !m.gate.ShouldQueue(input.Path, input.Method, isFormData) {
		return nil, ErrNotQueueable
	}

	item := m.store.Enqueue(input)
	return item, nil
}

// Snapshot returns the current read-only view.
func (m *Manager) Snapshot() *SyncSnapshot {
	return m.store.Snapshot()
}

// Subscribe registers an observer; returns the unsubscribe func.
func (m *Manager) Subscribe(fn func()) func() {
	return m.store.Subscribe(fn)
}

// TriggerReplay requests a pass now. Safe to call from any goroutine at any
// rate.
func (m *Manager) TriggerReplay(ctx context.Context) error {
	return m.engine.TriggerReplay(ctx)
}

// RetryItem resets a failed or conflicted item and requests a pass.
func (m *Manager) RetryItem(ctx context.Context, id string) bool {
	if !m.store.RetryItem(id) {
		return false
	}
	m.triggerAsync(ctx)
	return true
}

// ResolveConflict settles a conflicted item; "apply" re-queues with the
// one-shot conflict bypass and requests a pass, "discard" drops the edit.
func (m *Manager) ResolveConflict(ctx context.Context, id string, mode ResolveMode) bool {
	if !m.store.ResolveConflict(id, mode) {
		return false
	}
	if mode == ResolveApply {
		m.triggerAsync(ctx)
	}
	return true
}

// ClearFailedItems discards all terminally failed items.
func (m *Manager) ClearFailedItems() int {
	return m.store.ClearFailed()
}

func (m *Manager) runTimer(ctx context.Context) {
	// a timer, not a ticker, so a slow pass doesn't queue up ticks
	timer := time.NewTimer(m.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			m.tryReplay(ctx)
			timer.Reset(m.interval)
		}
	}
}

func (m *Manager) handleConnectivity(ctx context.Context) {
	events := m.monitor.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-events:
			if !ok {
				return
			}
			m.store.SetOnline(online)
			if online {
				m.tryReplay(ctx)
			}
		}
	}
}

func (m *Manager) tryReplay(ctx context.Context) {
	err := m.engine.TriggerReplay(ctx)
	if err != nil && !errors.Is(err, ErrPassOffline) && !errors.Is(err, context.Canceled) {
		slog.Error("replay pass failed", "error", err)
	}
}

func (m *Manager) triggerAsync(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.tryReplay(ctx)
	}()
}
