package netstate

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultProbeInterval spaces connectivity probes.
	DefaultProbeInterval = 15 * time.Second
	// probeTimeout bounds a single probe; a slow link still counts as online.
	probeTimeout = 5 * time.Second

	eventBufferSize = 4
)

// Pinger probes the server. Satisfied by *tallysdk.TallySDK.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor tracks server reachability and emits online/offline transitions.
// The agent has no browser "online" event to lean on, so reachability is
// sampled with a lightweight health probe.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	online   atomic.Bool
	events   chan bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
	mu     sync.Mutex
}

func NewMonitor(pinger Pinger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultProbeInterval
	}
	return &Monitor{
		pinger:   pinger,
		interval: interval,
		events:   make(chan bool, eventBufferSize),
	}
}

// Start begins probing. The first probe runs immediately so the agent knows
// its state before the first timer tick.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.probe(ctx)

		// a timer, not a ticker, so slow probes don't queue up ticks
		timer := time.NewTimer(m.interval)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				m.probe(ctx)
				timer.Reset(m.interval)
			}
		}
	}()
}

// Stop halts probing and closes the event channel.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	m.cancel = nil
	m.wg.Wait()
	close(m.events)
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// Events delivers state transitions. Buffered; a slow consumer drops
// intermediate flips but always sees the latest state via Online.
func (m *Monitor) Events() <-chan bool {
	return m.events
}

// ReportOffline force-flips the state, used when a request elsewhere hit a
// transport failure before the next probe would have noticed.
func (m *Monitor) ReportOffline() {
	m.transition(false)
}

func (m *Monitor) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := m.pinger.Ping(probeCtx)
	m.transition(err == nil)
}

func (m *Monitor) transition(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	slog.Info("connectivity changed", "online", online)
	select {
	case m.events <- online:
	default:
	}
}
