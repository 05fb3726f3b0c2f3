package outbox

import (
	"log/slog"
	"sync"
)

// notifier is a synchronous observer registry. Listeners are invoked with no
// arguments and pull the latest snapshot themselves. Each invocation is
// recovered individually so a faulty subscriber cannot abort the mutation
// path or starve later listeners.
type notifier struct {
	mu        sync.Mutex
	listeners map[int]func()
	nextID    int
}

func newNotifier() *notifier {
	return &notifier{
		listeners: make(map[int]func()),
	}
}

// subscribe registers a listener and returns its unsubscribe func.
func (n *notifier) subscribe(fn func()) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	n.listeners[id] = fn

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.listeners, id)
	}
}

// notify invokes all current listeners synchronously.
func (n *notifier) notify() {
	n.mu.Lock()
	fns := make([]func(), 0, len(n.listeners))
	for _, fn := range n.listeners {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		n.invoke(fn)
	}
}

func (n *notifier) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("outbox listener panic", "panic", r)
		}
	}()
	fn()
}
