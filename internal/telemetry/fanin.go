package telemetry

import "sync"

// FanIn is the send-end intake every WorkerSession publishes snapshots
// into. Publications are coalesced by worker name: if a snapshot for
// that worker is already queued, it is replaced in place rather than
// enqueuing a second entry, bounding memory without losing the most
// recent state.
type FanIn struct {
	mu      sync.Mutex
	pending map[string]Worker
	order   []string
	notify  chan struct{}
}

// NewFanIn builds an empty FanIn.
func NewFanIn() *FanIn {
	return &FanIn{
		pending: make(map[string]Worker),
		notify:  make(chan struct{}, 1),
	}
}

// Publish enqueues (or updates in place) the snapshot for w.WorkerName.
func (f *FanIn) Publish(w Worker) {
	f.mu.Lock()
	if _, exists := f.pending[w.WorkerName]; !exists {
		f.order = append(f.order, w.WorkerName)
	}
	f.pending[w.WorkerName] = w
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// C returns a channel that receives a value whenever new snapshots are
// pending; the consumer should call Drain after waking.
func (f *FanIn) C() <-chan struct{} { return f.notify }

// Drain removes and returns every currently queued snapshot, oldest
// first by first-publish order.
func (f *FanIn) Drain() []Worker {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Worker, 0, len(f.order))
	for _, name := range f.order {
		out = append(out, f.pending[name])
		delete(f.pending, name)
	}
	f.order = f.order[:0]
	return out
}
