package session

import "sync"

type msgKind int

const (
	msgJob msgKind = iota
	msgResponse
)

type outboundMsg struct {
	kind msgKind
	data []byte
}

// mailbox is a per-session outbound queue feeding the single writer
// goroutine, preserving the relative order of job pushes and submit
// responses as they are enqueued. On overflow, the oldest job-kind
// entry is evicted — submit responses are never dropped, since exactly
// one response per submit is a protocol invariant.
type mailbox struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []outboundMsg
	closed  bool
	maxJobs int
}

func newMailbox(maxJobs int) *mailbox {
	m := &mailbox{maxJobs: maxJobs}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(msg outboundMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if msg.kind == msgJob {
		if n := m.countJobs(); n >= m.maxJobs {
			m.evictOldestJob()
		}
	}
	m.items = append(m.items, msg)
	m.cond.Signal()
}

func (m *mailbox) countJobs() int {
	n := 0
	for _, it := range m.items {
		if it.kind == msgJob {
			n++
		}
	}
	return n
}

func (m *mailbox) evictOldestJob() {
	for i, it := range m.items {
		if it.kind == msgJob {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return
		}
	}
}

// pop blocks until an item is available or the mailbox is closed.
func (m *mailbox) pop() (outboundMsg, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.items) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.items) == 0 {
		return outboundMsg{}, false
	}
	msg := m.items[0]
	m.items = m.items[1:]
	return msg, true
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.cond.Broadcast()
}
