package bus

import (
	"context"
	"sync"

	"github.com/hupe1980/swarmkit/core"
)

// mailbox is an unbounded FIFO queue with a single consumer. Publishers
// never block on a slow subscriber.
type mailbox struct {
	mu     sync.Mutex
	items  []core.Event
	signal chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{signal: make(chan struct{}, 1)}
}

func (m *mailbox) push(ev core.Event) {
	m.mu.Lock()
	m.items = append(m.items, ev)
	m.mu.Unlock()
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// pop blocks until an event is queued or ctx is done.
func (m *mailbox) pop(ctx context.Context) (core.Event, bool) {
	for {
		m.mu.Lock()
		if len(m.items) > 0 {
			ev := m.items[0]
			m.items[0] = core.Event{}
			m.items = m.items[1:]
			m.mu.Unlock()
			return ev, true
		}
		m.mu.Unlock()

		select {
		case <-m.signal:
		case <-ctx.Done():
			return core.Event{}, false
		}
	}
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
