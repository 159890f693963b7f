package transport

import "sync"

// mailbox is an unbounded FIFO between the receive loop and the delivery
// goroutine. push never blocks.
type mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{notify: make(chan struct{}, 1)}
}

func (m *mailbox[T]) push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	n := len(m.items)
	m.mu.Unlock()

	mailboxDepth.Set(float64(n))

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// drain removes and returns everything queued so far.
func (m *mailbox[T]) drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	mailboxDepth.Set(0)
	return items
}

func (m *mailbox[T]) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
