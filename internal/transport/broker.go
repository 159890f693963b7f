package transport

import (
	"sync"
	"time"

	"github.com/seantiz/voxgate/internal/model"
)

// subscriberBufferSize is the channel buffer for each progress subscriber.
// Lines are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// ProgressBroker fans out engine progress lines per task to subscribers.
// It is safe for concurrent use.
//
// Closed topics are kept as markers so that late subscribers receive a
// closed channel instead of blocking forever; Prune drops markers older than
// a cutoff.
type ProgressBroker struct {
	mu     sync.Mutex
	topics map[string]*progressTopic
}

type progressTopic struct {
	subs     map[int]chan string
	nextID   int
	closed   bool
	closedAt time.Time
}

// NewProgressBroker creates a new progress broker.
func NewProgressBroker() *ProgressBroker {
	return &ProgressBroker{
		topics: make(map[string]*progressTopic),
	}
}

// Subscribe returns a channel that receives progress lines for the given task
// and an unsubscribe function. If the task has already finished (Close was
// called), the returned channel is immediately closed.
func (b *ProgressBroker) Subscribe(taskID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok {
		t = &progressTopic{subs: make(map[int]chan string)}
		b.topics[taskID] = t
	}

	ch := make(chan string, subscriberBufferSize)
	if t.closed {
		close(ch)
		return ch, func() {}
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(t.subs, id)
	}
}

// Publish sends a progress line to all subscribers of the given task.
// Lines are dropped for subscribers whose buffers are full.
func (b *ProgressBroker) Publish(taskID string, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[taskID]
	if !ok || t.closed {
		return
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close signals that no more progress will be published for the given task.
// All subscriber channels are closed and future Subscribe calls return a
// closed channel.
func (b *ProgressBroker) Close(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	t, ok := b.topics[taskID]
	if !ok {
		b.topics[taskID] = &progressTopic{subs: make(map[int]chan string), closed: true, closedAt: now}
		return
	}
	if t.closed {
		return
	}

	t.closed = true
	t.closedAt = now
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
}

// Observe closes the topic of a task that has reached a terminal status. It
// has the shape of a registry observer, so topics of tasks that time out or
// are swept close as well as those the engine answers.
func (b *ProgressBroker) Observe(t *model.Task) {
	if model.IsTerminal(t.Status) {
		b.Close(t.ID)
	}
}

// Prune removes closed-topic markers older than maxAge and returns how many
// were dropped.
func (b *ProgressBroker) Prune(maxAge time.Duration) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	n := 0
	for id, t := range b.topics {
		if t.closed && t.closedAt.Before(cutoff) {
			delete(b.topics, id)
			n++
		}
	}
	return n
}
