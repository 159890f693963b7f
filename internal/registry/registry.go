package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/voxgate/internal/model"
)

// DefaultMaxPending is the pending-task bound used when none is configured.
const DefaultMaxPending = 256

var (
	// ErrCapacityExceeded is returned by Register when the pending bound is reached.
	ErrCapacityExceeded = errors.New("registry capacity exceeded")

	// ErrNotFound is returned for task IDs the registry does not hold.
	ErrNotFound = errors.New("task not found")
)

// Outcome reports what a resolution attempt did.
type Outcome int

const (
	// OutcomeResolved means the call moved the task out of pending.
	OutcomeResolved Outcome = iota
	// OutcomeDuplicate means the task was already terminal; nothing changed.
	OutcomeDuplicate
)

func (o Outcome) String() string {
	if o == OutcomeDuplicate {
		return "duplicate"
	}
	return "resolved"
}

// Resolution carries either an engine result or a failure reason.
// A non-empty Failure marks the task failed; Result is ignored in that case.
type Resolution struct {
	Result  json.RawMessage
	Failure string
}

// Observer receives a snapshot of a task after every state change,
// including creation. It runs on the goroutine that made the change and
// must not block.
type Observer func(t *model.Task)

// Config holds registry settings.
type Config struct {
	// MaxPending bounds the number of pending tasks. Zero or negative
	// falls back to DefaultMaxPending.
	MaxPending int
}

type entry struct {
	mu         sync.Mutex
	task       *model.Task
	done       chan struct{}
	terminalAt time.Time
}

// Registry is the in-memory table of outstanding and recently finished tasks.
// It is safe for concurrent use: the map lock is held only for lookups,
// inserts and deletes, and each task's transitions are serialized by its own
// lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry

	pending    atomic.Int64
	maxPending int64

	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// New creates an empty registry.
func New(cfg Config, logger *slog.Logger) *Registry {
	maxPending := cfg.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Registry{
		entries:    make(map[string]*entry),
		maxPending: int64(maxPending),
		logger:     logger.With("component", "registry"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetObserver installs the transition observer. Call before the registry is shared.
func (r *Registry) SetObserver(obs Observer) {
	r.observer = obs
}

// Register creates a pending task for payload and returns a snapshot of it.
// It fails with ErrCapacityExceeded when the pending bound is reached.
func (r *Registry) Register(action string, payload json.RawMessage) (*model.Task, error) {
	if !r.reserve() {
		registerRejected.Inc()
		return nil, fmt.Errorf("%w: %d pending tasks", ErrCapacityExceeded, r.maxPending)
	}
	pendingTasks.Inc()

	t := &model.Task{
		Action:    action,
		Status:    model.StatusPending,
		Payload:   append(json.RawMessage(nil), payload...),
		CreatedAt: r.now(),
	}
	e := &entry{task: t, done: make(chan struct{})}

	r.mu.Lock()
	for {
		t.ID = model.NewID()
		if _, taken := r.entries[t.ID]; !taken {
			break
		}
	}
	r.entries[t.ID] = e
	r.mu.Unlock()

	snap := t.Clone()
	r.notify(snap)
	return snap, nil
}

// reserve claims a pending slot, reporting false when none is free.
func (r *Registry) reserve() bool {
	for {
		cur := r.pending.Load()
		if cur >= r.maxPending {
			return false
		}
		if r.pending.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Resolve records the engine's answer for a task. Resolving a task that is
// already terminal is a no-op reported as OutcomeDuplicate, not an error,
// since the engine may retransmit completions.
func (r *Registry) Resolve(id string, res Resolution) (Outcome, error) {
	status := model.StatusCompleted
	if res.Failure != "" {
		status = model.StatusFailed
	}
	outcome, err := r.transition(id, status, res.Result, res.Failure)
	if err != nil {
		return outcome, err
	}
	if outcome == OutcomeDuplicate {
		duplicateResolutions.Inc()
		r.logger.Warn("duplicate resolution ignored", "task_id", id, "attempted_status", status)
	}
	return outcome, nil
}

// TimeOut moves a pending task to timed_out. If the task resolved first the
// call is a no-op and reports OutcomeDuplicate.
func (r *Registry) TimeOut(id string, reason string) (Outcome, error) {
	return r.transition(id, model.StatusTimedOut, nil, reason)
}

func (r *Registry) transition(id, status string, result json.RawMessage, errMsg string) (Outcome, error) {
	e, ok := r.lookup(id)
	if !ok {
		return OutcomeDuplicate, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	e.mu.Lock()
	if !model.ValidTransition(e.task.Status, status) {
		e.mu.Unlock()
		return OutcomeDuplicate, nil
	}

	now := r.now()
	dur := now.Sub(e.task.CreatedAt).Milliseconds()
	e.task.Status = status
	e.task.CompletedAt = &now
	e.task.DurationMS = &dur
	if status == model.StatusCompleted {
		e.task.Result = append(json.RawMessage(nil), result...)
	} else {
		e.task.Error = errMsg
	}
	e.terminalAt = now
	close(e.done)
	snap := e.task.Clone()
	e.mu.Unlock()

	r.pending.Add(-1)
	pendingTasks.Dec()
	tasksFinished.WithLabelValues(status).Inc()
	r.notify(snap)
	return OutcomeResolved, nil
}

// Get returns a snapshot of the task with the given ID.
func (r *Registry) Get(id string) (*model.Task, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// Wait blocks until the task leaves pending or ctx is done. It only ever
// waits on its own task.
func (r *Registry) Wait(ctx context.Context, id string) (*model.Task, error) {
	e, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("wait task %s: %w", id, ctx.Err())
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.task.Clone(), nil
}

// MarkObserved flags a task as seen by its caller, making it eligible for
// early eviction once terminal.
func (r *Registry) MarkObserved(id string) {
	e, ok := r.lookup(id)
	if !ok {
		return
	}
	e.mu.Lock()
	e.task.Observed = true
	e.mu.Unlock()
}

// Sweep removes every task created more than maxAge ago, whatever its status,
// and returns how many were evicted. A pending task is timed out before
// removal so that its waiter wakes up.
func (r *Registry) Sweep(maxAge time.Duration) int {
	cutoff := r.now().Add(-maxAge)
	return r.evict(func(e *entry) bool {
		return e.task.CreatedAt.Before(cutoff)
	}, "swept")
}

// EvictObserved removes terminal tasks that their caller has already seen
// and that finished more than grace ago.
func (r *Registry) EvictObserved(grace time.Duration) int {
	cutoff := r.now().Add(-grace)
	return r.evict(func(e *entry) bool {
		return e.task.Observed && model.IsTerminal(e.task.Status) && e.terminalAt.Before(cutoff)
	}, "observed")
}

func (r *Registry) evict(match func(e *entry) bool, reason string) int {
	r.mu.RLock()
	var victims []string
	for id, e := range r.entries {
		e.mu.Lock()
		hit := match(e)
		e.mu.Unlock()
		if hit {
			victims = append(victims, id)
		}
	}
	r.mu.RUnlock()

	for _, id := range victims {
		// Timing out a pending task wakes its waiter; a no-op otherwise.
		if _, err := r.TimeOut(id, "evicted by retention sweep"); err == nil {
			r.logger.Debug("evicting task", "task_id", id, "reason", reason)
		}
	}

	r.mu.Lock()
	for _, id := range victims {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if n := len(victims); n > 0 {
		tasksEvicted.WithLabelValues(reason).Add(float64(n))
	}
	return len(victims)
}

// Stats is a point-in-time summary of the registry.
type Stats struct {
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	Capacity int            `json:"capacity"`
	ByStatus map[string]int `json:"by_status"`
}

// Stats returns counts by status together with the pending bound.
func (r *Registry) Stats() Stats {
	st := Stats{
		Capacity: int(r.maxPending),
		Pending:  int(r.pending.Load()),
		ByStatus: make(map[string]int),
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	st.Total = len(r.entries)
	for _, e := range r.entries {
		e.mu.Lock()
		st.ByStatus[e.task.Status]++
		e.mu.Unlock()
	}
	return st
}

// Len returns the number of tasks currently held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func (r *Registry) lookup(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

func (r *Registry) notify(t *model.Task) {
	if r.observer != nil {
		r.observer(t)
	}
}
