package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/seantiz/voxgate/internal/model"
	"github.com/seantiz/voxgate/internal/registry"
	"github.com/seantiz/voxgate/internal/transport"
)

// DefaultRequestTimeout applies when Config leaves RequestTimeout zero.
const DefaultRequestTimeout = 30 * time.Second

const (
	modeSync  = "sync"
	modeAsync = "async"
)

// Engine is the part of the transport the gateway depends on.
type Engine interface {
	Dispatch(ctx context.Context, taskID, action string, payload json.RawMessage) (transport.Ack, error)
	Completions() <-chan transport.Completion
	State() string
}

// TaskLookup finds tasks that have already left the registry.
type TaskLookup interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
}

// Config holds gateway settings.
type Config struct {
	// RequestTimeout is the longest a synchronous request waits for the
	// engine. Per-request timeouts may only shorten it.
	RequestTimeout time.Duration
}

// Request is one task submission.
type Request struct {
	Action    string          `json:"action" validate:"required,max=64,printascii"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	TimeoutMS int             `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// Gateway turns requests into engine tasks and waits for their outcome.
type Gateway struct {
	reg     *registry.Registry
	engine  Engine
	history TaskLookup
	timeout time.Duration
	logger  *slog.Logger

	lastCommand atomic.Pointer[CommandResult]

	// timersMu guards timers, the background timeouts of submitted tasks.
	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

var validate = validator.New()

// New creates a gateway over a registry and an engine transport. history may
// be nil.
func New(reg *registry.Registry, engine Engine, history TaskLookup, cfg Config, logger *slog.Logger) *Gateway {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	return &Gateway{
		reg:     reg,
		engine:  engine,
		history: history,
		timeout: cfg.RequestTimeout,
		logger:  logger.With("component", "gateway"),
		timers:  make(map[string]*time.Timer),
	}
}

// EngineState reports the transport's connection state.
func (g *Gateway) EngineState() string {
	return g.engine.State()
}

// Stats returns the registry summary.
func (g *Gateway) Stats() registry.Stats {
	return g.reg.Stats()
}

// Handle registers a task, dispatches it and waits for the engine's answer.
// The returned task is non-nil whenever the request got as far as the
// registry, including on failure, timeout and unavailability.
func (g *Gateway) Handle(ctx context.Context, req Request) (*model.Task, error) {
	start := time.Now()
	task, err := g.handle(ctx, req)

	outcome := Category(err)
	requestsTotal.WithLabelValues(modeSync, outcome).Inc()
	requestDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return task, err
}

func (g *Gateway) handle(ctx context.Context, req Request) (*model.Task, error) {
	task, err := g.start(ctx, req)
	if err != nil {
		return task, err
	}

	timeout := g.timeoutFor(req)
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done, err := g.reg.Wait(waitCtx, task.ID)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		// The engine has no cancel channel; the task stays pending until
		// it resolves or is swept.
		g.reg.MarkObserved(task.ID)
		g.logger.Info("caller went away before resolution", "task_id", task.ID)
		return task, fmt.Errorf("%w: %v", ErrCanceled, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		done, err = g.expire(task.ID, timeout)
		if err != nil {
			return done, err
		}
	default:
		return task, fmt.Errorf("wait for task %s: %w", task.ID, err)
	}

	g.reg.MarkObserved(done.ID)
	return done, outcomeError(done)
}

// expire times out a task whose waiter ran out of time. If the engine's
// answer won the race the resolved task is returned instead.
func (g *Gateway) expire(id string, timeout time.Duration) (*model.Task, error) {
	outcome, err := g.reg.TimeOut(id, fmt.Sprintf("no engine reply within %s", timeout))
	if err != nil {
		return nil, fmt.Errorf("time out task %s: %w", id, err)
	}

	task, err := g.reg.Get(id)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	if outcome == registry.OutcomeDuplicate {
		return task, nil
	}

	g.reg.MarkObserved(id)
	g.logger.Warn("task timed out", "task_id", id, "timeout", timeout.String())
	return task, fmt.Errorf("%w: task %s got no reply within %s", ErrGatewayTimeout, id, timeout)
}

// Submit registers and dispatches a task without waiting for it. The task is
// timed out in the background after the request timeout.
func (g *Gateway) Submit(ctx context.Context, req Request) (*model.Task, error) {
	task, err := g.start(ctx, req)
	requestsTotal.WithLabelValues(modeAsync, Category(err)).Inc()
	if err != nil {
		return task, err
	}

	g.armTimeout(task.ID, g.timeoutFor(req))
	// The engine may have answered before the timer was armed.
	if cur, err := g.reg.Get(task.ID); err == nil && model.IsTerminal(cur.Status) {
		g.stopTimeout(task.ID)
	}
	return task, nil
}

// armTimeout times out a submitted task after timeout unless stopTimeout
// runs first.
func (g *Gateway) armTimeout(id string, timeout time.Duration) {
	g.timersMu.Lock()
	defer g.timersMu.Unlock()
	g.timers[id] = time.AfterFunc(timeout, func() {
		g.timersMu.Lock()
		delete(g.timers, id)
		g.timersMu.Unlock()

		if outcome, err := g.reg.TimeOut(id, fmt.Sprintf("no engine reply within %s", timeout)); err == nil && outcome == registry.OutcomeResolved {
			g.logger.Warn("async task timed out", "task_id", id, "timeout", timeout.String())
		}
	})
}

func (g *Gateway) stopTimeout(id string) {
	g.timersMu.Lock()
	defer g.timersMu.Unlock()
	if t, ok := g.timers[id]; ok {
		t.Stop()
		delete(g.timers, id)
	}
}

func (g *Gateway) pendingTimeouts() int {
	g.timersMu.Lock()
	defer g.timersMu.Unlock()
	return len(g.timers)
}

// start validates, registers and dispatches a request.
func (g *Gateway) start(ctx context.Context, req Request) (*model.Task, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	task, err := g.reg.Register(req.Action, req.Payload)
	if err != nil {
		// Already wraps ErrCapacityExceeded.
		return nil, fmt.Errorf("register task: %w", err)
	}

	if _, err := g.engine.Dispatch(ctx, task.ID, task.Action, task.Payload); err != nil {
		reason := "engine unreachable"
		if !errors.Is(err, transport.ErrEngineUnreachable) {
			reason = "dispatch failed"
		}
		if _, rerr := g.reg.Resolve(task.ID, registry.Resolution{Failure: reason}); rerr != nil {
			g.logger.Error("fail undispatched task", "task_id", task.ID, "error", rerr)
		}
		g.reg.MarkObserved(task.ID)

		failed, gerr := g.reg.Get(task.ID)
		if gerr != nil {
			failed = task
		}
		return failed, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	g.logger.Debug("task dispatched", "task_id", task.ID, "action", task.Action)
	return task, nil
}

func (g *Gateway) timeoutFor(req Request) time.Duration {
	if req.TimeoutMS > 0 {
		if d := time.Duration(req.TimeoutMS) * time.Millisecond; d < g.timeout {
			return d
		}
	}
	return g.timeout
}

// Get returns a task from the registry, falling back to history for tasks
// that have been evicted.
func (g *Gateway) Get(ctx context.Context, id string) (*model.Task, error) {
	task, err := g.reg.Get(id)
	if err == nil {
		return task, nil
	}
	if g.history == nil {
		return nil, err
	}

	task, herr := g.history.GetTask(ctx, id)
	if herr != nil {
		g.logger.Debug("history lookup missed", "task_id", id, "error", herr)
		return nil, err
	}
	return task, nil
}

// Await blocks until the task leaves pending or ctx is done. Tasks no longer
// in the registry yield ErrNotFound.
func (g *Gateway) Await(ctx context.Context, id string) (*model.Task, error) {
	return g.reg.Wait(ctx, id)
}

// Run pumps engine completions into the registry until ctx is done or the
// transport closes its completion channel.
func (g *Gateway) Run(ctx context.Context) {
	completions := g.engine.Completions()
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-completions:
			if !ok {
				return
			}
			g.complete(c)
		}
	}
}

func (g *Gateway) complete(c transport.Completion) {
	outcome, err := g.reg.Resolve(c.TaskID, registry.Resolution{
		Result:  c.Result,
		Failure: c.Failure,
	})
	switch {
	case errors.Is(err, registry.ErrNotFound):
		lateReplies.WithLabelValues(lateUnknown).Inc()
		g.logger.Warn("completion for unknown task discarded", "task_id", c.TaskID)
	case err != nil:
		g.logger.Error("resolve task", "task_id", c.TaskID, "error", err)
	case outcome == registry.OutcomeDuplicate:
		lateReplies.WithLabelValues(lateDuplicate).Inc()
		g.logger.Info("late engine reply discarded", "task_id", c.TaskID)
	default:
		g.stopTimeout(c.TaskID)
	}
}

func outcomeError(t *model.Task) error {
	switch t.Status {
	case model.StatusCompleted:
		return nil
	case model.StatusFailed:
		return fmt.Errorf("%w: %s", ErrTaskFailed, t.Error)
	case model.StatusTimedOut:
		return fmt.Errorf("%w: %s", ErrGatewayTimeout, t.Error)
	default:
		return fmt.Errorf("task %s still %s", t.ID, t.Status)
	}
}

func validateRequest(req Request) error {
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", ErrRejected, describe(err))
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrRejected)
	}
	return nil
}

// describe flattens validator errors into one readable line.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s must satisfy %s=%s", strings.ToLower(fe.Field()), fe.Tag(), fe.Param()))
			continue
		}
		msgs = append(msgs, fmt.Sprintf("%s must satisfy %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(msgs, "; ")
}
