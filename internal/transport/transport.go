package transport

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

// Defaults applied when Config leaves a field zero.
const (
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 30 * time.Second
	DefaultDialTimeout    = 5 * time.Second
	DefaultSendTimeout    = 5 * time.Second
)

var (
	// ErrEngineUnreachable is returned when the link to the engine is not
	// connected. Callers may retry later.
	ErrEngineUnreachable = errors.New("engine unreachable")

	// ErrClosed is returned once the transport has been closed.
	ErrClosed = errors.New("transport closed")
)

// Config holds transport settings.
type Config struct {
	// Dial opens a link to the engine. Required.
	Dial Dialer

	// BackoffInitial is the first reconnect delay; it doubles per failed
	// attempt up to BackoffMax.
	BackoffInitial time.Duration
	BackoffMax     time.Duration

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// SendTimeout bounds a single frame write.
	SendTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = DefaultBackoffInitial
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.BackoffMax < c.BackoffInitial {
		c.BackoffMax = c.BackoffInitial
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = DefaultDialTimeout
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
}

// Completion is the engine's answer for one dispatched task.
// A non-empty Failure means the engine could not complete the task.
type Completion struct {
	TaskID     string
	Result     json.RawMessage
	Failure    string
	ReceivedAt time.Time
}

// Ack confirms that a dispatch frame was written to the link.
type Ack struct {
	TaskID string    `json:"task_id"`
	SentAt time.Time `json:"sent_at"`
}

// Transport owns the single shared link to the engine.
type Transport struct {
	cfg    Config
	logger *slog.Logger
	broker *ProgressBroker

	mu    sync.RWMutex
	link  Link
	state string

	// reconnecting guards the single in-flight reconnect loop.
	reconnecting atomic.Bool
	started      atomic.Bool

	pingMu sync.Mutex
	pings  map[string]chan struct{}

	inbox       *mailbox[Completion]
	completions chan Completion

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New creates a disconnected transport. Call Start to connect.
func New(cfg Config, logger *slog.Logger) *Transport {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	t := &Transport{
		cfg:         cfg,
		logger:      logger.With("component", "transport"),
		broker:      NewProgressBroker(),
		pings:       make(map[string]chan struct{}),
		inbox:       newMailbox[Completion](),
		completions: make(chan Completion),
		ctx:         ctx,
		cancel:      cancel,
	}
	t.setState(model.EngineDisconnected)
	return t
}

// Start begins completion delivery and makes one connection attempt. If the
// attempt fails, reconnection continues in the background; Start itself
// never fails.
func (t *Transport) Start() {
	t.startOnce.Do(func() {
		t.started.Store(true)
		t.wg.Go(t.deliver)

		dialCtx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
		defer cancel()

		link, err := t.cfg.Dial(dialCtx)
		if err != nil {
			t.logger.Warn("initial engine connect failed", "error", err)
			t.reconnect()
			return
		}
		if err := t.install(link); err != nil {
			t.logger.Warn("install engine link", "error", err)
		}
	})
}

// Close tears down the link, stops background goroutines and closes the
// completions channel.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.cancel()

		t.mu.Lock()
		link := t.link
		t.link = nil
		t.setState(model.EngineDisconnected)
		t.mu.Unlock()

		if link != nil {
			if err := link.Close(); err != nil {
				t.logger.Debug("close engine link", "error", err)
			}
		}

		t.wg.Wait()
		if !t.started.Load() {
			close(t.completions)
		}
		t.logger.Info("transport closed")
	})
	return nil
}

// State returns the current connection state.
func (t *Transport) State() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Completions returns the channel on which engine results are delivered.
// It is closed when the transport is closed.
func (t *Transport) Completions() <-chan Completion {
	return t.completions
}

// Progress returns the broker carrying engine progress lines per task.
func (t *Transport) Progress() *ProgressBroker {
	return t.broker
}

// Dispatch sends a task to the engine. It fails fast with
// ErrEngineUnreachable when the link is not connected; nothing is queued.
func (t *Transport) Dispatch(ctx context.Context, taskID, action string, payload json.RawMessage) (Ack, error) {
	link, state := t.current()
	if link == nil || state != model.EngineConnected {
		dispatchTotal.WithLabelValues(dispatchUnreachable).Inc()
		return Ack{}, fmt.Errorf("%w: link is %s", ErrEngineUnreachable, state)
	}

	now := time.Now().UTC()
	msg := &Message{
		Type:      MsgTypeDispatch,
		TaskID:    taskID,
		Action:    action,
		Payload:   payload,
		Timestamp: now.Format(time.RFC3339Nano),
	}

	// The caller going away must not tear down the shared link mid-write.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.cfg.SendTimeout)
	defer cancel()

	if err := link.Send(sendCtx, msg); err != nil {
		dispatchTotal.WithLabelValues(dispatchFailed).Inc()
		t.linkFailed(link, err)
		return Ack{}, fmt.Errorf("%w: %v", ErrEngineUnreachable, err)
	}

	dispatchTotal.WithLabelValues(dispatchSent).Inc()
	return Ack{TaskID: taskID, SentAt: now}, nil
}

// Ping checks the engine round trip. A failed or timed-out ping drops the
// link and starts reconnection; a ping while disconnected also nudges the
// reconnect loop.
func (t *Transport) Ping(ctx context.Context) error {
	link, state := t.current()
	if link == nil {
		t.reconnect()
		return fmt.Errorf("%w: link is %s", ErrEngineUnreachable, state)
	}

	id := model.NewID()
	pong := make(chan struct{})
	t.pingMu.Lock()
	t.pings[id] = pong
	t.pingMu.Unlock()
	defer func() {
		t.pingMu.Lock()
		delete(t.pings, id)
		t.pingMu.Unlock()
	}()

	start := time.Now()
	if err := link.Send(ctx, &Message{Type: MsgTypePing, ID: id}); err != nil {
		t.linkFailed(link, err)
		return fmt.Errorf("%w: ping: %v", ErrEngineUnreachable, err)
	}

	select {
	case <-pong:
		pingDuration.Observe(time.Since(start).Seconds())
		return nil
	case <-ctx.Done():
		t.linkFailed(link, fmt.Errorf("ping timeout: %w", ctx.Err()))
		return fmt.Errorf("%w: ping: %v", ErrEngineUnreachable, ctx.Err())
	}
}

func (t *Transport) current() (Link, string) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.link, t.state
}

// setState must be called with t.mu held (or before t is shared).
func (t *Transport) setState(s string) {
	t.state = s
	for _, st := range engineStates {
		v := 0.0
		if st == s {
			v = 1
		}
		engineState.WithLabelValues(st).Set(v)
	}
}

// install makes link the active link and starts its reader.
func (t *Transport) install(link Link) error {
	t.mu.Lock()
	if t.ctx.Err() != nil {
		t.mu.Unlock()
		_ = link.Close()
		return ErrClosed
	}
	t.link = link
	t.setState(model.EngineConnected)
	// Cleared under the lock so a failure of this new link can always start
	// a fresh reconnect loop.
	t.reconnecting.Store(false)
	t.mu.Unlock()

	t.logger.Info("engine link connected")
	t.wg.Go(func() {
		t.readLoop(link)
	})
	return nil
}

// linkFailed retires link if it is still the active one and schedules a reconnect.
func (t *Transport) linkFailed(link Link, cause error) {
	t.mu.Lock()
	if t.link != link {
		t.mu.Unlock()
		return
	}
	t.link = nil
	t.setState(model.EngineDisconnected)
	t.mu.Unlock()

	_ = link.Close()
	if t.ctx.Err() != nil {
		return
	}

	linkFailures.Inc()
	t.logger.Warn("engine link lost", "error", cause)
	t.reconnect()
}

// reconnect starts the reconnect loop unless one is already running.
func (t *Transport) reconnect() {
	if t.ctx.Err() != nil {
		return
	}
	if !t.reconnecting.CompareAndSwap(false, true) {
		return
	}

	t.mu.Lock()
	if t.link != nil {
		t.reconnecting.Store(false)
		t.mu.Unlock()
		return
	}
	t.setState(model.EngineReconnecting)
	t.mu.Unlock()

	t.wg.Go(t.reconnectLoop)
}

func (t *Transport) reconnectLoop() {
	backoff := t.cfg.BackoffInitial
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(t.ctx, t.cfg.DialTimeout)
		link, err := t.cfg.Dial(dialCtx)
		cancel()

		if err == nil {
			if err := t.install(link); err != nil {
				return
			}
			reconnectAttempts.WithLabelValues(reconnectSuccess).Inc()
			t.logger.Info("engine reconnected", "attempt", attempt)
			return
		}
		if t.ctx.Err() != nil {
			return
		}

		reconnectAttempts.WithLabelValues(reconnectFailure).Inc()
		t.logger.Warn("engine reconnect failed",
			"attempt", attempt,
			"retry_in", backoff.String(),
			"error", err,
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-t.ctx.Done():
			timer.Stop()
			return
		}
		backoff = nextBackoff(backoff, t.cfg.BackoffMax)
	}
}

// nextBackoff doubles cur, capped at limit.
func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit || next <= 0 {
		return limit
	}
	return next
}

func (t *Transport) readLoop(link Link) {
	for {
		msg, err := link.Receive()
		if err != nil {
			t.linkFailed(link, fmt.Errorf("receive: %w", err))
			return
		}
		messagesReceived.WithLabelValues(msg.Type).Inc()
		t.handle(link, msg)
	}
}

// handle processes one engine frame. It never blocks on consumers.
func (t *Transport) handle(link Link, msg *Message) {
	switch msg.Type {
	case MsgTypeResult:
		if msg.TaskID == "" {
			t.logger.Warn("result without task id dropped")
			return
		}
		t.inbox.push(Completion{
			TaskID:     msg.TaskID,
			Result:     msg.Result,
			Failure:    msg.failure(),
			ReceivedAt: time.Now().UTC(),
		})
		t.broker.Close(msg.TaskID)
	case MsgTypeProgress:
		t.broker.Publish(msg.TaskID, msg.Line)
	case MsgTypeAck:
		t.logger.Debug("engine acknowledged task", "task_id", msg.TaskID)
	case MsgTypePong:
		t.pingMu.Lock()
		if ch, ok := t.pings[msg.ID]; ok {
			close(ch)
			delete(t.pings, msg.ID)
		}
		t.pingMu.Unlock()
	case MsgTypePing:
		t.wg.Go(func() {
			ctx, cancel := context.WithTimeout(t.ctx, t.cfg.SendTimeout)
			defer cancel()
			if err := link.Send(ctx, &Message{Type: MsgTypePong, ID: msg.ID}); err != nil {
				t.logger.Debug("answer engine ping", "error", err)
			}
		})
	default:
		t.logger.Warn("unknown engine message type", "type", msg.Type)
	}
}

// deliver moves completions from the inbox to the Completions channel.
func (t *Transport) deliver() {
	defer close(t.completions)
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.inbox.notify:
			for _, c := range t.inbox.drain() {
				select {
				case t.completions <- c:
				case <-t.ctx.Done():
					return
				}
			}
		}
	}
}
