// Package enginesim implements a reference core engine that speaks the
// voxgate wire protocol. It accepts framed socket or websocket links,
// acknowledges dispatched tasks, streams progress lines and replies with a
// result after a configurable delay.
package enginesim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/seantiz/voxgate/internal/model"
	"github.com/seantiz/voxgate/internal/transport"
)

// ActionFail always produces an error result.
const ActionFail = "fail"

// Config controls how the simulated engine answers.
type Config struct {
	// Delay is how long the engine "works" before replying.
	Delay time.Duration

	// ProgressLines is the number of progress messages sent per task.
	ProgressLines int

	// DuplicateResults sends every result twice.
	DuplicateResults bool

	// Silent acknowledges tasks but never replies with a result.
	Silent bool
}

// Engine is a simulated core engine. It is safe for concurrent use.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	links map[transport.Link]struct{}

	dispatched atomic.Int64
	upgrader   websocket.Upgrader
}

// New creates a simulated engine.
func New(cfg Config, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:    cfg,
		logger: logger.With("component", "enginesim"),
		links:  make(map[transport.Link]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// Serve accepts framed socket connections on ln until it is closed.
func (e *Engine) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go e.serveLink(transport.NewSocketLink(conn))
	}
}

// ServeHTTP upgrades the request to a websocket link and serves it until the
// peer goes away.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		e.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	e.serveLink(transport.NewWebSocketLink(conn))
}

// Dispatched returns how many dispatch messages the engine has received.
func (e *Engine) Dispatched() int64 {
	return e.dispatched.Load()
}

// DropConnections closes every open link, as if the engine had crashed.
func (e *Engine) DropConnections() {
	e.mu.Lock()
	links := make([]transport.Link, 0, len(e.links))
	for l := range e.links {
		links = append(links, l)
	}
	e.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
}

func (e *Engine) serveLink(link transport.Link) {
	e.mu.Lock()
	e.links[link] = struct{}{}
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.links, link)
		e.mu.Unlock()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()
	defer link.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e.logger.Debug("engine link opened")
	for {
		msg, err := link.Receive()
		if err != nil {
			e.logger.Debug("engine link closed", "error", err)
			return
		}

		switch msg.Type {
		case transport.MsgTypePing:
			e.send(ctx, link, &transport.Message{Type: transport.MsgTypePong, ID: msg.ID})
		case transport.MsgTypeDispatch:
			e.dispatched.Add(1)
			wg.Go(func() {
				e.execute(ctx, link, msg)
			})
		case transport.MsgTypePong, transport.MsgTypeAck:
		default:
			e.logger.Warn("unexpected message", "type", msg.Type)
		}
	}
}

// execute runs one dispatched task: ack, progress, delay, result.
func (e *Engine) execute(ctx context.Context, link transport.Link, msg *transport.Message) {
	e.send(ctx, link, &transport.Message{Type: transport.MsgTypeAck, TaskID: msg.TaskID})

	for i := 1; i <= e.cfg.ProgressLines; i++ {
		e.send(ctx, link, &transport.Message{
			Type:   transport.MsgTypeProgress,
			TaskID: msg.TaskID,
			Line:   fmt.Sprintf("%s: step %d/%d", msg.Action, i, e.cfg.ProgressLines),
		})
	}

	if e.cfg.Delay > 0 {
		timer := time.NewTimer(e.cfg.Delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
	if e.cfg.Silent {
		return
	}

	reply := respond(msg)
	e.send(ctx, link, reply)
	if e.cfg.DuplicateResults {
		e.send(ctx, link, reply)
	}
}

func (e *Engine) send(ctx context.Context, link transport.Link, msg *transport.Message) {
	msg.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	if err := link.Send(ctx, msg); err != nil {
		e.logger.Debug("send failed", "type", msg.Type, "task_id", msg.TaskID, "error", err)
	}
}

// commandPayload mirrors the payload the gateway builds for voice commands.
type commandPayload struct {
	Text    string          `json:"text"`
	Context json.RawMessage `json:"context,omitempty"`
	Options struct {
		ShouldSpeak bool `json:"should_speak"`
	} `json:"options"`
}

// respond builds the result message for a dispatched task.
func respond(msg *transport.Message) *transport.Message {
	reply := &transport.Message{
		Type:   transport.MsgTypeResult,
		TaskID: msg.TaskID,
		Status: transport.ResultOK,
	}

	var (
		result any
		err    error
	)
	switch msg.Action {
	case ActionFail:
		err = errors.New("simulated engine failure")
	case model.ActionCommand:
		var cmd commandPayload
		if uerr := json.Unmarshal(msg.Payload, &cmd); uerr != nil {
			err = fmt.Errorf("decode command: %w", uerr)
			break
		}
		result = map[string]any{
			"response": "Processed command: " + cmd.Text,
			"spoken":   cmd.Options.ShouldSpeak,
		}
	case model.ActionSpeak:
		var speech struct {
			Text string `json:"text"`
		}
		if uerr := json.Unmarshal(msg.Payload, &speech); uerr != nil {
			err = fmt.Errorf("decode speech: %w", uerr)
			break
		}
		result = map[string]any{"spoken": speech.Text}
	case model.ActionWakeup:
		result = map[string]any{"awake": true}
	case model.ActionStart:
		result = map[string]any{
			"listening": true,
			"features":  []string{"voice", "tts", "file", "app_control"},
		}
	default:
		result = map[string]any{
			"action": msg.Action,
			"echo":   msg.Payload,
		}
	}

	if err == nil {
		reply.Result, err = json.Marshal(result)
	}
	if err != nil {
		reply.Status = transport.ResultError
		reply.Result = nil
		reply.Error = &transport.ErrorBody{Code: "engine_error", Message: err.Error()}
	}
	return reply
}
