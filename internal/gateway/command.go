package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/seantiz/voxgate/internal/model"
)

// CommandOptions tune how the engine handles a voice command. A nil
// ShouldSpeak means the engine speaks its reply.
type CommandOptions struct {
	ShouldSpeak *bool `json:"should_speak,omitempty"`
}

// Speak reports whether the reply should be spoken.
func (o CommandOptions) Speak() bool {
	return o.ShouldSpeak == nil || *o.ShouldSpeak
}

// CommandRequest is a natural-language command for the engine.
type CommandRequest struct {
	Text      string         `json:"text" validate:"required,max=4096"`
	Context   map[string]any `json:"context,omitempty"`
	Options   CommandOptions `json:"options"`
	TimeoutMS int            `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// CommandResult is the outcome of the most recent command.
type CommandResult struct {
	TaskID    string          `json:"task_id"`
	Text      string          `json:"text"`
	Status    string          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// commandPayload is what the engine receives for a command, with every
// option resolved.
type commandPayload struct {
	Text    string         `json:"text"`
	Context map[string]any `json:"context,omitempty"`
	Options engineOptions   `json:"options"`
}

type engineOptions struct {
	ShouldSpeak bool `json:"should_speak"`
}

// HandleCommand runs a voice command synchronously and remembers its outcome
// as the last command result.
func (g *Gateway) HandleCommand(ctx context.Context, cmd CommandRequest) (*model.Task, error) {
	cmd.Text = strings.TrimSpace(cmd.Text)
	if err := validate.Struct(cmd); err != nil {
		requestsTotal.WithLabelValues(modeSync, CategoryRejected).Inc()
		return nil, fmt.Errorf("%w: %s", ErrRejected, describe(err))
	}

	payload, err := json.Marshal(commandPayload{
		Text:    cmd.Text,
		Context: cmd.Context,
		Options: engineOptions{ShouldSpeak: cmd.Options.Speak()},
	})
	if err != nil {
		requestsTotal.WithLabelValues(modeSync, CategoryRejected).Inc()
		return nil, fmt.Errorf("%w: encode command: %v", ErrRejected, err)
	}

	task, err := g.Handle(ctx, Request{
		Action:    model.ActionCommand,
		Payload:   payload,
		TimeoutMS: cmd.TimeoutMS,
	})
	if task != nil && model.IsTerminal(task.Status) {
		g.lastCommand.Store(&CommandResult{
			TaskID:    task.ID,
			Text:      cmd.Text,
			Status:    task.Status,
			Result:    task.Result,
			Error:     task.Error,
			Timestamp: time.Now().UTC(),
		})
	}
	return task, err
}

// LastCommand returns the most recent finished command, or nil if none has
// finished yet.
func (g *Gateway) LastCommand() *CommandResult {
	return g.lastCommand.Load()
}
