package model

import (
	"encoding/json"
	"time"
)

// Task status constants.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Engine connection state constants.
const (
	EngineConnected    = "connected"
	EngineDisconnected = "disconnected"
	EngineReconnecting = "reconnecting"
)

// Engine actions the gateway builds requests for.
const (
	// ActionCommand is a natural-language voice command.
	ActionCommand = "command"
	// ActionSpeak asks the engine to say a piece of text.
	ActionSpeak = "tts_speak"
	// ActionWakeup wakes the assistant as if its wake word was heard.
	ActionWakeup = "wakeup"
	// ActionStart puts the assistant into listening mode.
	ActionStart = "start"
)

// validTransitions maps each status to the set of statuses it may transition to.
// Terminal statuses have no outgoing transitions.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusTimedOut:  true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final task status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusTimedOut
}

// Task is one unit of work dispatched to the engine.
type Task struct {
	ID          string          `json:"id"`
	Action      string          `json:"action"`
	Status      string          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	Observed    bool            `json:"-"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMS  *int64          `json:"duration_ms,omitempty"`
}

// Clone returns a deep copy of t so callers can hold it without sharing
// mutable slices with the registry.
func (t *Task) Clone() *Task {
	c := *t
	if t.Payload != nil {
		c.Payload = append(json.RawMessage(nil), t.Payload...)
	}
	if t.Result != nil {
		c.Result = append(json.RawMessage(nil), t.Result...)
	}
	if t.CompletedAt != nil {
		ts := *t.CompletedAt
		c.CompletedAt = &ts
	}
	if t.DurationMS != nil {
		d := *t.DurationMS
		c.DurationMS = &d
	}
	return &c
}
