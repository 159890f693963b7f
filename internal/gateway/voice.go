package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/seantiz/voxgate/internal/model"
)

// SpeakRequest asks the engine to say Text.
type SpeakRequest struct {
	Text      string `json:"text" validate:"required,max=4096"`
	TimeoutMS int    `json:"timeout_ms,omitempty" validate:"gte=0"`
}

// HandleSpeak submits a text-to-speech task without waiting for playback to
// finish.
func (g *Gateway) HandleSpeak(ctx context.Context, req SpeakRequest) (*model.Task, error) {
	req.Text = strings.TrimSpace(req.Text)
	if err := validate.Struct(req); err != nil {
		requestsTotal.WithLabelValues(modeAsync, CategoryRejected).Inc()
		return nil, fmt.Errorf("%w: %s", ErrRejected, describe(err))
	}

	payload, err := json.Marshal(struct {
		Text string `json:"text"`
	}{req.Text})
	if err != nil {
		requestsTotal.WithLabelValues(modeAsync, CategoryRejected).Inc()
		return nil, fmt.Errorf("%w: encode speech: %v", ErrRejected, err)
	}

	return g.Submit(ctx, Request{
		Action:    model.ActionSpeak,
		Payload:   payload,
		TimeoutMS: req.TimeoutMS,
	})
}

// HandleWakeup wakes the assistant and waits for the engine to confirm.
func (g *Gateway) HandleWakeup(ctx context.Context) (*model.Task, error) {
	return g.Handle(ctx, Request{Action: model.ActionWakeup})
}

// HandleStart puts the assistant into listening mode and waits for the engine
// to confirm.
func (g *Gateway) HandleStart(ctx context.Context) (*model.Task, error) {
	return g.Handle(ctx, Request{Action: model.ActionStart})
}
