package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/voxgate/internal/gateway"
)

type speakResponse struct {
	Status    string    `json:"status"`
	Text      string    `json:"text"`
	TaskID    string    `json:"task_id"`
	Timestamp time.Time `json:"timestamp"`
}

type assistantResponse struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	TaskID    string          `json:"task_id"`
	Result    json.RawMessage `json:"result,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// handleSpeak accepts text for the engine to say. Playback is not awaited;
// the task can be followed at /v1/tasks/{id}.
func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req gateway.SpeakRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	task, err := s.gateway.HandleSpeak(r.Context(), req)
	if err != nil {
		s.writeGatewayError(w, r, task, err)
		return
	}

	w.Header().Set("Location", "/v1/tasks/"+task.ID)
	s.writeJSON(w, http.StatusAccepted, speakResponse{
		Status:    "speaking",
		Text:      strings.TrimSpace(req.Text),
		TaskID:    task.ID,
		Timestamp: task.CreatedAt,
	})
}

func (s *Server) handleWakeup(w http.ResponseWriter, r *http.Request) {
	task, err := s.gateway.HandleWakeup(r.Context())
	if err != nil {
		s.writeGatewayError(w, r, task, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assistantResponse{
		Status:    "awake",
		Message:   "assistant is awake",
		TaskID:    task.ID,
		Result:    task.Result,
		Timestamp: finishedAt(task.CompletedAt),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	task, err := s.gateway.HandleStart(r.Context())
	if err != nil {
		s.writeGatewayError(w, r, task, err)
		return
	}
	s.writeJSON(w, http.StatusOK, assistantResponse{
		Status:    "running",
		Message:   "assistant is listening",
		TaskID:    task.ID,
		Result:    task.Result,
		Timestamp: finishedAt(task.CompletedAt),
	})
}

func finishedAt(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now().UTC()
}
