package api

import (
	"net/http"
	"strings"

	"github.com/seantiz/voxgate/internal/gateway"
)

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req gateway.CommandRequest
	if !s.decodeBody(w, r, &req) {
		return
	}

	task, err := s.gateway.HandleCommand(r.Context(), req)
	if err != nil {
		s.writeGatewayError(w, r, task, err)
		return
	}

	s.writeJSON(w, http.StatusOK, gateway.CommandResult{
		TaskID:    task.ID,
		Text:      strings.TrimSpace(req.Text),
		Status:    task.Status,
		Result:    task.Result,
		Timestamp: finishedAt(task.CompletedAt),
	})
}
