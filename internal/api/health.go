package api

import (
	"net/http"
	"time"

	"github.com/seantiz/voxgate/internal/gateway"
	"github.com/seantiz/voxgate/internal/model"
	"github.com/seantiz/voxgate/internal/registry"
)

const serviceName = "voxgate"

type healthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Engine    string    `json:"engine"`
	Timestamp time.Time `json:"timestamp"`
}

// statusResponse is the JSON response for GET /v1/status.
type statusResponse struct {
	Engine      string                 `json:"engine"`
	Tasks       registry.Stats         `json:"tasks"`
	LastCommand *gateway.CommandResult `json:"last_command"`
	Timestamp   time.Time              `json:"timestamp"`
}

// handleHealthz always answers 200. A lost engine link reports "degraded".
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	engine := s.gateway.EngineState()
	status := "ok"
	if engine != model.EngineConnected {
		status = "degraded"
	}

	s.writeJSON(w, http.StatusOK, healthResponse{
		Status:    status,
		Service:   serviceName,
		Engine:    engine,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, statusResponse{
		Engine:      s.gateway.EngineState(),
		Tasks:       s.gateway.Stats(),
		LastCommand: s.gateway.LastCommand(),
		Timestamp:   time.Now().UTC(),
	})
}
