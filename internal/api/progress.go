package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/voxgate/internal/gateway"
	"github.com/seantiz/voxgate/internal/model"
)

// handleStreamProgress streams engine progress lines for a task as SSE. The
// stream ends with a "done" event carrying the task once it reaches a
// terminal status, or straight away if the task has already finished.
func (s *Server) handleStreamProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.progress == nil {
		s.writeError(w, http.StatusNotImplemented, "progress streaming is disabled")
		return
	}

	task, err := s.gateway.Get(r.Context(), id)
	if errors.Is(err, gateway.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		s.logger.Error("get task for progress", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get task")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if model.IsTerminal(task.Status) {
		w.WriteHeader(http.StatusOK)
		s.writeDone(w, r, id, task)
		flush()
		return
	}

	// Long-lived stream; the server-wide write timeout would cut it off.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A task that finishes between Get and Subscribe gets a closed channel,
	// so the loop below ends immediately.
	ch, unsub := s.progress.Subscribe(id)
	defer unsub()

	progressStreams.Inc()
	defer progressStreams.Dec()

	// Timeouts and sweeps finish a task without an engine result, so the
	// topic may never close. Watch the task itself as well.
	waitCtx, cancelWait := context.WithCancel(r.Context())
	defer cancelWait()
	finished := make(chan *model.Task, 1)
	go func() {
		if t, err := s.gateway.Await(waitCtx, id); err == nil {
			finished <- t
		}
	}()

	w.WriteHeader(http.StatusOK)
	flush()

	for {
		select {
		case t := <-finished:
			drainProgress(w, ch)
			s.writeDone(w, r, id, t)
			flush()
			return
		case line, ok := <-ch:
			if !ok {
				s.writeDone(w, r, id, nil)
				flush()
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			flush()
		case <-r.Context().Done():
			return
		}
	}
}

// drainProgress writes the lines already buffered for a subscriber.
func drainProgress(w http.ResponseWriter, ch <-chan string) {
	for {
		select {
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
		default:
			return
		}
	}
}

// writeDone ends a progress stream. The final task state is looked up when
// task is nil; if that fails the event carries only the id.
func (s *Server) writeDone(w http.ResponseWriter, r *http.Request, id string, task *model.Task) {
	if task == nil {
		if t, err := s.gateway.Get(r.Context(), id); err == nil {
			task = t
		}
	}

	data := `{"id":"` + id + `"}`
	if task != nil {
		if b, err := json.Marshal(task); err == nil {
			data = string(b)
		}
	}
	_ = writeSSEEvent(w, "done", data)
}

// writeSSEData writes a progress line as an SSE data event. Multi-line
// strings are split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
