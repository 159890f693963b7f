package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/seantiz/voxgate/internal/model"
)

func TestSpeakAccepted(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/tts", `{"text":"  good morning  "}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	var body speakResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Status != "speaking" || body.Text != "good morning" {
		t.Errorf("body = %+v, want speaking %q", body, "good morning")
	}
	if loc := resp.Header.Get("Location"); loc != "/v1/tasks/"+body.TaskID {
		t.Errorf("Location = %q, want /v1/tasks/%s", loc, body.TaskID)
	}

	deadline := time.Now().Add(time.Second)
	for {
		task, err := env.srv.gateway.Get(context.Background(), body.TaskID)
		if err == nil && task.Status == model.StatusCompleted {
			if task.Action != model.ActionSpeak {
				t.Errorf("action = %q, want %q", task.Action, model.ActionSpeak)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("speech task %s never completed", body.TaskID)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSpeakRejectsEmptyText(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	for _, body := range []string{`{}`, `{"text":""}`, `{"text":"   "}`} {
		resp := postJSON(t, ts.URL+"/v1/tts", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", body, resp.StatusCode)
		}
		if got := decodeError(t, resp); got.Category != "rejected" {
			t.Errorf("%s: category = %q, want rejected", body, got.Category)
		}
		resp.Body.Close()
	}
	if n := env.reg.Len(); n != 0 {
		t.Errorf("registry holds %d tasks, want 0", n)
	}
}

func TestAssistantActions(t *testing.T) {
	tests := []struct {
		path       string
		wantStatus string
		wantResult string
	}{
		{"/v1/wakeup", "awake", `{"action":"wakeup"}`},
		{"/v1/start", "running", `{"action":"start"}`},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			env := newTestEnv(t)
			ts := httptest.NewServer(env.srv.Router())
			defer ts.Close()

			resp := postJSON(t, ts.URL+tt.path, `{}`)
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Fatalf("status = %d, want 200", resp.StatusCode)
			}
			var body assistantResponse
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			if string(body.Result) != tt.wantResult {
				t.Errorf("result = %s, want %s", body.Result, tt.wantResult)
			}
			if body.TaskID == "" || body.Timestamp.IsZero() {
				t.Errorf("body = %+v, want task id and timestamp", body)
			}
		})
	}
}

func TestWakeupEngineUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.engine.state.Store(model.EngineDisconnected)
	ts := httptest.NewServer(env.srv.Router())
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/v1/wakeup", `{}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}
