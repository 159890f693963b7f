package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/seantiz/voxgate/internal/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// blockingHistory holds every write until release is closed.
type blockingHistory struct {
	History
	release chan struct{}

	mu     sync.Mutex
	writes []string
}

func (h *blockingHistory) UpsertTask(_ context.Context, t *model.Task) error {
	<-h.release
	h.mu.Lock()
	h.writes = append(h.writes, t.ID)
	h.mu.Unlock()
	return nil
}

type failingHistory struct {
	History
}

func (failingHistory) UpsertTask(context.Context, *model.Task) error {
	return errors.New("disk I/O error")
}

func TestRecorderPersistsSnapshots(t *testing.T) {
	s := newTestStore(t)
	rec := NewRecorder(s, 8, discardLogger())
	rec.Start()

	task := makeTestTask("echo", time.Now())
	rec.Record(task)
	rec.Record(complete(task, `{"ok":true}`))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := s.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != model.StatusCompleted {
		t.Errorf("Status = %q, want %q", got.Status, model.StatusCompleted)
	}
}

func TestRecorderNeverBlocks(t *testing.T) {
	h := &blockingHistory{release: make(chan struct{})}
	rec := NewRecorder(h, 1, discardLogger())
	rec.Start()

	before := testutil.ToFloat64(historyWrites.WithLabelValues(writeDropped))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			rec.Record(makeTestTask("echo", time.Now()))
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}

	dropped := testutil.ToFloat64(historyWrites.WithLabelValues(writeDropped)) - before
	// One snapshot may sit in the writer and one in the queue.
	if dropped < 8 {
		t.Errorf("dropped = %v, want at least 8", dropped)
	}

	close(h.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRecorderSurvivesWriteErrors(t *testing.T) {
	rec := NewRecorder(failingHistory{}, 4, discardLogger())
	rec.Start()

	before := testutil.ToFloat64(historyWrites.WithLabelValues(writeFailed))
	rec.Record(makeTestTask("echo", time.Now()))
	rec.Record(makeTestTask("echo", time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rec.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if got := testutil.ToFloat64(historyWrites.WithLabelValues(writeFailed)) - before; got != 2 {
		t.Errorf("failed writes = %v, want 2", got)
	}
}

func TestRecorderRecordAfterClose(t *testing.T) {
	rec := NewRecorder(newTestStore(t), 4, discardLogger())
	rec.Start()

	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Must not panic on the closed queue.
	rec.Record(makeTestTask("echo", time.Now()))

	if err := rec.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestRecorderCloseHonoursContext(t *testing.T) {
	h := &blockingHistory{release: make(chan struct{})}
	defer close(h.release)

	rec := NewRecorder(h, 4, discardLogger())
	rec.Start()
	rec.Record(makeTestTask("echo", time.Now()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := rec.Close(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Close error = %v, want deadline exceeded", err)
	}
}
