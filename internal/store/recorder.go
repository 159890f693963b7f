package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seantiz/voxgate/internal/model"
)

// DefaultRecorderBuffer is the queue size used when none is configured.
const DefaultRecorderBuffer = 256

// writeTimeout bounds a single history write.
const writeTimeout = 5 * time.Second

// Recorder persists task snapshots on a single background goroutine so that
// request handling never waits on the database. When the queue is full the
// snapshot is dropped and counted.
type Recorder struct {
	history History
	logger  *slog.Logger
	queue   chan *model.Task

	mu     sync.RWMutex
	closed bool

	wg sync.WaitGroup
}

// NewRecorder creates a recorder writing to history. Call Start to begin
// writing.
func NewRecorder(history History, buffer int, logger *slog.Logger) *Recorder {
	if buffer <= 0 {
		buffer = DefaultRecorderBuffer
	}
	return &Recorder{
		history: history,
		logger:  logger.With("component", "recorder"),
		queue:   make(chan *model.Task, buffer),
	}
}

// Start launches the writer goroutine.
func (r *Recorder) Start() {
	r.wg.Go(r.writer)
}

// Record queues a snapshot for persistence. It never blocks.
func (r *Recorder) Record(t *model.Task) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		historyWrites.WithLabelValues(writeDropped).Inc()
		return
	}

	select {
	case r.queue <- t:
		queueDepth.Set(float64(len(r.queue)))
	default:
		historyWrites.WithLabelValues(writeDropped).Inc()
		r.logger.Warn("history queue full, snapshot dropped",
			"task_id", t.ID,
			"status", t.Status,
		)
	}
}

// Close stops accepting snapshots and waits for the queued ones to be
// written or for ctx to expire.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain history queue: %w", ctx.Err())
	}
}

func (r *Recorder) writer() {
	for t := range r.queue {
		queueDepth.Set(float64(len(r.queue)))

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.history.UpsertTask(ctx, t)
		cancel()

		if err != nil {
			historyWrites.WithLabelValues(writeFailed).Inc()
			r.logger.Error("persist task snapshot",
				"task_id", t.ID,
				"status", t.Status,
				"error", err,
			)
			continue
		}
		historyWrites.WithLabelValues(writeOK).Inc()
	}
}
