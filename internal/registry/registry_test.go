package registry

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/voxgate/internal/model"
)

func newTestRegistry(t *testing.T, maxPending int) *Registry {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return New(Config{MaxPending: maxPending}, logger)
}

// fakeClock lets tests move the registry's notion of "now".
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRegisterUpToCapacity(t *testing.T) {
	const limit = 5
	r := newTestRegistry(t, limit)

	for i := 0; i < limit; i++ {
		_, err := r.Register("command", json.RawMessage(`{}`))
		require.NoError(t, err, "register %d", i)
	}

	_, err := r.Register("command", json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCapacityExceeded))
	assert.Equal(t, limit, r.Stats().Pending)
}

func TestCapacityFreedByResolution(t *testing.T) {
	r := newTestRegistry(t, 1)

	a, err := r.Register("command", json.RawMessage(`"a"`))
	require.NoError(t, err)

	_, err = r.Register("command", json.RawMessage(`"b"`))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	outcome, err := r.Resolve(a.ID, Resolution{Result: json.RawMessage(`"ok"`)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)

	_, err = r.Register("command", json.RawMessage(`"b"`))
	require.NoError(t, err)
}

func TestResolveIsIdempotent(t *testing.T) {
	r := newTestRegistry(t, 10)
	task, err := r.Register("command", json.RawMessage(`{}`))
	require.NoError(t, err)

	_, err = r.Resolve(task.ID, Resolution{Result: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)

	before := testutil.ToFloat64(duplicateResolutions)
	outcome, err := r.Resolve(task.ID, Resolution{Failure: "late failure"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
	assert.Equal(t, before+1, testutil.ToFloat64(duplicateResolutions))

	got, err := r.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Result))
	assert.Empty(t, got.Error)
	assert.Equal(t, 0, r.Stats().Pending)
}

func TestResolveUnknownTask(t *testing.T) {
	r := newTestRegistry(t, 10)
	_, err := r.Resolve("missing", Resolution{})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRoundTrip(t *testing.T) {
	r := newTestRegistry(t, 10)
	payload := json.RawMessage(`{"text":"open the browser"}`)
	task, err := r.Register(model.ActionCommand, payload)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, task.Status)
	assert.Len(t, task.ID, 26)

	_, err = r.Resolve(task.ID, Resolution{Result: json.RawMessage(`{"success":true}`)})
	require.NoError(t, err)

	got, err := r.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"success":true}`, string(got.Result))
	assert.JSONEq(t, string(payload), string(got.Payload))
	require.NotNil(t, got.CompletedAt)
	require.NotNil(t, got.DurationMS)
}

func TestResolveFailure(t *testing.T) {
	r := newTestRegistry(t, 10)
	task, err := r.Register("command", nil)
	require.NoError(t, err)

	_, err = r.Resolve(task.ID, Resolution{Failure: "engine crashed"})
	require.NoError(t, err)

	got, err := r.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, "engine crashed", got.Error)
	assert.Nil(t, got.Result)
}

func TestTimeOutThenLateResolve(t *testing.T) {
	r := newTestRegistry(t, 10)
	task, err := r.Register("command", nil)
	require.NoError(t, err)

	outcome, err := r.TimeOut(task.ID, "deadline exceeded")
	require.NoError(t, err)
	assert.Equal(t, OutcomeResolved, outcome)

	outcome, err = r.Resolve(task.ID, Resolution{Result: json.RawMessage(`1`)})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)

	got, err := r.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusTimedOut, got.Status)
	assert.Nil(t, got.Result)
}

func TestWaitReturnsOnResolution(t *testing.T) {
	r := newTestRegistry(t, 10)
	task, err := r.Register("command", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = r.Resolve(task.ID, Resolution{Result: json.RawMessage(`"done"`)})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := r.Wait(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)
}

func TestWaitHonoursContext(t *testing.T) {
	r := newTestRegistry(t, 10)
	task, err := r.Register("command", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = r.Wait(ctx, task.ID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	got, err := r.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, got.Status)
}

func TestWaitDoesNotBlockOnOtherTasks(t *testing.T) {
	r := newTestRegistry(t, 10)
	slow, err := r.Register("command", nil)
	require.NoError(t, err)
	fast, err := r.Register("command", nil)
	require.NoError(t, err)

	_, err = r.Resolve(fast.ID, Resolution{Result: json.RawMessage(`1`)})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := r.Wait(ctx, fast.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.Status)

	pending, err := r.Get(slow.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, pending.Status)
}

func TestSweepByAge(t *testing.T) {
	r := newTestRegistry(t, 10)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = clock.Now

	old1, err := r.Register("command", nil)
	require.NoError(t, err)
	old2, err := r.Register("command", nil)
	require.NoError(t, err)
	_, err = r.Resolve(old2.ID, Resolution{Result: json.RawMessage(`1`)})
	require.NoError(t, err)

	clock.Advance(10 * time.Second)
	young, err := r.Register("command", nil)
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	evicted := r.Sweep(5 * time.Second)
	assert.Equal(t, 2, evicted)

	_, err = r.Get(old1.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(old2.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(young.ID)
	assert.NoError(t, err)

	// The swept pending task released its capacity slot.
	assert.Equal(t, 1, r.Stats().Pending)
}

func TestSweepWakesPendingWaiter(t *testing.T) {
	r := newTestRegistry(t, 10)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = clock.Now

	task, err := r.Register("command", nil)
	require.NoError(t, err)

	result := make(chan *model.Task, 1)
	started := make(chan struct{})
	go func() {
		close(started)
		got, _ := r.Wait(context.Background(), task.ID)
		result <- got
	}()
	<-started
	time.Sleep(20 * time.Millisecond)

	clock.Advance(time.Minute)
	require.Equal(t, 1, r.Sweep(time.Second))

	select {
	case got := <-result:
		require.NotNil(t, got)
		assert.Equal(t, model.StatusTimedOut, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by sweep")
	}
}

func TestEvictObserved(t *testing.T) {
	r := newTestRegistry(t, 10)
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	r.now = clock.Now

	seen, err := r.Register("command", nil)
	require.NoError(t, err)
	unseen, err := r.Register("command", nil)
	require.NoError(t, err)
	pendingSeen, err := r.Register("command", nil)
	require.NoError(t, err)

	for _, id := range []string{seen.ID, unseen.ID} {
		_, err := r.Resolve(id, Resolution{Result: json.RawMessage(`1`)})
		require.NoError(t, err)
	}
	r.MarkObserved(seen.ID)
	r.MarkObserved(pendingSeen.ID)

	assert.Equal(t, 0, r.EvictObserved(time.Second), "grace period not yet elapsed")

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, r.EvictObserved(time.Second))

	_, err = r.Get(seen.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = r.Get(unseen.ID)
	assert.NoError(t, err)
	_, err = r.Get(pendingSeen.ID)
	assert.NoError(t, err)
}

func TestObserverSeesEveryTransition(t *testing.T) {
	r := newTestRegistry(t, 10)

	var mu sync.Mutex
	var statuses []string
	r.SetObserver(func(task *model.Task) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, task.Status)
	})

	task, err := r.Register("command", nil)
	require.NoError(t, err)
	_, err = r.Resolve(task.ID, Resolution{Result: json.RawMessage(`1`)})
	require.NoError(t, err)
	_, err = r.Resolve(task.ID, Resolution{Result: json.RawMessage(`2`)})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{model.StatusPending, model.StatusCompleted}, statuses)
}

func TestConcurrentRegisterResolve(t *testing.T) {
	const workers = 50
	r := newTestRegistry(t, workers)

	var wg sync.WaitGroup
	ids := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Go(func() {
			task, err := r.Register("command", nil)
			if err != nil {
				t.Errorf("Register: %v", err)
				return
			}
			ids <- task.ID
		})
	}
	wg.Wait()
	close(ids)

	var resolved sync.WaitGroup
	for id := range ids {
		// Two resolvers race for every task; exactly one must win.
		for j := 0; j < 2; j++ {
			resolved.Go(func() {
				_, _ = r.Resolve(id, Resolution{Result: json.RawMessage(`1`)})
			})
		}
	}
	resolved.Wait()

	st := r.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, workers, st.ByStatus[model.StatusCompleted])
}
