package gateway_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/voxgate/internal/enginesim"
	"github.com/seantiz/voxgate/internal/gateway"
	"github.com/seantiz/voxgate/internal/model"
	"github.com/seantiz/voxgate/internal/registry"
	"github.com/seantiz/voxgate/internal/transport"
)

// stack wires a gateway to a real transport talking to a simulated engine.
func stack(t *testing.T, engCfg enginesim.Config, timeout time.Duration) (*gateway.Gateway, *registry.Registry, *enginesim.Engine) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	eng := enginesim.New(engCfg, logger)
	go func() { _ = eng.Serve(ln) }()
	t.Cleanup(func() { _ = ln.Close() })

	dial, err := transport.NewDialer("tcp://" + ln.Addr().String())
	require.NoError(t, err)
	tr := transport.New(transport.Config{Dial: dial, BackoffInitial: 10 * time.Millisecond}, logger)
	tr.Start()

	reg := registry.New(registry.Config{MaxPending: 16}, logger)
	gw := gateway.New(reg, tr, nil, gateway.Config{RequestTimeout: timeout}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gw.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = tr.Close()
	})
	return gw, reg, eng
}

func TestEndToEndCommand(t *testing.T) {
	gw, _, _ := stack(t, enginesim.Config{ProgressLines: 2, Delay: 10 * time.Millisecond}, time.Second)

	task, err := gw.HandleCommand(context.Background(), gateway.CommandRequest{
		Text: "play some jazz",
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, task.Status)
	assert.JSONEq(t, `{"response":"Processed command: play some jazz","spoken":true}`, string(task.Result))
}

func TestEndToEndDuplicateResultsAbsorbed(t *testing.T) {
	gw, reg, _ := stack(t, enginesim.Config{DuplicateResults: true}, time.Second)

	for i := 0; i < 5; i++ {
		task, err := gw.Handle(context.Background(), gateway.Request{
			Action:  "echo",
			Payload: json.RawMessage(`{"i":1}`),
		})
		require.NoError(t, err)
		assert.Equal(t, model.StatusCompleted, task.Status)
	}
	assert.Equal(t, 0, reg.Stats().Pending)
	assert.Equal(t, 5, reg.Stats().ByStatus[model.StatusCompleted])
}

func TestEndToEndEngineFailure(t *testing.T) {
	gw, _, _ := stack(t, enginesim.Config{}, time.Second)

	task, err := gw.Handle(context.Background(), gateway.Request{Action: enginesim.ActionFail})
	require.ErrorIs(t, err, gateway.ErrTaskFailed)
	assert.Equal(t, "simulated engine failure", task.Error)
}

func TestEndToEndSilentEngineTimesOut(t *testing.T) {
	gw, _, eng := stack(t, enginesim.Config{Silent: true}, 100*time.Millisecond)

	_, err := gw.Handle(context.Background(), gateway.Request{Action: "echo"})
	require.ErrorIs(t, err, gateway.ErrGatewayTimeout)
	assert.EqualValues(t, 1, eng.Dispatched())
}

func TestEndToEndConcurrentRequests(t *testing.T) {
	gw, reg, _ := stack(t, enginesim.Config{Delay: 20 * time.Millisecond}, 2*time.Second)

	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func() {
			_, err := gw.Handle(context.Background(), gateway.Request{Action: "echo"})
			errs <- err
		}()
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-errs)
	}
	assert.Equal(t, 10, reg.Stats().ByStatus[model.StatusCompleted])
}
