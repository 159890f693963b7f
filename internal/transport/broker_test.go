package transport_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/seantiz/voxgate/internal/model"
	"github.com/seantiz/voxgate/internal/registry"
	"github.com/seantiz/voxgate/internal/transport"
)

func TestProgressBrokerSingleSubscriber(t *testing.T) {
	b := transport.NewProgressBroker()
	ch, unsub := b.Subscribe("t1")
	defer unsub()

	lines := []string{"listening", "transcribing", "thinking"}
	for _, l := range lines {
		b.Publish("t1", l)
	}
	b.Close("t1")

	var got []string
	for l := range ch {
		got = append(got, l)
	}

	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i, l := range got {
		if l != lines[i] {
			t.Errorf("line[%d] = %q, want %q", i, l, lines[i])
		}
	}
}

func TestProgressBrokerMultipleSubscribers(t *testing.T) {
	b := transport.NewProgressBroker()
	ch1, unsub1 := b.Subscribe("t1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("t1")
	defer unsub2()

	b.Publish("t1", "hello")
	b.Close("t1")

	var got1, got2 []string
	for l := range ch1 {
		got1 = append(got1, l)
	}
	for l := range ch2 {
		got2 = append(got2, l)
	}

	if len(got1) != 1 || got1[0] != "hello" {
		t.Errorf("subscriber 1 got %v, want [hello]", got1)
	}
	if len(got2) != 1 || got2[0] != "hello" {
		t.Errorf("subscriber 2 got %v, want [hello]", got2)
	}
}

func TestProgressBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := transport.NewProgressBroker()
	b.Publish("t1", "early")
	b.Close("t1")

	ch, unsub := b.Subscribe("t1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestProgressBrokerDoubleCloseIsSafe(t *testing.T) {
	b := transport.NewProgressBroker()
	_, unsub := b.Subscribe("t1")
	defer unsub()

	b.Close("t1")
	b.Close("t1")
}

func TestProgressBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := transport.NewProgressBroker()
	ch, unsub := b.Subscribe("t1")
	unsub()

	b.Publish("t1", "after unsub")
	b.Close("t1")

	select {
	case l, ok := <-ch:
		if ok {
			t.Errorf("got unexpected line %q after unsubscribe", l)
		}
	default:
	}
}

func TestProgressBrokerPrune(t *testing.T) {
	b := transport.NewProgressBroker()
	b.Close("done")
	_, unsub := b.Subscribe("open")
	defer unsub()

	if n := b.Prune(time.Hour); n != 0 {
		t.Errorf("Prune(1h) = %d, want 0", n)
	}

	time.Sleep(5 * time.Millisecond)
	if n := b.Prune(time.Millisecond); n != 1 {
		t.Errorf("Prune(1ms) = %d, want 1", n)
	}

	// A pruned topic behaves like a fresh one: subscribers block until closed.
	ch, unsub2 := b.Subscribe("done")
	defer unsub2()
	select {
	case <-ch:
		t.Error("subscriber to pruned topic should not be closed")
	default:
	}
}

func TestProgressBrokerObserveClosesOnTerminal(t *testing.T) {
	b := transport.NewProgressBroker()
	ch, unsub := b.Subscribe("t1")
	defer unsub()

	b.Observe(&model.Task{ID: "t1", Status: model.StatusPending})
	b.Publish("t1", "still running")
	if line := <-ch; line != "still running" {
		t.Fatalf("line = %q, want %q", line, "still running")
	}

	b.Observe(&model.Task{ID: "t1", Status: model.StatusTimedOut})
	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received a line after the task timed out")
		}
	case <-time.After(time.Second):
		t.Fatal("topic not closed by a terminal task")
	}
}

func TestProgressBrokerClosesWhenRegistryTimesOut(t *testing.T) {
	b := transport.NewProgressBroker()
	reg := registry.New(registry.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	reg.SetObserver(b.Observe)

	task, err := reg.Register("transcribe", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	ch, unsub := b.Subscribe(task.ID)
	defer unsub()

	if _, err := reg.TimeOut(task.ID, "no engine reply"); err != nil {
		t.Fatalf("TimeOut: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("received a line, want closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out task left its progress topic open")
	}
}
