package events

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestBusEmitOn(t *testing.T) {
	b := NewBus(newTestLogger())
	var received Event
	b.On("device_joined", func(e Event) { received = e })

	b.Emit(Event{Type: "device_joined", Data: "test"})

	if received.Type != "device_joined" || received.Data != "test" {
		t.Errorf("received %+v", received)
	}
	if received.Time.IsZero() {
		t.Error("emit should stamp the event time")
	}
}

func TestBusOnDoesNotReceiveOtherTypes(t *testing.T) {
	b := NewBus(newTestLogger())
	called := false
	b.On("device_joined", func(Event) { called = true })

	b.Emit(Event{Type: "device_left"})

	if called {
		t.Error("handler called for wrong event type")
	}
}

func TestBusOnAll(t *testing.T) {
	b := NewBus(newTestLogger())
	var count atomic.Int32
	b.OnAll(func(Event) { count.Add(1) })

	b.Emit(Event{Type: "device_joined"})
	b.Emit(Event{Type: "state_changed"})
	b.Emit(Event{Type: "attribute_report"})

	if count.Load() != 3 {
		t.Errorf("OnAll called %d times, want 3", count.Load())
	}
}

func TestBusOrder(t *testing.T) {
	b := NewBus(newTestLogger())
	var order []int
	b.On("x", func(Event) { order = append(order, 1) })
	b.OnAll(func(Event) { order = append(order, 2) })
	b.On("x", func(Event) { order = append(order, 3) })

	b.Emit(Event{Type: "x"})

	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 3 {
		t.Errorf("order = %v", order)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(newTestLogger())
	var count atomic.Int32
	unsub := b.On("device_joined", func(Event) { count.Add(1) })
	other := b.On("device_joined", func(Event) {})

	b.Emit(Event{Type: "device_joined"})
	unsub()
	unsub()
	b.Emit(Event{Type: "device_joined"})

	if count.Load() != 1 {
		t.Errorf("expected 1 call, got %d", count.Load())
	}
	if n := b.Listeners()["device_joined"]; n != 1 {
		t.Errorf("listeners = %d, want 1", n)
	}
	other()
	if n := b.Listeners()["device_joined"]; n != 0 {
		t.Errorf("listeners = %d, want 0", n)
	}
}

func TestBusUnsubscribeDuringEmit(t *testing.T) {
	b := NewBus(newTestLogger())
	var count atomic.Int32
	var unsub func()
	unsub = b.On("x", func(Event) {
		count.Add(1)
		unsub()
	})

	b.Emit(Event{Type: "x"})
	b.Emit(Event{Type: "x"})

	if count.Load() != 1 {
		t.Errorf("got %d calls, want 1", count.Load())
	}
}

func TestBusPanicRecovery(t *testing.T) {
	b := NewBus(newTestLogger())
	var called atomic.Int32
	b.On("device_joined", func(Event) {
		called.Add(1)
		panic("test panic")
	})
	b.On("device_joined", func(Event) { called.Add(1) })

	b.Emit(Event{Type: "device_joined"})

	if c := called.Load(); c != 2 {
		t.Errorf("expected 2 handlers called, got %d", c)
	}
}

func TestBusConcurrentEmit(t *testing.T) {
	b := NewBus(newTestLogger())
	var count atomic.Int32
	b.OnAll(func(Event) { count.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(Event{Type: "attribute_report"})
		}()
	}
	wg.Wait()

	if count.Load() != 100 {
		t.Errorf("got %d, want 100", count.Load())
	}
}
