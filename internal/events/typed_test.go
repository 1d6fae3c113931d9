package events

import (
	"testing"
	"time"
)

func TestTypedBusPublishSubscribe(t *testing.T) {
	bus := NewTyped[string](1)
	ch := bus.Subscribe()
	bus.Publish("hello")
	v := <-ch
	if v != "hello" {
		t.Fatalf("expected hello got %v", v)
	}
	bus.Unsubscribe(ch)
}

func TestTypedBusCountsDrops(t *testing.T) {
	bus := NewTyped[int](1)
	ch := bus.Subscribe()
	bus.Publish(1)
	bus.Publish(2)
	if got := bus.Dropped(); got != 1 {
		t.Fatalf("expected 1 drop, got %d", got)
	}
	if v := <-ch; v != 1 {
		t.Fatalf("expected first event kept, got %d", v)
	}
}

func TestTypedBusClose(t *testing.T) {
	bus := NewTyped[int](0)
	ch1 := bus.Subscribe()
	ch2 := bus.Subscribe()
	bus.Close()
	if _, ok := <-ch1; ok {
		t.Fatalf("expected ch1 closed")
	}
	if _, ok := <-ch2; ok {
		t.Fatalf("expected ch2 closed")
	}
	bus.Publish(1)
	if _, ok := <-bus.Subscribe(); ok {
		t.Fatalf("expected subscribe after close to return a closed channel")
	}
}

func TestTypedBusUnsubscribeAfterClose(t *testing.T) {
	bus := NewTyped[int](0)
	ch := bus.Subscribe()
	bus.Close()
	defer func() {
		if r := recover(); r != nil {
			t.Fatalf("panic on Unsubscribe after Close: %v", r)
		}
	}()
	bus.Unsubscribe(ch)
}

func TestTypedBusWaitsForLaggingSubscriber(t *testing.T) {
	bus := NewTypedWait[int](1, time.Second)
	ch := bus.Subscribe()
	var got []int
	done := make(chan struct{})
	go func() {
		for v := range ch {
			got = append(got, v)
			time.Sleep(5 * time.Millisecond)
		}
		close(done)
	}()
	for i := 0; i < 10; i++ {
		bus.Publish(i)
	}
	bus.Close()
	<-done
	if bus.Dropped() != 0 || len(got) != 10 {
		t.Fatalf("expected 10 events and no drops, got %d events and %d drops", len(got), bus.Dropped())
	}
}

func TestTypedBusDropsAfterWait(t *testing.T) {
	bus := NewTypedWait[int](1, 20*time.Millisecond)
	dropped := 0
	bus.onDrop = func() { dropped++ }
	_ = bus.Subscribe()
	bus.Publish(1)
	start := time.Now()
	bus.Publish(2)
	if time.Since(start) < 20*time.Millisecond {
		t.Fatalf("expected publish to wait before dropping")
	}
	if bus.Dropped() != 1 || dropped != 1 {
		t.Fatalf("expected one drop, got %d (hook %d)", bus.Dropped(), dropped)
	}
}
