package engine

import (
	"sync"
	"testing"
	"time"
)

func TestSubscribeAndEmit(t *testing.T) {
	bus := NewEventBus()
	var received []Event

	bus.Subscribe(func(e Event) {
		received = append(received, e)
	})

	bus.Emit(Event{Type: EventRecipeCreated, Payload: RecipeEvent{ID: 1, Name: "recipe1"}})
	bus.Emit(Event{Type: EventPublisherStarted, Payload: ServiceEvent{Kind: "mqtt", Name: "mqtt1"}})

	if len(received) != 2 {
		t.Fatalf("expected 2 events, got %d", len(received))
	}
	if received[0].Type != EventRecipeCreated {
		t.Errorf("expected EventRecipeCreated, got %d", received[0].Type)
	}
	if received[1].Type != EventPublisherStarted {
		t.Errorf("expected EventPublisherStarted, got %d", received[1].Type)
	}
}

func TestSubscribeTypes(t *testing.T) {
	bus := NewEventBus()
	var received []Event

	bus.SubscribeTypes(func(e Event) {
		received = append(received, e)
	}, EventRecipeCreated, EventRecipeDeleted)

	bus.Emit(Event{Type: EventRecipeCreated, Payload: RecipeEvent{ID: 1, Name: "recipe1"}})
	bus.Emit(Event{Type: EventPublisherStarted, Payload: ServiceEvent{Kind: "mqtt", Name: "mqtt1"}}) // should be filtered
	bus.Emit(Event{Type: EventRecipeDeleted, Payload: RecipeEvent{ID: 2, Name: "recipe2"}})

	if len(received) != 2 {
		t.Fatalf("expected 2 filtered events, got %d", len(received))
	}
	if received[0].Payload.(RecipeEvent).Name != "recipe1" {
		t.Errorf("expected recipe1, got %s", received[0].Payload.(RecipeEvent).Name)
	}
	if received[1].Payload.(RecipeEvent).Name != "recipe2" {
		t.Errorf("expected recipe2, got %s", received[1].Payload.(RecipeEvent).Name)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := NewEventBus()
	count := 0

	id := bus.Subscribe(func(e Event) {
		count++
	})

	bus.Emit(Event{Type: EventStatusChanged})
	if count != 1 {
		t.Fatalf("expected 1, got %d", count)
	}

	bus.Unsubscribe(id)
	bus.Emit(Event{Type: EventStatusChanged})
	if count != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count)
	}
}

func TestUnsubscribeNonExistent(t *testing.T) {
	bus := NewEventBus()
	// Should not panic
	bus.Unsubscribe(999)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	counts := make(map[string]int)

	bus.Subscribe(func(e Event) {
		mu.Lock()
		counts["a"]++
		mu.Unlock()
	})
	bus.Subscribe(func(e Event) {
		mu.Lock()
		counts["b"]++
		mu.Unlock()
	})

	bus.Emit(Event{Type: EventStatusChanged})

	mu.Lock()
	defer mu.Unlock()
	if counts["a"] != 1 || counts["b"] != 1 {
		t.Errorf("expected both subscribers called once, got a=%d b=%d", counts["a"], counts["b"])
	}
}

func TestEmitSetsTimestamp(t *testing.T) {
	bus := NewEventBus()
	var received Event

	bus.Subscribe(func(e Event) {
		received = e
	})

	bus.Emit(Event{Type: EventStatusChanged})

	if received.Timestamp.IsZero() {
		t.Error("expected non-zero timestamp")
	}
}

func TestConcurrentEmit(t *testing.T) {
	bus := NewEventBus()
	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Emit(Event{Type: EventStatusChanged})
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if count != 100 {
		t.Errorf("expected 100, got %d", count)
	}
}

func TestSubscribersCalledInOrder(t *testing.T) {
	bus := NewEventBus()
	var order []int

	first := bus.Subscribe(func(e Event) { order = append(order, 1) })
	bus.Subscribe(func(e Event) { order = append(order, 2) })
	bus.Subscribe(func(e Event) { order = append(order, 3) })
	bus.Unsubscribe(first)
	bus.Subscribe(func(e Event) { order = append(order, 4) })

	bus.Emit(Event{Type: EventTagUpdated})

	want := []int{2, 3, 4}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestEmitKeepsTimestamp(t *testing.T) {
	bus := NewEventBus()
	var received Event
	bus.Subscribe(func(e Event) { received = e })

	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.Emit(Event{Type: EventTagWritten, Timestamp: ts})

	if !received.Timestamp.Equal(ts) {
		t.Errorf("expected %v, got %v", ts, received.Timestamp)
	}
}
