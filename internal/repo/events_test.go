package repo

import (
	"sync"
	"testing"
)

func TestNewEventBus(t *testing.T) {
	eb := NewEventBus()
	if eb == nil {
		t.Fatal("expected non-nil EventBus")
	}
	if eb.handlers == nil {
		t.Fatal("expected non-nil handlers map")
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	called := false

	eb.Subscribe(EventVersionCommitted, func(e Event) {
		called = true
	})
	eb.Publish(Event{Type: EventSaveSkipped})
	if called {
		t.Error("handler called for another event type")
	}

	eb.Publish(Event{Type: EventVersionCommitted})
	if !called {
		t.Error("handler was not called")
	}
}

func TestEventBus_SubscribeAll(t *testing.T) {
	eb := NewEventBus()
	count := 0

	eb.SubscribeAll(func(e Event) {
		count++
	})

	eb.Publish(Event{Type: EventVersionCommitted})
	eb.Publish(Event{Type: EventVersionPruned})
	eb.Publish(Event{Type: EventPruneComplete})

	if count != 3 {
		t.Errorf("expected 3 calls, got %d", count)
	}
}

func TestEventBus_PublishWithData(t *testing.T) {
	eb := NewEventBus()
	var received Event

	eb.Subscribe(EventVersionPruned, func(e Event) {
		received = e
	})

	eb.PublishWithData(EventVersionPruned, "main", "data/x.json", map[string]interface{}{"version": "v1"})

	if received.Alias != "main" || received.Path != "data/x.json" {
		t.Errorf("unexpected target %s:%s", received.Alias, received.Path)
	}
	if received.Data["version"] != "v1" {
		t.Error("data not properly passed")
	}
	if received.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestEventBus_ConcurrentPublish(t *testing.T) {
	eb := NewEventBus()
	var mu sync.Mutex
	count := 0
	eb.SubscribeAll(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			eb.Publish(Event{Type: EventVersionCommitted})
		}()
	}
	wg.Wait()

	if count != 50 {
		t.Errorf("expected 50 calls, got %d", count)
	}
}
