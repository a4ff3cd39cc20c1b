package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestChannelEventBus_PublishAndSubscribe(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(1, 10*time.Millisecond),
	)
	defer eb.Close()

	received := make(chan string, 1)
	handler := func(ctx context.Context, event Event) error {
		received <- string(event.Type())
		return nil
	}
	_, err := eb.Subscribe([]EventType{EventStepCompleted}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	evt := NewEvent(EventStepCompleted, nil, "test", nil)
	err = eb.Publish(context.Background(), evt)
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case typ := <-received:
		if typ != string(EventStepCompleted) {
			t.Errorf("expected event type %v, got %v", EventStepCompleted, typ)
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for event handler")
	}
}

func TestChannelEventBus_HandlerRetry(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(2, 10*time.Millisecond),
	)
	defer eb.Close()

	var mu sync.Mutex
	calls := 0
	handler := func(ctx context.Context, event Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls < 2 {
			return context.DeadlineExceeded
		}
		return nil
	}
	_, err := eb.Subscribe([]EventType{EventStepFailed}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	err = eb.Publish(context.Background(), NewEvent(EventStepFailed, nil, "test", nil))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("expected at least 2 calls, got %d", calls)
}

func TestChannelEventBus_ContextCancellation(t *testing.T) {
	eb := NewChannelEventBus(
		WithBufferSize(1),
		WithWorkerCount(1),
		WithRetries(1, 10*time.Millisecond),
	)
	defer eb.Close()

	ctx, cancel := context.WithCancel(context.Background())
	received := make(chan struct{}, 1)
	handler := func(ctx context.Context, event Event) error {
		received <- struct{}{}
		return nil
	}
	_, err := eb.Subscribe([]EventType{EventStepDispatched}, handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	cancel()
	if err := eb.Publish(ctx, NewEvent(EventStepDispatched, nil, "test", nil)); err == nil {
		t.Fatal("expected Publish to fail with a cancelled context")
	}

	select {
	case <-received:
		t.Error("handler should not be called after context cancellation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelEventBus_SingleWorkerPreservesOrder(t *testing.T) {
	eb := NewChannelEventBus(WithBufferSize(64))

	var mu sync.Mutex
	var got []int
	_, err := eb.SubscribeAll(func(ctx context.Context, event Event) error {
		mu.Lock()
		got = append(got, event.Payload().(int))
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("SubscribeAll failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		if err := eb.Publish(context.Background(), NewEvent(EventStepVerifying, i, "test", nil)); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	// Close drains the queue before returning.
	eb.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("expected 50 events, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("event %d delivered out of order: %d", i, v)
		}
	}
}

func TestChannelEventBus_Unsubscribe(t *testing.T) {
	eb := NewChannelEventBus()

	var mu sync.Mutex
	calls := 0
	id, err := eb.Subscribe([]EventType{EventPlanStarted}, func(ctx context.Context, event Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := eb.Unsubscribe(id); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	_ = eb.Publish(context.Background(), NewEvent(EventPlanStarted, nil, "test", nil))
	eb.Close()

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Errorf("expected no calls after unsubscribe, got %d", calls)
	}
}

func TestChannelEventBus_ClosedRejectsPublish(t *testing.T) {
	eb := NewChannelEventBus()
	eb.Close()
	if err := eb.Publish(context.Background(), NewEvent(EventSystemInfo, nil, "test", nil)); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
	if _, err := eb.SubscribeAll(func(context.Context, Event) error { return nil }); err == nil {
		t.Error("expected subscribe on closed bus to fail")
	}
}
