package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestNewMemoryBus(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10, FanoutWorkers: 2})
	if bus == nil {
		t.Fatal("expected non-nil bus")
	}
	bus.Close()
	bus.Close()
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	err := bus.Publish(context.Background(), Notice{Type: NoticeChannelState, Channel: "Channel_1", State: "up"})
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if err := bus.Publish(context.Background(), Notice{}); err == nil {
		t.Error("expected error for empty notice type")
	}
}

func TestMemoryBusSubscribeAndPublish(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	subID, notices, err := bus.Subscribe(ctx, NoticeRoleChange)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer bus.Unsubscribe(subID)

	if err := bus.Publish(ctx, Notice{Type: NoticeChannelState, Channel: "Channel_1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if err := bus.Publish(ctx, Notice{Type: NoticeRoleChange, Channel: "Channel_2", State: "active"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case received := <-notices:
		if received.Type != NoticeRoleChange {
			t.Fatalf("expected role change notice, got %s", received.Type)
		}
		if received.ID == "" {
			t.Error("expected notice id to be assigned")
		}
		if received.At.IsZero() {
			t.Error("expected notice timestamp to be assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notice")
	}
}

func TestMemoryBusSubscribeEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	if _, _, err := bus.Subscribe(context.Background(), ""); err == nil {
		t.Error("expected error for empty notice type")
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})
	defer bus.Close()

	subID, notices, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Unsubscribe(subID)

	select {
	case _, ok := <-notices:
		if ok {
			t.Error("expected channel to be closed")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
}

func TestMemoryBusCloseClosesSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 10})

	_, notices, err := bus.Subscribe(context.Background())
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	bus.Close()

	select {
	case _, ok := <-notices:
		if ok {
			t.Error("expected channel to be closed after bus close")
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("timeout waiting for channel close")
	}
	if err := bus.Publish(context.Background(), Notice{Type: NoticeLogin}); err == nil {
		t.Error("expected publish on closed bus to fail")
	}
}

func TestMemoryBusFullBufferDropsOldest(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1})
	defer bus.Close()

	ctx := context.Background()
	_, notices, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	for _, text := range []string{"first", "second"} {
		if err := bus.Publish(ctx, Notice{Type: NoticeLogin, Text: text}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	received := <-notices
	if received.Text != "second" {
		t.Fatalf("expected newest notice to survive, got %q", received.Text)
	}
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 4, FanoutWorkers: 2})
	defer bus.Close()

	ctx := context.Background()
	sub1, ch1, err := bus.Subscribe(ctx, NoticeServiceAdded)
	if err != nil {
		t.Fatalf("Subscribe 1 error = %v", err)
	}
	defer bus.Unsubscribe(sub1)
	sub2, ch2, err := bus.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe 2 error = %v", err)
	}
	defer bus.Unsubscribe(sub2)

	if err := bus.Publish(ctx, Notice{Type: NoticeServiceAdded, Service: "DIRECT_FEED"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for i, ch := range []<-chan Notice{ch1, ch2} {
		select {
		case n := <-ch:
			if n.Service != "DIRECT_FEED" {
				t.Errorf("subscriber %d got %q", i+1, n.Service)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d did not receive notice", i+1)
		}
	}
}

func TestMemoryConfigNormalize(t *testing.T) {
	normalized := MemoryConfig{}.normalize()
	if normalized.BufferSize <= 0 {
		t.Error("expected positive buffer size after normalization")
	}
	if normalized.FanoutWorkers <= 0 {
		t.Error("expected positive fanout workers after normalization")
	}
}
