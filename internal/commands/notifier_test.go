package commands

import (
	"context"
	"testing"
	"time"
)

func TestNotifierPublishesToSubscriber(t *testing.T) {
	notifier := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := notifier.Subscribe(ctx, "pixel-7")
	defer cleanup()

	notifier.Publish(Signal{DeviceID: "pixel-7", CommandID: 4, Timestamp: time.Now().UTC()})

	select {
	case received := <-stream:
		if received.CommandID != 4 {
			t.Fatalf("expected command 4, got %d", received.CommandID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected signal within deadline")
	}
}

func TestNotifierIsolatedByDevice(t *testing.T) {
	notifier := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mine, cleanup := notifier.Subscribe(ctx, "device-a")
	defer cleanup()
	other, otherCleanup := notifier.Subscribe(ctx, "device-b")
	defer otherCleanup()

	notifier.Publish(Signal{DeviceID: "device-b", CommandID: 1})

	select {
	case <-mine:
		t.Fatal("did not expect signal for unrelated device")
	case <-time.After(100 * time.Millisecond):
	}
	select {
	case signal := <-other:
		if signal.DeviceID != "device-b" {
			t.Fatalf("expected device-b, got %s", signal.DeviceID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected signal for subscribed device")
	}
}

func TestNotifierCleanupOnContextCancel(t *testing.T) {
	notifier := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := notifier.Subscribe(ctx, "device-a")
	defer cleanup()
	if notifier.Subscribers("device-a") != 1 {
		t.Fatalf("expected one subscriber")
	}
	cancel()

	deadline := time.Now().Add(time.Second)
	for notifier.Subscribers("device-a") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber removed after cancel")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNotifierPublishDoesNotBlockOnFullBuffer(t *testing.T) {
	notifier := NewNotifier()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, cleanup := notifier.Subscribe(ctx, "device-a")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			notifier.Publish(Signal{DeviceID: "device-a", CommandID: uint(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on an undrained subscriber")
	}
}
