package realtime_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tailored-agentic-units/relay/realtime"
)

func TestMessageChannel_TrySendNeverBlocks(t *testing.T) {
	mc := realtime.NewMessageChannel[int](context.Background(), 1)

	if !mc.TrySend(1) {
		t.Fatal("TrySend() = false on empty buffer, want true")
	}
	if mc.TrySend(2) {
		t.Error("TrySend() = true on full buffer, want false")
	}

	mc.Close()
	mc.Close()

	if mc.TrySend(3) {
		t.Error("TrySend() = true after Close, want false")
	}

	got, err := mc.Receive(context.Background())
	if err != nil || got != 1 {
		t.Fatalf("Receive() = %d, %v; want 1, nil", got, err)
	}
	if _, err := mc.Receive(context.Background()); !errors.Is(err, realtime.ErrConnectionClosed) {
		t.Errorf("Receive() after drain error = %v, want ErrConnectionClosed", err)
	}
}

func TestMessageChannel_ReceiveHonorsContext(t *testing.T) {
	mc := realtime.NewMessageChannel[int](context.Background(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := mc.Receive(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Receive() error = %v, want context.Canceled", err)
	}
}
