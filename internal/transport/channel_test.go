package transport

import (
	"context"
	"testing"
	"time"

	"github.com/signalops/truthengine/internal/gate"
)

func TestChannelClientDelivery(t *testing.T) {
	c := NewChannelClient(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := c.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if c.ConnectionState() != StateConnected {
		t.Fatalf("want connected, got %s", c.ConnectionState())
	}

	raw := gate.RawEvent{CorrelationID: "77", Symbol: "EURUSD", Status: "closed"}
	if err := c.Push(raw); err != nil {
		t.Fatal(err)
	}

	select {
	case conf := <-events:
		if conf.Payload.CorrelationID != "77" {
			t.Fatalf("payload mismatch: %+v", conf.Payload)
		}
		if conf.ID == "" {
			t.Fatal("wire id must be assigned")
		}
	case <-time.After(time.Second):
		t.Fatal("confirmation not delivered")
	}
}

func TestChannelClientFullBufferDoesNotWedgeClose(t *testing.T) {
	c := NewChannelClient(1)
	if err := c.Push(gate.RawEvent{CorrelationID: "1"}); err != nil {
		t.Fatal(err)
	}
	// No consumer: the buffer is full, so the next push must fail fast
	// instead of blocking with the lock held.
	if err := c.Push(gate.RawEvent{CorrelationID: "2"}); err == nil {
		t.Fatal("push onto a full buffer must error, not block")
	}

	done := make(chan struct{})
	go func() {
		_ = c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("close must not wait behind a producer")
	}
}

func TestChannelClientShutdownLatency(t *testing.T) {
	c := NewChannelClient(8)
	ctx, cancel := context.WithCancel(context.Background())
	events, _ := c.Start(ctx)

	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not observed within bounded latency")
	}

	if err := c.Push(gate.RawEvent{}); err == nil {
		t.Fatal("push after close must error")
	}
}
