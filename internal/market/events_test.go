package market

import (
	"context"
	"testing"
	"time"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	events, cancel := b.Subscribe("party")
	defer cancel()

	b.Publish(LogEvent{SessionID: "party", Log: TradeLog{ID: "log-1"}})
	b.Publish(LogEvent{SessionID: "other", Log: TradeLog{ID: "log-2"}})

	select {
	case ev := <-events:
		if ev.Log.ID != "log-1" {
			t.Fatalf("got %q want log-1", ev.Log.ID)
		}
	case <-time.After(time.Second):
		t.Fatalf("event not delivered")
	}

	select {
	case ev := <-events:
		t.Fatalf("cross-session event leaked: %+v", ev)
	default:
	}
}

func TestBrokerCancelClosesChannel(t *testing.T) {
	b := NewBroker()
	events, cancel := b.Subscribe("party")
	cancel()
	if _, open := <-events; open {
		t.Fatalf("channel should be closed after cancel")
	}
	// Cancelling twice is harmless.
	cancel()
	b.Publish(LogEvent{SessionID: "party"})
}

func TestBrokerDropSession(t *testing.T) {
	b := NewBroker()
	first, cancelFirst := b.Subscribe("party")
	second, _ := b.Subscribe("party")

	b.DropSession("party")
	if _, open := <-first; open {
		t.Fatalf("first subscriber should be closed")
	}
	if _, open := <-second; open {
		t.Fatalf("second subscriber should be closed")
	}
	// Cancel after drop must not panic or double-close.
	cancelFirst()
}

func TestBrokerNeverBlocksPublisher(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("party")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer*3; i++ {
			b.Publish(LogEvent{SessionID: "party", Log: TradeLog{ID: "x"}})
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("publish blocked on a slow subscriber")
	}
}

func TestTradePublishesEvents(t *testing.T) {
	reg, engine := newTestEngine(t, testConfig())
	mustRegister(t, reg, "alice")

	events, cancel := reg.Events().Subscribe("party")
	defer cancel()

	if _, err := engine.Buy(context.Background(), TradeInput{
		SessionID: "party", UserID: "alice", Company: "Cat Planning", Quantity: 1,
	}); err != nil {
		t.Fatalf("buy: %v", err)
	}

	select {
	case ev := <-events:
		if ev.Log.Action != ActionBuy || ev.Log.Quantity != 1 || ev.Log.FailedReason != "" {
			t.Fatalf("unexpected event: %+v", ev.Log)
		}
	case <-time.After(time.Second):
		t.Fatalf("trade event not published")
	}

	// Failures get published too.
	if _, err := engine.Buy(context.Background(), TradeInput{
		SessionID: "party", UserID: "alice", Company: "Nope Inc", Quantity: 1,
	}); err == nil {
		t.Fatalf("expected failure for unknown company")
	}
	select {
	case ev := <-events:
		if ev.Log.FailedReason == "" {
			t.Fatalf("failure event missing reason: %+v", ev.Log)
		}
	case <-time.After(time.Second):
		t.Fatalf("failure event not published")
	}
}
