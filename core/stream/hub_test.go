package stream

import (
	"testing"
	"time"
)

func TestHub_PublishSubscribe(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(TopicNotifications)
	defer cancel()

	hub.Publish(Event{Topic: TopicNotifications, Kind: KindNotificationCreated, Payload: "n-1"})

	select {
	case ev := <-events:
		if ev.Kind != KindNotificationCreated || ev.Payload != "n-1" {
			t.Errorf("got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestHub_TopicIsolation(t *testing.T) {
	hub := NewHub()

	convEvents, cancel := hub.Subscribe(ConversationTopic("c-1"))
	defer cancel()

	hub.Publish(Event{Topic: ConversationTopic("c-2"), Kind: KindMessageCreated})
	hub.Publish(Event{Topic: TopicNotifications, Kind: KindNotificationCreated})

	select {
	case ev := <-convEvents:
		t.Errorf("received cross-topic event: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_MultipleSubscribers(t *testing.T) {
	hub := NewHub()

	a, cancelA := hub.Subscribe(TopicConversations)
	defer cancelA()
	b, cancelB := hub.Subscribe(TopicConversations)
	defer cancelB()

	hub.Publish(Event{Topic: TopicConversations, Kind: KindConversationUpdated})

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s did not receive the event", name)
		}
	}
}

func TestHub_UnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(TopicNotifications)
	cancel()
	cancel() // safe to call twice

	if _, ok := <-events; ok {
		t.Error("channel still open after unsubscribe")
	}

	// publishing after unsubscribe must not panic or block
	hub.Publish(Event{Topic: TopicNotifications, Kind: KindNotificationCreated})
}

type recordingBridge struct {
	forwarded []Event
}

func (b *recordingBridge) Forward(ev Event) { b.forwarded = append(b.forwarded, ev) }

func TestHub_BridgeForwarding(t *testing.T) {
	hub := NewHub()
	bridge := &recordingBridge{}
	hub.SetBridge(bridge)

	hub.Publish(Event{Topic: TopicNotifications, Kind: KindNotificationRead})

	if len(bridge.forwarded) != 1 {
		t.Fatalf("expected 1 forwarded event, got %d", len(bridge.forwarded))
	}
	if kind := bridge.forwarded[0].Kind; kind != KindNotificationRead {
		t.Errorf("got kind %q", kind)
	}
}

func TestHub_SlowConsumerDropped(t *testing.T) {
	hub := NewHub()

	events, cancel := hub.Subscribe(TopicNotifications)
	defer cancel()

	// never read: once the buffer fills, further publishes are dropped
	// for this subscriber instead of blocking the publisher
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 2*cap(events)+8; i++ {
			hub.Publish(Event{Topic: TopicNotifications, Kind: KindNotificationCreated, Payload: i})
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a slow consumer")
	}
}
