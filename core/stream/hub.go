// Package stream provides the live-query primitive: topic-keyed
// subscriptions that deliver every published change until cancelled.
package stream

import "sync"

// Event kinds published on the hub.
const (
	KindMessageCreated      = "message.created"
	KindConversationUpdated = "conversation.updated"
	KindNotificationCreated = "notification.created"
	KindNotificationRead    = "notification.read"
)

// Topics. Conversation events are published per conversation;
// notification events share one topic and are filtered per viewer.
const (
	TopicNotifications = "notifications"
	TopicConversations = "conversations"
)

func ConversationTopic(id string) string {
	return "conversation:" + id
}

type Event struct {
	Topic   string      `json:"topic"`
	Kind    string      `json:"kind"`
	Payload interface{} `json:"payload,omitempty"`
}

// Bridge forwards locally published events to other instances.
type Bridge interface {
	Forward(ev Event)
}

// Hub keeps in-memory subscribers grouped by topic. It is process-local;
// cross-instance fanout is handled by an attached Bridge.
type Hub struct {
	mutex  sync.RWMutex
	subs   map[string]map[chan Event]struct{}
	bridge Bridge
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan Event]struct{})}
}

// SetBridge attaches a cross-instance bridge. Must be called before Publish
// is used concurrently.
func (h *Hub) SetBridge(b Bridge) {
	h.bridge = b
}

// Subscribe registers a subscriber for a topic and returns the delivery
// channel plus an unsubscribe func that must be called when done.
// The channel is closed on unsubscribe.
func (h *Hub) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 16)

	h.mutex.Lock()
	set, ok := h.subs[topic]
	if !ok {
		set = make(map[chan Event]struct{})
		h.subs[topic] = set
	}
	set[ch] = struct{}{}
	h.mutex.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mutex.Lock()
			delete(set, ch)
			if len(set) == 0 {
				delete(h.subs, topic)
			}
			h.mutex.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers an event to all local subscribers of its topic and
// forwards it to the bridge, if any. Slow consumers are skipped so a stuck
// subscriber can never block producer code.
func (h *Hub) Publish(ev Event) {
	h.publishLocal(ev)
	if h.bridge != nil {
		h.bridge.Forward(ev)
	}
}

func (h *Hub) publishLocal(ev Event) {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	for ch := range h.subs[ev.Topic] {
		select {
		case ch <- ev:
		default:
			// drop if subscriber is slow
		}
	}
}
