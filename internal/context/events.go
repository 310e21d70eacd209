package context

import (
	"fmt"
	"sync"
	"time"
)

// =============================================================================
// Event Bus
// =============================================================================
// Collaborators (UI, CLI) observe the engine through a subscriber list with
// ordered synchronous dispatch: an event is fully delivered to every
// subscriber before the next one is emitted, which is what makes the
// snapshot-before-compress ordering observable.

// EventType names are part of the external contract.
type EventType string

const (
	EventStarted             EventType = "started"
	EventMessageAdded        EventType = "message-added"
	EventCompressionComplete EventType = "compression-complete"
	EventSummarizing         EventType = "summarizing"
	EventAutoSnapshotCreated EventType = "auto-snapshot-created"
	EventAutoSummaryCreated  EventType = "auto-summary-created"
	EventAutoSummaryFailed   EventType = "auto-summary-failed"
	EventPreOverflow         EventType = "pre-overflow"
	EventRolloverComplete    EventType = "rollover-complete"
	EventSnapshotRestored    EventType = "snapshot-restored"
	EventModeChanged         EventType = "mode-changed"
	EventConfigUpdated       EventType = "config-updated"
	EventCleared             EventType = "cleared"
	EventStopped             EventType = "stopped"
)

// TierCompressedEvent returns the tierN-compressed event name for a tier.
// Tier 1 uses rollover-complete instead.
func TierCompressedEvent(tier ContextTier) EventType {
	return EventType(fmt.Sprintf("tier%d-compressed", tier))
}

// Event is one observable engine occurrence.
type Event struct {
	Type      EventType
	SessionID string
	Timestamp time.Time
	Payload   map[string]any
}

// Bus is an ordered synchronous event dispatcher.
type Bus struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func(Event)
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a handler and returns an unsubscribe function.
// Handlers run synchronously in subscription order.
func (b *Bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, fn: fn})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to every subscriber before returning.
func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.Lock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(evt)
	}
}
