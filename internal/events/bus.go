package events

import (
	"github.com/kelindar/event"
)

// Bus wraps kelindar/event dispatcher for event broadcasting
type Bus struct {
	dispatcher *event.Dispatcher
}

// New creates a new event bus
func New() *Bus {
	return &Bus{
		dispatcher: event.NewDispatcher(),
	}
}

// Publish publishes an event to all subscribers
// Usage: bus.Publish(HotplugEvent{...})
func (b *Bus) Publish(ev Event) {
	switch e := ev.(type) {
	case HotplugEvent:
		event.Publish(b.dispatcher, e)
	case LinkStatusEvent:
		event.Publish(b.dispatcher, e)
	case RefreshRequestEvent:
		event.Publish(b.dispatcher, e)
	case CommitFailedEvent:
		event.Publish(b.dispatcher, e)
	case VsyncEvent:
		event.Publish(b.dispatcher, e)
	}
}

// Subscribe subscribes to events with a handler function.
// The handler type selects which events it receives.
// Returns an unsubscribe function
// Usage: unsub := bus.Subscribe(func(e HotplugEvent) { ... })
func (b *Bus) Subscribe(handler any) func() {
	switch h := handler.(type) {
	case func(HotplugEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(LinkStatusEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(RefreshRequestEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(CommitFailedEvent):
		return event.Subscribe(b.dispatcher, h)
	case func(VsyncEvent):
		return event.Subscribe(b.dispatcher, h)
	default:
		// Return a no-op function if handler type is not recognized
		return func() {}
	}
}
