package runner

import (
	"sync"

	"autopilot/pkg/proto"
)

// ActivitySink receives run events in the order they occur. The engine and
// executor write through a sink so the controller can tee events to the
// durable activity log and to live dashboard subscribers.
type ActivitySink interface {
	Append(event *proto.Event) error
}

// eventBus fans events out to dashboard subscribers. Slow subscribers drop
// events rather than stall the run; the activity log remains the complete
// record.
type eventBus struct {
	mu   sync.Mutex
	subs map[int]chan proto.Event
	next int
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]chan proto.Event)}
}

// Subscribe returns a channel of future events and a cancel func.
func (b *eventBus) Subscribe() (<-chan proto.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	ch := make(chan proto.Event, 256)
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

func (b *eventBus) publish(event proto.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
		}
	}
}
