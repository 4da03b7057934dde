package headset

import (
	"fmt"
	"sync"
	"time"

	"github.com/srg/musestream/internal/ringchan"
)

// EventKind classifies device events
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventError
	EventUnsolicitedDisconnect
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state_changed"
	case EventError:
		return "error"
	case EventUnsolicitedDisconnect:
		return "unsolicited_disconnect"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is delivered to observers through Device.Events
type Event struct {
	Kind  EventKind
	From  State // EventStateChanged only
	State State
	Err   error
	Time  time.Time
}

// eventQueue serializes producers in front of a drop-oldest ring so the
// pipeline never blocks on a slow observer.
type eventQueue struct {
	mu   sync.Mutex
	ring *ringchan.RingChannel[Event]
}

func newEventQueue(capacity int) *eventQueue {
	return &eventQueue{ring: ringchan.New[Event](capacity)}
}

func (q *eventQueue) push(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ring.Send(e)
}

func (q *eventQueue) C() <-chan Event {
	return q.ring.C()
}

func (q *eventQueue) dropped() int64 {
	return q.ring.GetMetrics().Overwritten
}
