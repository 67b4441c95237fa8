package bus

import "github.com/cloudsync/badgebus/pkg/event"

// eventQueue is the fixed-capacity, contiguous-in-order queue of Events a
// single Subscription owns (spec.md §4.2's "key algorithm — queue
// layout"): dequeued from the head, appended at the tail, bounded by an
// implementation-configurable constant of at least 16 events.
type eventQueue struct {
	buf  []event.Event
	head int
	n    int
}

func newEventQueue(capacity int) *eventQueue {
	if capacity < minQueueCapacity {
		capacity = minQueueCapacity
	}
	return &eventQueue{buf: make([]event.Event, capacity)}
}

// minQueueCapacity is the floor spec.md §4.2 requires ("≥ 16 events").
const minQueueCapacity = 16

func (q *eventQueue) cap() int { return len(q.buf) }
func (q *eventQueue) len() int { return q.n }
func (q *eventQueue) full() bool { return q.n == len(q.buf) }
func (q *eventQueue) empty() bool { return q.n == 0 }

// push appends to the tail. Push on a full queue overwrites nothing and
// returns false so the caller can report
// Overflow for this subscriber without affecting others.
func (q *eventQueue) push(e event.Event) bool {
	if q.full() {
		return false
	}
	tail := (q.head + q.n) % len(q.buf)
	q.buf[tail] = e
	q.n++
	return true
}

// pop removes and returns the head event, if any.
func (q *eventQueue) pop() (event.Event, bool) {
	if q.empty() {
		return event.Event{}, false
	}
	e := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return e, true
}
