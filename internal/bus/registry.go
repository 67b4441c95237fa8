package bus

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/cloudsync/badgebus/pkg/event"
)

// subscription is the Subscription entity of spec.md §3/§6: the owner
// process/thread, the wait semaphore, the cancellation/waiting flags, and
// the subscriber's bounded event queue — all framed by sentinels so a
// corrupt record is detectable the way a real shared-memory record would
// be.
type subscription struct {
	sentinel1 uint64

	id      uuid.UUID
	channel event.Channel

	ownerPID event.ProcessID
	ownerTID event.ThreadID

	mu        sync.Mutex
	waiting   bool
	cancelled bool
	destructed bool
	queue     *eventQueue
	nextSeq   uint64

	// wake is the per-subscription counting semaphore (spec.md §4.1's
	// "per-subscription semaphores live inside SR so a publisher in
	// process A can wake a consumer in process B"). Buffered deep enough
	// that Publish's post never blocks regardless of how many pending
	// wakeups have accumulated.
	wake chan struct{}

	sentinel2 uint64
}

func newSubscription(channel event.Channel, id uuid.UUID, queueCapacity int) *subscription {
	return &subscription{
		sentinel1: event.SubscriptionSentinel,
		id:        id,
		channel:   channel,
		queue:     newEventQueue(queueCapacity),
		wake:      make(chan struct{}, 1<<16),
		sentinel2: event.SubscriptionSentinel,
	}
}

func (s *subscription) checkSentinels() error {
	if s.sentinel1 != event.SubscriptionSentinel || s.sentinel2 != event.SubscriptionSentinel {
		return ErrCorrupt
	}
	return nil
}

// post signals the waiter's semaphore once, without blocking. Safe to call
// whether or not anyone is currently waiting, the way an OS semaphore's
// Release/Post is.
func (s *subscription) post() {
	select {
	case s.wake <- struct{}{}:
	default:
		// buffer is full: the waiter already has wakeups pending.
	}
}

// registry is the ordered map channel -> ordered map subscriber-id ->
// Subscription described in spec.md §3. Iteration order is deterministic
// by id bytes so tests and CleanUp sweeps are reproducible.
type registry struct {
	byChannel map[event.Channel]map[uuid.UUID]*subscription
}

func newRegistry() *registry {
	return &registry{byChannel: make(map[event.Channel]map[uuid.UUID]*subscription)}
}

// findOrCreate returns the Subscription for (channel, id), creating it if
// absent. Must be called under the root mutex.
func (r *registry) findOrCreate(channel event.Channel, id uuid.UUID, queueCapacity int) *subscription {
	subs, ok := r.byChannel[channel]
	if !ok {
		subs = make(map[uuid.UUID]*subscription)
		r.byChannel[channel] = subs
	}
	sub, ok := subs[id]
	if !ok {
		sub = newSubscription(channel, id, queueCapacity)
		subs[id] = sub
	}
	return sub
}

func (r *registry) find(channel event.Channel, id uuid.UUID) (*subscription, bool) {
	subs, ok := r.byChannel[channel]
	if !ok {
		return nil, false
	}
	sub, ok := subs[id]
	return sub, ok
}

func (r *registry) delete(channel event.Channel, id uuid.UUID) {
	subs, ok := r.byChannel[channel]
	if !ok {
		return
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(r.byChannel, channel)
	}
}

// subscriptionsOn returns every Subscription on a channel, ordered
// deterministically by subscriber-id bytes (spec.md §3's ordering
// invariant).
func (r *registry) subscriptionsOn(channel event.Channel) []*subscription {
	subs, ok := r.byChannel[channel]
	if !ok {
		return nil
	}
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		out = append(out, s)
	}
	sortSubscriptions(out)
	return out
}

// all returns every Subscription across every channel, same ordering
// guarantee, channel-major.
func (r *registry) all() []*subscription {
	var out []*subscription
	channels := make([]event.Channel, 0, len(r.byChannel))
	for c := range r.byChannel {
		channels = append(channels, c)
	}
	sort.Slice(channels, func(i, j int) bool { return channels[i] < channels[j] })
	for _, c := range channels {
		out = append(out, r.subscriptionsOn(c)...)
	}
	return out
}

func sortSubscriptions(subs []*subscription) {
	sort.Slice(subs, func(i, j int) bool {
		return idLess(subs[i].id, subs[j].id)
	})
}

func idLess(a, b uuid.UUID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
