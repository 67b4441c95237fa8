package bus

import "errors"

// Bus errors. Kinds, not type names, per spec.md §7.
var (
	// ErrOverflow is reported per-subscriber when its bounded queue is
	// full at Publish time. Other subscribers are unaffected.
	ErrOverflow = errors.New("bus: subscriber queue overflow")

	// ErrCorrupt signals a sentinel mismatch on a Subscription or a
	// dequeued Event, both detected by Subscribe. The root carries no
	// sentinels and is not checked, and a detection does not disable the
	// bus.
	ErrCorrupt = errors.New("bus: shared memory corrupt")

	// ErrTerminated is returned by any operation after Terminate has been
	// called.
	ErrTerminated = errors.New("bus: terminated")

	// ErrInvalidSubscriber is returned by CancelWaitingSubscription when
	// (channel, subscriberID) has no matching Subscription.
	ErrInvalidSubscriber = errors.New("bus: unknown subscriber")
)
