// Package bus implements the Bus Server (BS) described in spec.md §4.2: a
// thin, stateless-beyond-the-region API offering Publish, Subscribe,
// CancelWaitingSubscription, CancelSubscriptionsForProcess,
// CleanUpUnusedResources, and Terminate over a shmregion.Region.
package bus

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cloudsync/badgebus/internal/shmregion"
	"github.com/cloudsync/badgebus/pkg/event"
)

// SubscribeOutcome is the result discriminator for Subscribe, mirroring
// spec.md §4.2's {GotEvent, TimedOut, Cancelled, Error} result kinds
// (Error is reported through the returned error instead of a fourth
// constant here, per Go idiom).
type SubscribeOutcome int

const (
	TimedOut SubscribeOutcome = iota
	GotEvent
	Cancelled
)

// ProcessLiveness answers whether an OS process id is currently running.
// CleanUpUnusedResources and the liveness sweep both depend on this
// boundary rather than importing internal/liveness directly, keeping the
// bus package free of any platform-specific syscall surface.
type ProcessLiveness interface {
	Alive(pid event.ProcessID) bool
}

// MetricsRecorder is the narrow slice of internal/metrics.Recorder the bus
// needs. A nil MetricsRecorder is valid; all methods are no-ops then.
type MetricsRecorder interface {
	RecordPublish(channel event.Channel)
	RecordOverflow(channel event.Channel)
	RecordDelivered(channel event.Channel)
}

// Logger is the ambient logging boundary, shaped like the teacher's
// root-level Logger interface (see internal/logging).
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Debug(string, ...any) {}

type noopMetrics struct{}

func (noopMetrics) RecordPublish(event.Channel)   {}
func (noopMetrics) RecordOverflow(event.Channel)  {}
func (noopMetrics) RecordDelivered(event.Channel) {}

// Config bounds the bus's per-subscription queue depth.
type Config struct {
	QueueCapacity int
}

// Server is the Bus Server. It holds only a pointer to the Region plus
// ambient collaborators — no state lives outside the region's root.
type Server struct {
	region *shmregion.Region
	cfg    Config
	logger Logger
	metric MetricsRecorder

	terminated atomic.Bool

	reg *registry
}

// NewServer attaches BS to region, constructing the registry root on first
// use via FindOrConstructRoot so repeated NewServer calls against the same
// region converge on one registry, per spec.md §4.1.
func NewServer(region *shmregion.Region, cfg Config, logger Logger, metric MetricsRecorder) *Server {
	if cfg.QueueCapacity < minQueueCapacity {
		cfg.QueueCapacity = minQueueCapacity
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if metric == nil {
		metric = noopMetrics{}
	}
	reg := shmregion.FindOrConstructRoot(region, newRegistry)
	return &Server{region: region, cfg: cfg, logger: logger, metric: metric, reg: reg}
}

// Publish appends an Event to every Subscription on channel's bounded
// queue, signalling each once. It never blocks on a consumer: a full
// queue drops the event for that subscriber only, and the overall call
// reports ErrOverflow once any subscriber was dropped — other subscribers
// still receive it, matching spec.md §4.2.
func (s *Server) Publish(channel event.Channel, kind event.Kind, badgeKind event.BadgeKind, fullPath string, pubPID event.ProcessID, pubTID event.ThreadID, syncbox uuid.UUID) error {
	if s.terminated.Load() {
		return ErrTerminated
	}

	base := event.NewEvent(kind, badgeKind, fullPath, pubPID, pubTID, syncbox)

	var anyOverflow bool
	s.region.WithRootLock(func() {
		for _, sub := range s.reg.subscriptionsOn(channel) {
			sub.mu.Lock()
			if sub.cancelled {
				sub.mu.Unlock()
				continue
			}
			e := base
			e.SequenceNo = sub.nextSeq
			sub.nextSeq++
			ok := sub.queue.push(e)
			sub.mu.Unlock()

			if ok {
				sub.post()
				s.metric.RecordDelivered(channel)
			} else {
				anyOverflow = true
				s.metric.RecordOverflow(channel)
				s.logger.Warn("subscriber queue overflow", "channel", channel.String(), "subscriber", sub.id)
			}
		}
	})

	s.metric.RecordPublish(channel)
	if anyOverflow {
		return ErrOverflow
	}
	return nil
}

// Subscribe finds or creates the Subscription for (channel, subscriberID),
// records the owner pid/tid, and either returns the head of its queue
// immediately or waits on its semaphore for up to timeout. The event's
// payload is a Go string, already copied by value before WithRootLock
// returns on every path, satisfying spec.md §4.2's "caller never holds SR
// memory" requirement without any extra copy step.
// The returned error is always nil on the TimedOut/Cancelled/GotEvent
// paths; SubscribeOutcome alone discriminates them (subscriber.Client's
// loop treats TimedOut as routine and loops again, so folding it into the
// error return would make every ordinary poll look like a failure). A
// non-nil error here always means the subscribe attempt itself failed.
func (s *Server) Subscribe(ctx context.Context, channel event.Channel, subscriberID uuid.UUID, ownerPID event.ProcessID, ownerTID event.ThreadID, timeout time.Duration) (event.Event, SubscribeOutcome, error) {
	if s.terminated.Load() {
		return event.Event{}, TimedOut, ErrTerminated
	}

	var sub *subscription
	var immediate *event.Event
	var corrupt error

	s.region.WithRootLock(func() {
		sub = s.reg.findOrCreate(channel, subscriberID, s.cfg.QueueCapacity)
		if err := sub.checkSentinels(); err != nil {
			corrupt = err
			return
		}

		sub.mu.Lock()
		defer sub.mu.Unlock()
		sub.ownerPID = ownerPID
		sub.ownerTID = ownerTID

		if e, ok := sub.queue.pop(); ok {
			if !e.Valid() {
				corrupt = ErrCorrupt
				return
			}
			immediate = &e
			return
		}
		sub.waiting = true
	})

	if corrupt != nil {
		return event.Event{}, TimedOut, corrupt
	}
	if immediate != nil {
		return *immediate, GotEvent, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-sub.wake:
	case <-timer.C:
	case <-ctx.Done():
	}

	var result event.Event
	outcome := TimedOut
	s.region.WithRootLock(func() {
		sub.mu.Lock()
		defer sub.mu.Unlock()
		sub.waiting = false

		if sub.cancelled {
			outcome = Cancelled
			s.reg.delete(channel, subscriberID)
			return
		}
		if e, ok := sub.queue.pop(); ok {
			if !e.Valid() {
				corrupt = ErrCorrupt
				return
			}
			result = e
			outcome = GotEvent
		}
	})

	if corrupt != nil {
		return event.Event{}, TimedOut, corrupt
	}
	return result, outcome, nil
}

// CancelWaitingSubscription sets the cancelled flag and wakes any waiter
// exactly once. The Subscription is not deleted here — its owner removes
// it on the next Subscribe return, or CleanUpUnusedResources reclaims it
// once the owner process is gone, per spec.md §4.2. It reports
// ErrInvalidSubscriber if (channel, subscriberID) has never been
// subscribed — a caller that raced Stop against a subscriber loop that
// never reached its first Subscribe call.
func (s *Server) CancelWaitingSubscription(channel event.Channel, subscriberID uuid.UUID) error {
	var found bool
	s.region.WithRootLock(func() {
		sub, ok := s.reg.find(channel, subscriberID)
		if !ok {
			return
		}
		found = true
		sub.mu.Lock()
		sub.cancelled = true
		sub.mu.Unlock()
		sub.post()
	})
	if !found {
		return ErrInvalidSubscriber
	}
	return nil
}

// CancelSubscriptionsForProcess cancels, wakes, and deletes every
// Subscription owned by pid.
func (s *Server) CancelSubscriptionsForProcess(pid event.ProcessID) error {
	s.region.WithRootLock(func() {
		for _, sub := range s.reg.all() {
			if sub.ownerPID != pid {
				continue
			}
			sub.mu.Lock()
			sub.cancelled = true
			sub.mu.Unlock()
			sub.post()
			s.reg.delete(sub.channel, sub.id)
		}
	})
	return nil
}

// CleanUpUnusedResources deletes every Subscription whose owner pid is no
// longer a live OS process, per spec.md §4.2/§4.6.
func (s *Server) CleanUpUnusedResources(alive ProcessLiveness) error {
	s.region.WithRootLock(func() {
		for _, sub := range s.reg.all() {
			if !alive.Alive(sub.ownerPID) {
				s.logger.Debug("reclaiming subscription of dead owner", "pid", sub.ownerPID, "subscriber", sub.id)
				s.reg.delete(sub.channel, sub.id)
			}
		}
	})
	return nil
}

// Terminate marks the bus as terminating; subsequent Publish/Subscribe
// calls fail cleanly with ErrTerminated.
func (s *Server) Terminate() {
	s.terminated.Store(true)
}

// SubscriberCount reports how many Subscriptions currently exist on a
// channel, for diagnostics.
func (s *Server) SubscriberCount(channel event.Channel) int {
	n := 0
	s.region.WithRootLock(func() {
		n = len(s.reg.subscriptionsOn(channel))
	})
	return n
}
