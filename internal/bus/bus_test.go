package bus

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsync/badgebus/internal/shmregion"
	"github.com/cloudsync/badgebus/pkg/event"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	name := "badgebus-test-" + t.Name()
	region, err := shmregion.Attach(name, 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { shmregion.Detach(name) })
	return NewServer(region, Config{QueueCapacity: 16}, nil, nil)
}

func TestPublishThenSubscribeGetsEvent(t *testing.T) {
	s := newTestServer(t)
	sid := uuid.New()

	// Register the subscription first: Publish only delivers to
	// Subscriptions that already exist.
	_, _, _ = s.Subscribe(context.Background(), event.AppToOverlay, sid, 200, 1, time.Millisecond)

	require.NoError(t, s.Publish(event.AppToOverlay, event.AddBadge, event.BadgeSynced, "C:\\Cloud\\a.txt", 100, 1, uuid.New()))

	e, outcome, err := s.Subscribe(context.Background(), event.AppToOverlay, sid, 200, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, GotEvent, outcome)
	assert.Equal(t, "C:\\Cloud\\a.txt", e.FullPath)
	assert.True(t, e.Valid())
}

func TestSubscribeBlocksUntilPublish(t *testing.T) {
	s := newTestServer(t)
	sid := uuid.New()

	// Start a blocking Subscribe in the background and give it time to
	// register the subscription before Publish happens.
	done := make(chan SubscribeOutcome, 1)
	go func() {
		_, outcome, err := s.Subscribe(context.Background(), event.AppToOverlay, sid, 200, 1, 2*time.Second)
		require.NoError(t, err)
		done <- outcome
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Publish(event.AppToOverlay, event.AddBadge, event.BadgeSynced, "C:\\x", 100, 1, uuid.New()))

	select {
	case outcome := <-done:
		assert.Equal(t, GotEvent, outcome)
	case <-time.After(3 * time.Second):
		t.Fatal("subscribe never returned")
	}
}

func TestSubscribeTimesOut(t *testing.T) {
	s := newTestServer(t)
	sid := uuid.New()

	_, outcome, err := s.Subscribe(context.Background(), event.AppToOverlay, sid, 200, 1, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, TimedOut, outcome)
}

func TestCancelWaitingSubscriptionWakesWithinTimeout(t *testing.T) {
	s := newTestServer(t)
	sid := uuid.New()

	done := make(chan SubscribeOutcome, 1)
	go func() {
		_, outcome, _ := s.Subscribe(context.Background(), event.AppToOverlay, sid, 200, 1, 5*time.Second)
		done <- outcome
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.CancelWaitingSubscription(event.AppToOverlay, sid))

	select {
	case outcome := <-done:
		assert.Equal(t, Cancelled, outcome)
	case <-time.After(time.Second):
		t.Fatal("cancel did not wake subscriber within one timeout period")
	}
}

func TestCancelWaitingSubscriptionRejectsUnknownSubscriber(t *testing.T) {
	s := newTestServer(t)
	err := s.CancelWaitingSubscription(event.AppToOverlay, uuid.New())
	assert.ErrorIs(t, err, ErrInvalidSubscriber)
}

func TestOverflowIsolatesSubscribers(t *testing.T) {
	s := newTestServer(t)
	s1, s2 := uuid.New(), uuid.New()

	// Register both subscriptions first (empty queue, immediate timeout).
	_, _, _ = s.Subscribe(context.Background(), event.AppToOverlay, s1, 200, 1, time.Millisecond)
	_, _, _ = s.Subscribe(context.Background(), event.AppToOverlay, s2, 201, 1, time.Millisecond)

	// Fill both queues to capacity.
	for i := 0; i < 16; i++ {
		require.NoError(t, s.Publish(event.AppToOverlay, event.AddBadge, event.BadgeSynced, "p", 100, 1, uuid.New()))
	}

	// S2 drains one event, freeing a slot; S1 never drains.
	_, outcome, err := s.Subscribe(context.Background(), event.AppToOverlay, s2, 201, 1, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, GotEvent, outcome)

	err = s.Publish(event.AppToOverlay, event.AddBadge, event.BadgeSynced, "overflow-probe", 100, 1, uuid.New())
	assert.ErrorIs(t, err, ErrOverflow)

	// S2 still receives every subsequent publish cleanly, after the 15
	// earlier events still queued ahead of it (FIFO per subscriber).
	for i := 0; i < 15; i++ {
		e, outcome, err := s.Subscribe(context.Background(), event.AppToOverlay, s2, 201, 1, time.Second)
		require.NoError(t, err)
		require.Equal(t, GotEvent, outcome)
		require.Equal(t, "p", e.FullPath)
	}
	e, outcome, err := s.Subscribe(context.Background(), event.AppToOverlay, s2, 201, 1, time.Second)
	require.NoError(t, err)
	assert.Equal(t, GotEvent, outcome)
	assert.Equal(t, "overflow-probe", e.FullPath)
}

func TestFIFOOrderPerSubscriber(t *testing.T) {
	s := newTestServer(t)
	sid := uuid.New()

	// Register the subscription first: Publish only delivers to
	// Subscriptions that already exist.
	_, _, _ = s.Subscribe(context.Background(), event.AppToOverlay, sid, 200, 1, time.Millisecond)

	for i := 0; i < 5; i++ {
		path := string(rune('a' + i))
		require.NoError(t, s.Publish(event.AppToOverlay, event.AddBadge, event.BadgeSynced, path, 100, 1, uuid.New()))
	}

	for i := 0; i < 5; i++ {
		e, outcome, err := s.Subscribe(context.Background(), event.AppToOverlay, sid, 200, 1, time.Second)
		require.NoError(t, err)
		require.Equal(t, GotEvent, outcome)
		assert.Equal(t, string(rune('a'+i)), e.FullPath)
		assert.Equal(t, uint64(i), e.SequenceNo)
	}
}

type fakeLiveness struct{ dead map[event.ProcessID]bool }

func (f fakeLiveness) Alive(pid event.ProcessID) bool { return !f.dead[pid] }

func TestCleanUpUnusedResourcesRemovesDeadOwners(t *testing.T) {
	s := newTestServer(t)
	sid := uuid.New()

	_, _, err := s.Subscribe(context.Background(), event.AppToOverlay, sid, 999, 1, 10*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, 1, s.SubscriberCount(event.AppToOverlay))

	require.NoError(t, s.CleanUpUnusedResources(fakeLiveness{dead: map[event.ProcessID]bool{999: true}}))

	assert.Equal(t, 0, s.SubscriberCount(event.AppToOverlay))
}

func TestTerminateFailsSubsequentOperations(t *testing.T) {
	s := newTestServer(t)
	s.Terminate()

	err := s.Publish(event.AppToOverlay, event.AddBadge, event.BadgeSynced, "p", 1, 1, uuid.New())
	assert.ErrorIs(t, err, ErrTerminated)

	_, _, err = s.Subscribe(context.Background(), event.AppToOverlay, uuid.New(), 1, 1, time.Millisecond)
	assert.ErrorIs(t, err, ErrTerminated)
}
