package overlay

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudsync/badgebus/internal/badgestore"
	"github.com/cloudsync/badgebus/internal/bus"
	"github.com/cloudsync/badgebus/internal/shmregion"
	"github.com/cloudsync/badgebus/internal/subscriber"
	"github.com/cloudsync/badgebus/pkg/event"
)

// scConfig returns a subscriber.Config tuned for fast, deterministic tests.
func scConfig() subscriber.Config {
	return subscriber.Config{SubscribeTimeout: 10 * time.Millisecond, WatchPeriod: time.Hour, StartTimeout: time.Second}
}

// subscriberConfigWithFastWatch additionally shortens WatchPeriod so
// OnTick-driven reclamation fires promptly in tests.
func subscriberConfigWithFastWatch() subscriber.Config {
	cfg := scConfig()
	cfg.WatchPeriod = 20 * time.Millisecond
	return cfg
}

func newTestServer(t *testing.T) *bus.Server {
	t.Helper()
	region, err := shmregion.Attach("badgebus-overlay-test-"+uuid.NewString(), 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { shmregion.Detach(region.Name) })
	return bus.NewServer(region, bus.Config{QueueCapacity: 16}, nil, nil)
}

type fakeChecker struct{ dead map[event.ProcessID]bool }

func (f fakeChecker) Alive(pid event.ProcessID) bool { return !f.dead[pid] }

func TestAdapterStartPublishesInitEvent(t *testing.T) {
	srv := newTestServer(t)
	store := badgestore.NewStore(event.BadgeSynced, nil, nil, nil)

	// Register the app-side subscription before Start: Publish only
	// delivers to Subscriptions that already exist.
	appSubscriberID := uuid.New()
	_, _, _ = srv.Subscribe(context.Background(), event.OverlayToApp, appSubscriberID, 500, 1, time.Millisecond)

	a := New(event.BadgeSynced, store, srv, srv, 100, 1, uuid.Nil, fakeChecker{}, nil, scConfig(), Config{IconResourcePath: "badges.dll"}, nil)

	require.NoError(t, a.Start(context.Background(), "overlayhost.exe"))
	defer a.Stop()

	e, outcome, err := srv.Subscribe(context.Background(), event.OverlayToApp, appSubscriberID, 500, 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, bus.GotEvent, outcome)
	assert.Equal(t, event.Init, e.Kind)
	assert.Equal(t, event.BadgeSynced, e.BadgeKind)
	assert.Equal(t, a.PublisherID(), e.PublisherSyncboxID)
}

func TestAdapterSkipsAttachUnderVerificationHelper(t *testing.T) {
	srv := newTestServer(t)
	store := badgestore.NewStore(event.BadgeSynced, nil, nil, nil)

	a := New(event.BadgeSynced, store, srv, srv, 100, 1, uuid.Nil, fakeChecker{}, nil, scConfig(), Config{VerificationHelperImage: "verify.exe"}, nil)

	require.NoError(t, a.Start(context.Background(), "verify.exe"))
	assert.Equal(t, 0, srv.SubscriberCount(event.AppToOverlay))
}

func TestAdapterDispatchesAddBadgeToStore(t *testing.T) {
	srv := newTestServer(t)
	store := badgestore.NewStore(event.BadgeSynced, nil, nil, nil)

	a := New(event.BadgeSynced, store, srv, srv, 100, 1, uuid.Nil, fakeChecker{}, nil, scConfig(), Config{}, nil)
	require.NoError(t, a.Start(context.Background(), ""))
	defer a.Stop()

	pubSyncbox := uuid.New()
	require.NoError(t, srv.Publish(event.AppToOverlay, event.AddBadge, event.BadgeSynced, "C:\\Cloud\\a.txt", 200, 1, pubSyncbox))

	require.Eventually(t, func() bool {
		return store.ShouldBadge("c:\\cloud\\a.txt")
	}, time.Second, 5*time.Millisecond)
}

func TestAdapterOnTickReclaimsDeadPublisher(t *testing.T) {
	srv := newTestServer(t)
	store := badgestore.NewStore(event.BadgeSynced, nil, nil, nil)
	require.NoError(t, store.AddBadge("C:\\a", event.BadgeSynced, 999, uuid.New()))

	checker := fakeChecker{dead: map[event.ProcessID]bool{999: true}}
	a := New(event.BadgeSynced, store, srv, srv, 100, 1, uuid.Nil, checker, nil, subscriberConfigWithFastWatch(), Config{}, nil)
	require.NoError(t, a.Start(context.Background(), ""))
	defer a.Stop()

	require.Eventually(t, func() bool {
		return !store.ShouldBadge("c:\\a")
	}, time.Second, 5*time.Millisecond)
}

func TestGetOverlayInfoReportsIconIndex(t *testing.T) {
	srv := newTestServer(t)
	store := badgestore.NewStore(event.BadgeFailed, nil, nil, nil)
	a := New(event.BadgeFailed, store, srv, srv, 100, 1, uuid.Nil, fakeChecker{}, nil, scConfig(), Config{IconResourcePath: "badges.dll"}, nil)

	info, err := a.GetOverlayInfo()
	require.NoError(t, err)
	assert.Equal(t, 3, info.IconIndex)
	assert.Equal(t, "badges.dll", info.IconResourcePath)
	assert.Equal(t, 0, a.GetPriority())
}

func TestSetIconResourcePathUpdatesGetOverlayInfo(t *testing.T) {
	srv := newTestServer(t)
	store := badgestore.NewStore(event.BadgeSynced, nil, nil, nil)

	a := New(event.BadgeSynced, store, srv, srv, 100, 1, uuid.Nil, fakeChecker{}, nil, scConfig(), Config{IconResourcePath: "v1.dll,1"}, nil)

	info, err := a.GetOverlayInfo()
	require.NoError(t, err)
	assert.Equal(t, "v1.dll,1", info.IconResourcePath)

	a.SetIconResourcePath("v2.dll,1")

	info, err = a.GetOverlayInfo()
	require.NoError(t, err)
	assert.Equal(t, "v2.dll,1", info.IconResourcePath)
	assert.Equal(t, "v2.dll,1", a.IconResourcePath())
}

func TestIsMemberOfAnswersFromStore(t *testing.T) {
	srv := newTestServer(t)
	store := badgestore.NewStore(event.BadgeSynced, nil, nil, nil)
	require.NoError(t, store.AddBadge("C:\\a", event.BadgeSynced, 100, uuid.New()))

	a := New(event.BadgeSynced, store, srv, srv, 100, 1, uuid.Nil, fakeChecker{}, nil, scConfig(), Config{}, nil)
	assert.True(t, a.IsMemberOf("c:\\a", 0))
	assert.False(t, a.IsMemberOf("c:\\nope", 0))
}
