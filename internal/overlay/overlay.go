// Package overlay implements the Overlay Adapter (OA) of spec.md §4.5: one
// instance per badge kind, wiring a subscriber.Client's callbacks to a
// badgestore.Store and answering the host overlay ABI (§6) directly from
// BST with no IPC on the hot path. Grounded on
// modules/eventbus/module.go's pattern of a thin module wrapping a
// lower-level engine and emitting a lifecycle event on init, and on
// original_source/BadgeCOM/CBadgeIconBase.cpp plus its four subclasses
// (BadgeIconSynced.h/BadgeIconSyncing.h/BadgeIconFailed.h/
// BadgeIconSelective.h), which differ from each other only by badge kind
// and icon index — collapsed here into one parameterised Adapter instead
// of four subclasses.
package overlay

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/cloudsync/badgebus/internal/badgestore"
	"github.com/cloudsync/badgebus/internal/liveness"
	"github.com/cloudsync/badgebus/internal/subscriber"
	"github.com/cloudsync/badgebus/pkg/event"
)

// Publisher is the narrow slice of bus.Server an Adapter needs to publish
// its Init event on the Overlay->App channel.
type Publisher interface {
	Publish(channel event.Channel, kind event.Kind, badgeKind event.BadgeKind, fullPath string, pubPID event.ProcessID, pubTID event.ThreadID, syncbox uuid.UUID) error
}

// Logger is the ambient logging boundary (see internal/logging.Logger).
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

// OverlayInfo is the host ABI's get_overlay_info response: an icon
// resource path plus the icon index assigned per badge kind (§6).
type OverlayInfo struct {
	IconResourcePath string
	IconIndex        int
}

// HostAdapter is the host overlay ABI boundary (§6), consumed not
// produced: the shell host calls these on the process hosting this
// Adapter. The third leg of the contract, the path-change notification
// the OA sends back to the host, is the badgestore.HostNotifier the
// Store was constructed with — it is not part of this interface since it
// flows OA -> host rather than host -> OA.
type HostAdapter interface {
	GetOverlayInfo() (OverlayInfo, error)
	GetPriority() int
	IsMemberOf(path string, attributes uint32) bool
}

// Config names the image this Adapter should refuse to attach under (the
// host's own verification helper, per spec.md §4.5 step 1) and the icon
// resource path reported to the host.
type Config struct {
	VerificationHelperImage string
	IconResourcePath        string
}

// Adapter is one overlay handler, parameterised by badge kind. The four
// overlay processes (Synced/Syncing/Failed/Selective) are each a distinct
// Adapter value sharing this same type.
type Adapter struct {
	kind   event.BadgeKind
	store  *badgestore.Store
	client *subscriber.Client
	pub    Publisher
	cfg    Config
	logger Logger

	publisherID uuid.UUID
	ownerPID    event.ProcessID
	ownerTID    event.ThreadID

	iconMu           sync.RWMutex
	iconResourcePath string
}

// New constructs an Adapter for the given badge kind. store must already
// be scoped to the same kind (see badgestore.NewStore); busClient is the
// subscriber.BusClient (and Publisher) shared by every Adapter attached to
// one bus.Server. publisherID, if uuid.Nil, is freshly generated. cleanup,
// if non-nil, is invoked once per watcher tick — cmd/overlayhost wires
// this to bus.Server.CleanUpUnusedResources, the SR-side half of spec.md
// §4.6's two-layer liveness sweep.
func New(kind event.BadgeKind, store *badgestore.Store, busClient subscriber.BusClient, pub Publisher, ownerPID event.ProcessID, ownerTID event.ThreadID, publisherID uuid.UUID, checker liveness.Checker, cleanup func(), scCfg subscriber.Config, cfg Config, logger Logger) *Adapter {
	if publisherID == uuid.Nil {
		publisherID = uuid.New()
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if checker == nil {
		checker = liveness.NewChecker()
	}

	a := &Adapter{
		kind:             kind,
		store:            store,
		pub:              pub,
		cfg:              cfg,
		logger:           logger,
		publisherID:      publisherID,
		ownerPID:         ownerPID,
		ownerTID:         ownerTID,
		iconResourcePath: cfg.IconResourcePath,
	}

	cb := subscriber.Callbacks{
		OnAddRoot: func(e event.Event) {
			if err := store.AddRoot(e.FullPath, e.BadgeKind, e.PublisherPID, e.PublisherSyncboxID); err != nil {
				logger.Warn("overlay: add_root failed", "path", e.FullPath, "error", err)
			}
		},
		OnRemoveRoot: func(e event.Event) {
			if _, err := store.RemoveRoot(e.FullPath, e.BadgeKind, e.PublisherPID, e.PublisherSyncboxID); err != nil {
				logger.Warn("overlay: remove_root failed", "path", e.FullPath, "error", err)
			}
		},
		OnAddBadge: func(e event.Event) {
			if err := store.AddBadge(e.FullPath, e.BadgeKind, e.PublisherPID, e.PublisherSyncboxID); err != nil {
				logger.Warn("overlay: add_badge failed", "path", e.FullPath, "error", err)
			}
		},
		OnRemoveBadge: func(e event.Event) {
			if _, err := store.RemoveBadge(e.FullPath, e.PublisherPID, e.PublisherSyncboxID); err != nil {
				logger.Warn("overlay: remove_badge failed", "path", e.FullPath, "error", err)
			}
		},
		OnTick: func() {
			if n, err := store.Reclaim(checker); err != nil {
				logger.Warn("overlay: on_tick reclaim failed", "error", err)
			} else if n > 0 {
				logger.Debug("overlay: on_tick reclaimed stale entries", "count", n)
			}
		},
		OnWatcherFailed: func() {
			logger.Warn("overlay: watcher detected a quiet subscriber, restart triggered")
		},
	}

	a.client = subscriber.NewClient(busClient, event.AppToOverlay, uuid.New(), ownerPID, ownerTID, cb, scCfg, logger, cleanup)
	return a
}

// Start sniffs the host process image name (skipping attach entirely for
// the host's verification helper, per spec.md §4.5 step 1), starts the SC,
// and publishes the Init event on Overlay->App so the controlling app
// resends its current state.
func (a *Adapter) Start(ctx context.Context, processImageName string) error {
	if a.cfg.VerificationHelperImage != "" && processImageName == a.cfg.VerificationHelperImage {
		a.logger.Debug("overlay: skipping attach under verification helper", "image", processImageName)
		return nil
	}

	if err := a.client.Start(ctx); err != nil {
		return fmt.Errorf("overlay: start subscription client: %w", err)
	}

	if err := a.pub.Publish(event.OverlayToApp, event.Init, a.kind, "", a.ownerPID, a.ownerTID, a.publisherID); err != nil {
		a.logger.Warn("overlay: publish init failed", "kind", a.kind, "error", err)
	}

	return nil
}

// Stop tears down the Adapter's subscription client.
func (a *Adapter) Stop() error {
	return a.client.Stop()
}

// Kind returns the badge kind this Adapter answers for.
func (a *Adapter) Kind() event.BadgeKind { return a.kind }

// PublisherID returns the id this Adapter's Init event was stamped with.
func (a *Adapter) PublisherID() uuid.UUID { return a.publisherID }

// GetOverlayInfo implements the host ABI's get_overlay_info: an icon
// resource path plus the icon index assigned per badge kind.
func (a *Adapter) GetOverlayInfo() (OverlayInfo, error) {
	idx, ok := a.kind.IconIndex()
	if !ok {
		return OverlayInfo{}, fmt.Errorf("overlay: badge kind %s has no icon index", a.kind)
	}
	return OverlayInfo{IconResourcePath: a.IconResourcePath(), IconIndex: idx}, nil
}

// IconResourcePath returns the icon resource path currently reported to the
// host, reflecting the latest config.Watcher reload if one is wired in.
func (a *Adapter) IconResourcePath() string {
	a.iconMu.RLock()
	defer a.iconMu.RUnlock()
	return a.iconResourcePath
}

// SetIconResourcePath updates the icon resource path this Adapter reports
// from get_overlay_info, without disturbing the rest of the Adapter's
// state. cmd/overlayhost calls this from a config.Watcher's onLoad
// callback so the hot-reloadable overlay-kind table (spec.md §4.7) takes
// effect without a restart.
func (a *Adapter) SetIconResourcePath(path string) {
	a.iconMu.Lock()
	a.iconResourcePath = path
	a.iconMu.Unlock()
}

// GetPriority implements the host ABI's get_priority: 0 for all four
// overlay kinds, per spec.md §6.
func (a *Adapter) GetPriority() int { return 0 }

// IsMemberOf implements the host ABI's is_member_of, answered directly
// from BST with no IPC on the hot path. attributes is accepted for ABI
// compatibility but unused: membership depends only on path identity.
func (a *Adapter) IsMemberOf(path string, attributes uint32) bool {
	return a.store.ShouldBadge(path)
}

var _ HostAdapter = (*Adapter)(nil)
