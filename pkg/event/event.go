// Package event defines the wire-level types shared between every
// publisher and subscriber attached to the bus: the closed Channel and
// EventKind enumerations, the BadgeKind enumeration, and the fixed-layout
// Event record that crosses the shared region.
package event

import "github.com/google/uuid"

// Channel is one of the two fixed, process-wide event streams. No new
// channels are created at runtime.
type Channel uint32

const (
	// AppToOverlay carries badge/root mutations from the controlling
	// application to the overlay handlers.
	AppToOverlay Channel = iota
	// OverlayToApp carries initialization notifications from an overlay
	// handler back to the controlling application.
	OverlayToApp
)

func (c Channel) String() string {
	switch c {
	case AppToOverlay:
		return "App->Overlay"
	case OverlayToApp:
		return "Overlay->App"
	default:
		return "unknown-channel"
	}
}

// Kind is the discriminator for an Event's payload.
type Kind uint32

const (
	// Init is published by an overlay handler on startup so the
	// controlling application knows to resend its current state.
	Init Kind = iota
	// AddRoot registers a syncbox root path that scopes later fan-out
	// removals.
	AddRoot
	// RemoveRoot withdraws a previously registered syncbox root path.
	RemoveRoot
	// AddBadge asserts a badge for a path.
	AddBadge
	// RemoveBadge withdraws a previously asserted badge for a path.
	RemoveBadge
)

func (k Kind) String() string {
	switch k {
	case Init:
		return "Init"
	case AddRoot:
		return "AddRoot"
	case RemoveRoot:
		return "RemoveRoot"
	case AddBadge:
		return "AddBadge"
	case RemoveBadge:
		return "RemoveBadge"
	default:
		return "unknown-kind"
	}
}

// BadgeKind is the overlay icon kind a badge record asserts. None marks a
// root-folder entry rather than a badge entry.
type BadgeKind uint32

const (
	BadgeNone BadgeKind = iota
	BadgeSynced
	BadgeSyncing
	BadgeFailed
	BadgeSelective
)

func (b BadgeKind) String() string {
	switch b {
	case BadgeNone:
		return "None"
	case BadgeSynced:
		return "Synced"
	case BadgeSyncing:
		return "Syncing"
	case BadgeFailed:
		return "Failed"
	case BadgeSelective:
		return "Selective"
	default:
		return "unknown-badge-kind"
	}
}

// IconIndex is the overlay icon slot assigned per badge kind, per the host
// overlay ABI (spec.md §6): Syncing=0, Synced=1, Selective=2, Failed=3.
func (b BadgeKind) IconIndex() (int, bool) {
	switch b {
	case BadgeSyncing:
		return 0, true
	case BadgeSynced:
		return 1, true
	case BadgeSelective:
		return 2, true
	case BadgeFailed:
		return 3, true
	default:
		return 0, false
	}
}

// Sentinel values framing the fixed-layout records that cross the shared
// region. Mismatch indicates corruption or a stale layout version.
const (
	EventSentinel        uint64 = 0x1212121212121212
	SubscriptionSentinel uint64 = 0xCACACACACACACACA
	BaseSentinel         uint64 = 0xACACACACACACACAC
)

// Event is the fixed-layout record described in spec.md §6. Field order
// mirrors the wire layout; Sentinel1/Sentinel2 are checked on every read.
type Event struct {
	Sentinel1 uint64

	Kind    Kind
	SubKind Kind // channel-specific detail; unused by most kinds

	PublisherPID ProcessID
	PublisherTID ThreadID

	BadgeKind BadgeKind
	FullPath  string

	PublisherSyncboxID uuid.UUID

	// SequenceNo is monotonically increasing per (channel, subscriber-id)
	// and lets a consumer detect a gap after an Overflow.
	SequenceNo uint64

	Sentinel2 uint64
}

// ProcessID and ThreadID are OS identifiers, not opaque 16-byte ids.
type ProcessID uint64
type ThreadID uint64

// NewEvent stamps both framing sentinels so on-the-wire readers can verify
// the record wasn't corrupted or truncated.
func NewEvent(kind Kind, badgeKind BadgeKind, fullPath string, pid ProcessID, tid ThreadID, syncbox uuid.UUID) Event {
	return Event{
		Sentinel1:          EventSentinel,
		Kind:               kind,
		PublisherPID:       pid,
		PublisherTID:       tid,
		BadgeKind:          badgeKind,
		FullPath:           fullPath,
		PublisherSyncboxID: syncbox,
		Sentinel2:          EventSentinel,
	}
}

// Valid reports whether both framing sentinels are intact.
func (e Event) Valid() bool {
	return e.Sentinel1 == EventSentinel && e.Sentinel2 == EventSentinel
}
