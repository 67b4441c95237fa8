// Package badgestore implements the Badge Store (BST) and Root Store of
// spec.md §4.4: a per-overlay-kind map from lowercased path to a badge
// record (badge-kind plus publisher-pid -> syncbox-id set), a parallel
// Root Store scoping fan-out removals, and the liveness-driven reclaim
// sweep. Grounded on original_source/BadgeCOM/CBadgeIconBase.cpp, with
// its four badge-kind subclasses collapsed into one struct parameterised
// by kind (see internal/overlay).
package badgestore

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/cloudsync/badgebus/internal/liveness"
	"github.com/cloudsync/badgebus/pkg/event"
)

// HostNotifier is the boundary to the (out-of-scope) shell host
// notification API: SHChangeNotify in the original. A BST mutation that
// changes a single path calls NotifyPathChanged; a reclamation that drops
// more than zero entries calls NotifyGlobalRefresh, per spec.md §4.4/§6.
type HostNotifier interface {
	NotifyPathChanged(path string)
	NotifyGlobalRefresh()
}

type noopNotifier struct{}

func (noopNotifier) NotifyPathChanged(string) {}
func (noopNotifier) NotifyGlobalRefresh()     {}

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

// MetricsRecorder is the narrow slice of internal/metrics.Recorder the
// Store needs: it records a drop whenever a mutator rejects a
// kind-mismatched path.
type MetricsRecorder interface {
	RecordDropped(kind event.BadgeKind)
}

type noopMetrics struct{}

func (noopMetrics) RecordDropped(event.BadgeKind) {}

// record is the Badge record / Root-Store record of spec.md §3: a
// badge-kind plus the set of (publisher-pid, syncbox-id) pairs currently
// asserting it, expressed as a nested map the same way
// CBadgeIconBase.cpp's boost::unordered_map<pid, unordered_set<GUID>>
// does.
type record struct {
	kind      event.BadgeKind
	processes map[event.ProcessID]map[uuid.UUID]struct{}
}

func newRecord(kind event.BadgeKind) *record {
	return &record{kind: kind, processes: make(map[event.ProcessID]map[uuid.UUID]struct{})}
}

// Store is one overlay kind's BST plus its Root Store, exclusively owned
// by that overlay process per spec.md §3's ownership rule.
type Store struct {
	kind event.BadgeKind

	mu               sync.Mutex
	badges           map[string]*record
	roots            map[string]*record
	activePublishers map[event.ProcessID]struct{}

	notifier HostNotifier
	logger   Logger
	metric   MetricsRecorder
}

// NewStore constructs a Store scoped to one overlay's badge-kind.
// notifier/logger/metric default to no-ops when nil.
func NewStore(kind event.BadgeKind, notifier HostNotifier, logger Logger, metric MetricsRecorder) *Store {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if metric == nil {
		metric = noopMetrics{}
	}
	return &Store{
		kind:             kind,
		badges:           make(map[string]*record),
		roots:            make(map[string]*record),
		activePublishers: make(map[event.ProcessID]struct{}),
		notifier:         notifier,
		logger:           logger,
		metric:           metric,
	}
}

func lowerPath(path string) string { return strings.ToLower(path) }

// AddBadge implements on_add_badge: ignored if badgeKind doesn't match
// this Store's kind; otherwise creates or updates the record for path,
// rejecting a stored badge-kind mismatch as ErrInvariantViolated.
func (s *Store) AddBadge(path string, badgeKind event.BadgeKind, pubPID event.ProcessID, pubSyncbox uuid.UUID) error {
	if badgeKind != s.kind {
		return nil
	}
	key := lowerPath(path)

	s.mu.Lock()
	rec, ok := s.badges[key]
	if !ok {
		rec = newRecord(badgeKind)
		s.badges[key] = rec
	} else if rec.kind != s.kind {
		s.mu.Unlock()
		s.metric.RecordDropped(s.kind)
		s.logger.Warn("add_badge: invariant violated", "path", key, "stored_kind", rec.kind, "requested_kind", badgeKind)
		return ErrInvariantViolated
	}
	addContributor(rec, pubPID, pubSyncbox)
	s.activePublishers[pubPID] = struct{}{}
	s.mu.Unlock()

	s.notifier.NotifyPathChanged(key)
	return nil
}

// RemoveBadge implements on_remove_badge. No error if the path, pid, or
// syncbox isn't present — the original's "do nothing" branches.
func (s *Store) RemoveBadge(path string, pubPID event.ProcessID, pubSyncbox uuid.UUID) (removedEntirePath bool, err error) {
	key := lowerPath(path)

	s.mu.Lock()
	rec, ok := s.badges[key]
	if !ok {
		s.mu.Unlock()
		return false, nil
	}
	if rec.kind != s.kind {
		s.mu.Unlock()
		return false, ErrInvariantViolated
	}
	found := removeContributor(rec, pubPID, pubSyncbox)
	if found && len(rec.processes) == 0 {
		delete(s.badges, key)
		removedEntirePath = true
	}
	s.mu.Unlock()

	if found {
		s.notifier.NotifyPathChanged(key)
	}
	return removedEntirePath, nil
}

// AddRoot implements on_add_root: processed only if selectorKind is
// BadgeNone (broadcast) or this Store's kind, and always stored with
// badge-kind BadgeNone, mirroring AddBadge against the Root Store.
func (s *Store) AddRoot(path string, selectorKind event.BadgeKind, pubPID event.ProcessID, pubSyncbox uuid.UUID) error {
	if selectorKind != event.BadgeNone && selectorKind != s.kind {
		return nil
	}
	key := lowerPath(path)

	s.mu.Lock()
	rec, ok := s.roots[key]
	if !ok {
		rec = newRecord(event.BadgeNone)
		s.roots[key] = rec
	}
	addContributor(rec, pubPID, pubSyncbox)
	s.activePublishers[pubPID] = struct{}{}
	s.mu.Unlock()

	s.notifier.NotifyPathChanged(key)
	return nil
}

// RemoveRoot implements on_remove_root. When the last contributor for the
// root entry is dropped, it additionally fans out to every BST entry
// whose key has the root path as a prefix, removing this (pid, syncbox)
// pair from each; the returned slice lists every BST path that was fully
// removed by the fan-out, collected before any host notification fires so
// a caller never observes a torn state (spec.md §4.4's ordering
// invariant).
func (s *Store) RemoveRoot(path string, selectorKind event.BadgeKind, pubPID event.ProcessID, pubSyncbox uuid.UUID) ([]string, error) {
	if selectorKind != event.BadgeNone && selectorKind != s.kind {
		return nil, nil
	}
	key := lowerPath(path)

	s.mu.Lock()
	rec, ok := s.roots[key]
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	found := removeContributor(rec, pubPID, pubSyncbox)
	if !found {
		s.mu.Unlock()
		return nil, nil
	}
	lastContributorDropped := len(rec.processes) == 0
	if lastContributorDropped {
		delete(s.roots, key)
	}

	var removed []string
	if lastContributorDropped {
		for bpath := range s.badges {
			if !IsPathInRoot(bpath, key) {
				continue
			}
			brec := s.badges[bpath]
			if removeContributor(brec, pubPID, pubSyncbox) && len(brec.processes) == 0 {
				delete(s.badges, bpath)
				removed = append(removed, bpath)
			}
		}
	}
	s.mu.Unlock()

	s.notifier.NotifyPathChanged(key)
	for _, p := range removed {
		s.notifier.NotifyPathChanged(p)
	}
	return removed, nil
}

// ShouldBadge implements should_badge: true iff an entry exists for path
// and its badge-kind equals this Store's kind.
func (s *Store) ShouldBadge(path string) bool {
	key := lowerPath(path)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.badges[key]
	return ok && rec.kind == s.kind
}

// BadgeCount and RootCount report current sizes for the debug/inspection
// endpoint (spec.md §4.10's supplement).
func (s *Store) BadgeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.badges)
}

func (s *Store) RootCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.roots)
}

// Reclaim implements on_tick/reclaim: snapshot the active-publisher set,
// and for each pid the checker reports dead, remove it from every BST and
// Root-Store entry, dropping empties. Satisfies liveness.Reclaimer
// directly so a Store can be handed straight to liveness.NewSweeper.
func (s *Store) Reclaim(checker liveness.Checker) (int, error) {
	s.mu.Lock()
	pids := make([]event.ProcessID, 0, len(s.activePublishers))
	for pid := range s.activePublishers {
		pids = append(pids, pid)
	}
	s.mu.Unlock()

	var total int
	for _, pid := range pids {
		if checker.Alive(pid) {
			continue
		}
		s.mu.Lock()
		n := s.reclaimPIDLocked(pid)
		s.mu.Unlock()
		total += n
	}

	if total > 0 {
		s.notifier.NotifyGlobalRefresh()
	}
	return total, nil
}

func (s *Store) reclaimPIDLocked(pid event.ProcessID) int {
	n := 0
	for path, rec := range s.badges {
		if _, ok := rec.processes[pid]; !ok {
			continue
		}
		delete(rec.processes, pid)
		if len(rec.processes) == 0 {
			delete(s.badges, path)
			n++
		}
	}
	for path, rec := range s.roots {
		if _, ok := rec.processes[pid]; !ok {
			continue
		}
		delete(rec.processes, pid)
		if len(rec.processes) == 0 {
			delete(s.roots, path)
			n++
		}
	}
	delete(s.activePublishers, pid)
	return n
}

// addContributor inserts pubSyncbox into rec's set for pubPID, creating
// the inner set if absent. Must be called with s.mu held.
func addContributor(rec *record, pid event.ProcessID, syncbox uuid.UUID) {
	set, ok := rec.processes[pid]
	if !ok {
		set = make(map[uuid.UUID]struct{})
		rec.processes[pid] = set
	}
	set[syncbox] = struct{}{}
}

// removeContributor removes syncbox from rec's set for pid, pruning the
// inner set when it empties. Returns whether the (pid, syncbox) pair was
// actually present. Must be called with s.mu held.
func removeContributor(rec *record, pid event.ProcessID, syncbox uuid.UUID) bool {
	set, ok := rec.processes[pid]
	if !ok {
		return false
	}
	if _, ok := set[syncbox]; !ok {
		return false
	}
	delete(set, syncbox)
	if len(set) == 0 {
		delete(rec.processes, pid)
	}
	return true
}

// IsPathInRoot reports whether path (already expected lowercase by
// convention, but lowered again defensively here) falls under rootPath by
// simple prefix comparison, matching CBadgeIconBase.cpp's
// IsPathInRootPath. Separator normalisation across path styles is left to
// the controlling app, per spec.md §4.4's open question.
func IsPathInRoot(path, rootPath string) bool {
	return strings.HasPrefix(lowerPath(path), lowerPath(rootPath))
}
