// Package shmregion models the Shared Region (SR) described in spec.md
// §4.1: a named, fixed-size region that every attacher converges on,
// holding a single root object guarded by one mutex. The root and
// everything under it are ordinary Go values reached by pointer; there is
// no offset-based layout, so these structures could not be placed in a
// real cross-process mapping as they are.
//
// This module has no access to a platform shared-memory syscall surface,
// so the "region" is simulated as a process-wide named registry: repeated
// Attach calls for the same name within one process converge on the same
// *Region the way repeated CreateFileMapping/shm_open calls would. A
// separate process has its own registry and does not see this region.
// See DESIGN.md's Open
// Question decisions for why this stand-in was chosen over a fabricated
// platform binding.
package shmregion

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAttach is returned when a region cannot be created or opened.
var ErrAttach = errors.New("shmregion: attach failed")

// ErrCorrupt is returned when a sentinel check fails on a root-owned
// structure.
var ErrCorrupt = errors.New("shmregion: corruption detected")

var (
	registryMu sync.Mutex
	registry   = map[string]*Region{}
)

// Region is the named, fixed-size mapping every attacher shares. Size is
// advisory here: no real backing allocation is made. It is recorded and
// acts as a ceiling only for callers of Reserve; the bus does not reserve
// bytes, so event payloads are not counted against it.
type Region struct {
	Name string
	Size int

	mu   sync.Mutex // the root mutex: serializes all registry/queue mutation
	root any        // lazily constructed by FindOrConstructRoot

	allocated int
}

// Attach creates the named region if absent, else returns the existing
// one. Fails with ErrAttach if name is empty, size is not positive, or an
// existing region's size disagrees with the requested size (the simulated
// equivalent of a DACL/permission mismatch on reopen).
func Attach(name string, size int) (*Region, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty region name", ErrAttach)
	}
	if size <= 0 {
		return nil, fmt.Errorf("%w: non-positive size %d", ErrAttach, size)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if r, ok := registry[name]; ok {
		if r.Size != size {
			return nil, fmt.Errorf("%w: region %q already attached with size %d, requested %d", ErrAttach, name, r.Size, size)
		}
		return r, nil
	}

	r := &Region{Name: name, Size: size}
	registry[name] = r
	return r, nil
}

// Detach removes the region from the process-wide registry immediately;
// attachers are not counted. Safe to call even if other *Region values are
// still held by callers that attached earlier — those callers keep working
// against their own pointer; only future Attach calls for this name start
// fresh.
func Detach(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, name)
}

// WithRootLock runs fn under the region's root mutex. This is the single
// inter-process mutex spec.md §4.1/§5 describes serializing all registry
// and queue mutation; holding time must stay bounded to a lookup plus one
// queue push/pop per spec.md §5.
func (r *Region) WithRootLock(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn()
}

// FindOrConstructRoot performs the one-time allocation of the root object
// under the region's mutex, the way spec.md §4.1 describes. construct is
// only invoked the first time; later callers get the already-constructed
// value back regardless of what construct they pass.
func FindOrConstructRoot[T any](r *Region, construct func() T) T {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.root == nil {
		r.root = construct()
	}
	return r.root.(T)
}

// Reserve accounts bytes against the region's fixed size, returning false
// if the region is full. Release gives bytes back. Publish does not call
// Reserve; its overflow is reported per subscription queue only.
func (r *Region) Reserve(bytes int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.allocated+bytes > r.Size {
		return false
	}
	r.allocated += bytes
	return true
}

// Release returns previously Reserved bytes to the region.
func (r *Region) Release(bytes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocated -= bytes
	if r.allocated < 0 {
		r.allocated = 0
	}
}

// Stats reports current allocation against the fixed size, for diagnostics
// (SPEC_FULL.md §4.1).
func (r *Region) Stats() (allocated, size int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.allocated, r.Size
}

// CheckSentinels compares one sentinel value against its expected
// constant, returning ErrCorrupt naming label on a mismatch. internal/bus
// does not call it; it checks Subscription and Event sentinels itself.
func CheckSentinels(label string, got, want uint64) error {
	if got != want {
		return fmt.Errorf("%w: %s sentinel mismatch: got %#x want %#x", ErrCorrupt, label, got, want)
	}
	return nil
}
