// Package registry provides a generic, copy-on-write keyed collection
// shared by every live-mutable set in the host: tool descriptors
// (pkg/toolregistry) and anything else that is read far more often than it
// is written. A reader never blocks behind a writer and never observes a
// partially-applied mutation, because every Register/Remove/Clear builds a
// whole new map and swaps it in rather than mutating one in place.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Registry is the interface BaseRegistry implements; named separately so a
// caller can depend on the contract without spelling out the generic
// instantiation.
type Registry[T any] interface {
	Register(name string, item T) error
	Get(name string) (T, bool)
	List() []T
	Remove(name string) error
	Count() int
	Clear()
}

// BaseRegistry is a copy-on-write map. Get/List/Count are lock-free atomic
// loads of the current snapshot; Register/Remove/Clear take writeMu only to
// serialize against each other (so two concurrent writers can't both read
// the same snapshot and clobber one another's update) and then publish a
// freshly built map via a single atomic store.
type BaseRegistry[T any] struct {
	writeMu sync.Mutex
	items   atomic.Pointer[map[string]T]
}

// NewBaseRegistry returns an empty BaseRegistry.
func NewBaseRegistry[T any]() *BaseRegistry[T] {
	r := &BaseRegistry[T]{}
	empty := make(map[string]T)
	r.items.Store(&empty)
	return r
}

func (r *BaseRegistry[T]) snapshot() map[string]T {
	return *r.items.Load()
}

// Register adds item under name. Registering a name that already exists is
// an error; callers that want overwrite semantics call Remove first.
func (r *BaseRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("registry: name cannot be empty")
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := r.snapshot()
	if _, exists := current[name]; exists {
		return fmt.Errorf("registry: item %q already registered", name)
	}

	next := make(map[string]T, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[name] = item
	r.items.Store(&next)
	return nil
}

// Get looks up name in the most recently published snapshot.
func (r *BaseRegistry[T]) Get(name string) (T, bool) {
	item, ok := r.snapshot()[name]
	return item, ok
}

// List returns every registered item in the current snapshot, in no
// particular order. The returned slice is the caller's own; a later
// Register/Remove publishes a new map rather than touching this one, so it
// is safe to keep using after the registry has moved on.
func (r *BaseRegistry[T]) List() []T {
	current := r.snapshot()
	items := make([]T, 0, len(current))
	for _, item := range current {
		items = append(items, item)
	}
	return items
}

// Remove drops name. Removing a name that was never registered is an error,
// since callers typically want to know when they asked for a no-op.
func (r *BaseRegistry[T]) Remove(name string) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	current := r.snapshot()
	if _, exists := current[name]; !exists {
		return fmt.Errorf("registry: item %q not found", name)
	}

	next := make(map[string]T, len(current)-1)
	for k, v := range current {
		if k != name {
			next[k] = v
		}
	}
	r.items.Store(&next)
	return nil
}

// Count reports how many items the current snapshot holds.
func (r *BaseRegistry[T]) Count() int {
	return len(r.snapshot())
}

// Clear publishes a fresh, empty snapshot.
func (r *BaseRegistry[T]) Clear() {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	empty := make(map[string]T)
	r.items.Store(&empty)
}
