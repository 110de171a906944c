// Package events provides the typed publish/subscribe fan-out the
// engines expose their state changes through.
package events

import "sync"

// Feed delivers published values to every subscribed callback.
// Publish notifies over a snapshot taken under the lock, so a
// callback may subscribe further listeners without deadlocking.
// The zero value is ready to use.
type Feed[T any] struct {
	mu   sync.Mutex
	subs []func(T)
}

// Subscribe registers fn for all future publishes.
func (f *Feed[T]) Subscribe(fn func(T)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
}

// Publish synchronously invokes every current subscriber with v.
func (f *Feed[T]) Publish(v T) {
	f.mu.Lock()
	snapshot := make([]func(T), len(f.subs))
	copy(snapshot, f.subs)
	f.mu.Unlock()
	for _, fn := range snapshot {
		fn(v)
	}
}
