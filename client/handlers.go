package client

import "sync"

// registry holds ordered event handlers. Dispatch iterates over a snapshot
// taken at fire time, so a handler registering or unregistering another
// handler mid-dispatch never affects the in-flight pass.
type registry[T any] struct {
	mu      sync.Mutex
	nextID  int
	entries []regEntry[T]
}

type regEntry[T any] struct {
	id int
	fn func(T)
}

// add appends a handler and returns a function that unregisters it
func (r *registry[T]) add(fn func(T)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.entries = append(r.entries, regEntry[T]{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, e := range r.entries {
			if e.id == id {
				r.entries = append(r.entries[:i], r.entries[i+1:]...)
				return
			}
		}
	}
}

// fire invokes every registered handler in registration order
func (r *registry[T]) fire(v T) {
	r.mu.Lock()
	snapshot := make([]regEntry[T], len(r.entries))
	copy(snapshot, r.entries)
	r.mu.Unlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}
