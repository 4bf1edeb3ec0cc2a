package binder

import (
	"reflect"
	"sync"
)

// Store is an external state container that notifies on change
type Store[S any] interface {
	GetState() S
	Subscribe(onChange func()) (unsubscribe func())
}

// Bind runs setup with the selected value and again whenever the selection
// changes, calling the previous cleanup first. A nil equal uses
// reflect.DeepEqual. The returned unbind runs the last cleanup once.
//
// Setup and cleanup run without any lock held, so they may write to the store.
// Notifications that arrive meanwhile are folded into one more evaluation.
func Bind[S any, T any](
	store Store[S],
	selector func(S) T,
	equal func(a, b T) bool,
	setup func(T) (cleanup func()),
) (unbind func()) {
	if equal == nil {
		equal = func(a, b T) bool { return reflect.DeepEqual(a, b) }
	}

	b := &binding[S, T]{
		store:    store,
		selector: selector,
		equal:    equal,
		setup:    setup,
	}
	unsubscribe := store.Subscribe(b.evaluate)
	b.evaluate()

	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			b.close()
		})
	}
}

type binding[S any, T any] struct {
	store    Store[S]
	selector func(S) T
	equal    func(a, b T) bool
	setup    func(T) func()

	mu          sync.Mutex
	initialized bool
	current     T
	cleanup     func()
	running     bool
	dirty       bool
	done        bool
}

func (b *binding[S, T]) evaluate() {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return
	}
	if b.running {
		b.dirty = true
		b.mu.Unlock()
		return
	}
	b.running = true

	for !b.done {
		b.dirty = false
		next := b.selector(b.store.GetState())
		if b.initialized && b.equal(b.current, next) {
			break
		}
		prev := b.cleanup
		b.cleanup = nil
		b.current = next
		b.initialized = true
		b.mu.Unlock()

		if prev != nil {
			prev()
		}
		cleanup := b.setup(next)

		b.mu.Lock()
		if b.done {
			b.mu.Unlock()
			if cleanup != nil {
				cleanup()
			}
			b.mu.Lock()
			break
		}
		b.cleanup = cleanup
		if !b.dirty {
			break
		}
	}

	b.running = false
	b.mu.Unlock()
}

func (b *binding[S, T]) close() {
	b.mu.Lock()
	b.done = true
	if b.running {
		// the running evaluation cleans up after its setup returns
		b.mu.Unlock()
		return
	}
	cleanup := b.cleanup
	b.cleanup = nil
	b.mu.Unlock()

	if cleanup != nil {
		cleanup()
	}
}
