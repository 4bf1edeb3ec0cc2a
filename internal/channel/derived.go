package channel

import (
	"fmt"
	"reflect"
	"sync"

	"github.com/goccy/go-json"
)

// BaseReducer folds a base snapshot into the current value
type BaseReducer[V any] func(contents json.RawMessage, msg *Subscribed, prev V) V

// UpdateReducer folds a batch of updates into the current value. It must
// return prev itself when the batch changes nothing.
type UpdateReducer[V any] func(updates []json.RawMessage, meta UpdateMeta, prev V) V

// Registrar is the part of a Multiplexer a DerivedValue needs
type Registrar interface {
	Add(key Key, h Handlers) error
	Remove(key Key)
}

// DerivedValue keeps the reduced value of one subscription and notifies
// subscribers whenever a reducer returns a different instance.
type DerivedValue[V any] struct {
	mux    Registrar
	key    Key
	base   BaseReducer[V]
	update UpdateReducer[V]

	mu          sync.Mutex
	value       V
	subscribers map[int]func(V)
	nextID      int
	closed      bool

	teardown sync.Once
}

// NewDerivedValue registers key on mux and starts reducing its messages
func NewDerivedValue[V any](mux Registrar, key Key, base BaseReducer[V], update UpdateReducer[V], initial V) (*DerivedValue[V], error) {
	d := &DerivedValue[V]{
		mux:         mux,
		key:         key,
		base:        base,
		update:      update,
		value:       initial,
		subscribers: make(map[int]func(V)),
	}

	err := mux.Add(key, Handlers{
		HandleBaseData: func(contents json.RawMessage, msg *Subscribed) {
			d.apply(func(prev V) V { return d.base(contents, msg, prev) })
		},
		HandleUpdates: func(updates []json.RawMessage, meta UpdateMeta) {
			d.apply(func(prev V) V { return d.update(updates, meta, prev) })
		},
	})
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", key, err)
	}
	return d, nil
}

// Key returns the subscription key
func (d *DerivedValue[V]) Key() Key {
	return d.key
}

// Value returns the current value
func (d *DerivedValue[V]) Value() V {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

// Subscribe registers fn for value changes. The returned function is safe to
// call more than once.
func (d *DerivedValue[V]) Subscribe(fn func(V)) func() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return func() {}
	}
	id := d.nextID
	d.nextID++
	d.subscribers[id] = fn
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subscribers, id)
			d.mu.Unlock()
		})
	}
}

// Teardown unsubscribes from the multiplexer and drops all subscribers
func (d *DerivedValue[V]) Teardown() {
	d.teardown.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.subscribers = make(map[int]func(V))
		d.mu.Unlock()

		d.mux.Remove(d.key)
	})
}

func (d *DerivedValue[V]) apply(reduce func(prev V) V) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	prev := d.value
	next := reduce(prev)
	if SameIdentity(prev, next) {
		d.mu.Unlock()
		return
	}
	d.value = next
	fns := make([]func(V), 0, len(d.subscribers))
	for _, fn := range d.subscribers {
		fns = append(fns, fn)
	}
	d.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}

// SameIdentity compares reference kinds by address and everything else by ==.
// Values that are not comparable are never the same.
func SameIdentity[V any](a, b V) bool {
	return sameValue(reflect.ValueOf(&a).Elem(), reflect.ValueOf(&b).Elem())
}

func sameValue(va, vb reflect.Value) bool {
	if va.Kind() == reflect.Interface {
		if va.IsNil() || vb.IsNil() {
			return va.IsNil() && vb.IsNil()
		}
		va, vb = va.Elem(), vb.Elem()
		if va.Type() != vb.Type() {
			return false
		}
	}

	switch va.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}

	if !va.Comparable() || !vb.Comparable() {
		return false
	}
	return va.Equal(vb)
}
