package binder

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type testState struct {
	Address string
	Markets []string
	Noise   int
}

type testStore struct {
	mu        sync.Mutex
	state     testState
	listeners map[int]func()
	next      int
}

func newTestStore(s testState) *testStore {
	return &testStore{state: s, listeners: make(map[int]func())}
}

func (s *testStore) GetState() testState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *testStore) Subscribe(fn func()) func() {
	s.mu.Lock()
	id := s.next
	s.next++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *testStore) update(fn func(*testState)) {
	s.mu.Lock()
	fn(&s.state)
	fns := make([]func(), 0, len(s.listeners))
	for _, l := range s.listeners {
		fns = append(fns, l)
	}
	s.mu.Unlock()
	for _, l := range fns {
		l()
	}
}

func TestBind_SetupAndCleanupOnChange(t *testing.T) {
	store := newTestStore(testState{Address: "a"})
	var events []string

	unbind := Bind(store,
		func(s testState) string { return s.Address },
		nil,
		func(addr string) func() {
			events = append(events, "setup:"+addr)
			return func() { events = append(events, "cleanup:"+addr) }
		},
	)

	store.update(func(s *testState) { s.Noise++ })
	store.update(func(s *testState) { s.Address = "b" })
	store.update(func(s *testState) { s.Noise++ })

	unbind()
	unbind()

	assert.Equal(t, []string{"setup:a", "cleanup:a", "setup:b", "cleanup:b"}, events)
}

func TestBind_UsesDeepEqualByDefault(t *testing.T) {
	store := newTestStore(testState{Markets: []string{"BTC-USD"}})
	setups := 0

	unbind := Bind(store,
		func(s testState) []string { return append([]string(nil), s.Markets...) },
		nil,
		func([]string) func() { setups++; return nil },
	)
	defer unbind()

	store.update(func(s *testState) { s.Noise++ })
	store.update(func(s *testState) { s.Markets = []string{"BTC-USD", "ETH-USD"} })

	assert.Equal(t, 2, setups)
}

func TestBind_CustomEqual(t *testing.T) {
	store := newTestStore(testState{Noise: 1})
	setups := 0

	unbind := Bind(store,
		func(s testState) int { return s.Noise },
		func(a, b int) bool { return a/10 == b/10 },
		func(int) func() { setups++; return nil },
	)
	defer unbind()

	store.update(func(s *testState) { s.Noise = 5 })
	store.update(func(s *testState) { s.Noise = 12 })

	assert.Equal(t, 2, setups)
}

func TestBind_SetupMayWriteToStore(t *testing.T) {
	store := newTestStore(testState{Address: "a"})
	var seen []string

	unbind := Bind(store,
		func(s testState) string { return s.Address },
		nil,
		func(addr string) func() {
			seen = append(seen, addr)
			if addr == "a" {
				store.update(func(s *testState) { s.Address = "c" })
			}
			return nil
		},
	)
	defer unbind()

	assert.Equal(t, []string{"a", "c"}, seen)
}
