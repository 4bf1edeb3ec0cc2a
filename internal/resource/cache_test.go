package resource

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type socketKey struct {
	URL string `json:"url"`
}

type fakeSocket struct {
	url string
}

type tracker struct {
	mu          sync.Mutex
	constructed int
	destroyed   []string
}

func (tr *tracker) options(debounce time.Duration) Options[socketKey, *fakeSocket] {
	return Options[socketKey, *fakeSocket]{
		Name: "test",
		Construct: func(k socketKey) *fakeSocket {
			tr.mu.Lock()
			tr.constructed++
			tr.mu.Unlock()
			return &fakeSocket{url: k.URL}
		},
		Destroy: func(s *fakeSocket) {
			tr.mu.Lock()
			tr.destroyed = append(tr.destroyed, s.url)
			tr.mu.Unlock()
		},
		Debounce: debounce,
	}
}

func (tr *tracker) destroyedCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.destroyed)
}

func TestCache_SharesResourceByKey(t *testing.T) {
	tr := &tracker{}
	c := New(tr.options(20 * time.Millisecond))

	a := c.Use(socketKey{URL: "wss://a"})
	b := c.Use(socketKey{URL: "wss://a"})
	other := c.Use(socketKey{URL: "wss://b"})

	assert.Same(t, a, b)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, tr.constructed)
	assert.Equal(t, 2, c.Count(socketKey{URL: "wss://a"}))
	assert.Equal(t, 2, c.Len())
}

func TestCache_DestroysAfterLastMarkDone(t *testing.T) {
	tr := &tracker{}
	c := New(tr.options(30 * time.Millisecond))
	key := socketKey{URL: "wss://a"}

	c.Use(key)
	c.Use(key)
	c.MarkDone(key)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, tr.destroyedCount())

	c.MarkDone(key)
	assert.Equal(t, 0, tr.destroyedCount())

	require.Eventually(t, func() bool { return tr.destroyedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, c.Len())
}

func TestCache_UseCancelsPendingDestroy(t *testing.T) {
	tr := &tracker{}
	c := New(tr.options(40 * time.Millisecond))
	key := socketKey{URL: "wss://a"}

	first := c.Use(key)
	c.MarkDone(key)
	time.Sleep(10 * time.Millisecond)
	second := c.Use(key)

	time.Sleep(80 * time.Millisecond)
	assert.Same(t, first, second)
	assert.Equal(t, 0, tr.destroyedCount())
	assert.Equal(t, 1, tr.constructed)
}

func TestCache_TimerIsReplacedNotStacked(t *testing.T) {
	tr := &tracker{}
	c := New(tr.options(50 * time.Millisecond))
	key := socketKey{URL: "wss://a"}

	c.Use(key)
	c.MarkDone(key)
	time.Sleep(30 * time.Millisecond)
	c.Use(key)
	c.MarkDone(key)

	// the first timer would have fired by now
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 0, tr.destroyedCount())

	require.Eventually(t, func() bool { return tr.destroyedCount() == 1 }, time.Second, 5*time.Millisecond)
}

func TestCache_MarkDoneUnknownKey(t *testing.T) {
	tr := &tracker{}
	c := New(tr.options(time.Millisecond))

	assert.NotPanics(t, func() { c.MarkDone(socketKey{URL: "wss://missing"}) })
	assert.Equal(t, 0, tr.destroyedCount())
}

func TestCache_Close(t *testing.T) {
	tr := &tracker{}
	c := New(tr.options(time.Hour))

	c.Use(socketKey{URL: "wss://a"})
	c.Use(socketKey{URL: "wss://b"})
	c.MarkDone(socketKey{URL: "wss://b"})

	c.Close()
	assert.Equal(t, 2, tr.destroyedCount())
	assert.Equal(t, 0, c.Len())
}

func TestCache_CustomSerializer(t *testing.T) {
	tr := &tracker{}
	opts := tr.options(time.Millisecond)
	opts.KeySerializer = func(k socketKey) string { return k.URL[:5] }
	c := New(opts)

	a := c.Use(socketKey{URL: "wss://a"})
	b := c.Use(socketKey{URL: "wss://b"})
	assert.Same(t, a, b)
}
