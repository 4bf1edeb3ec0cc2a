package channel

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct {
	Total int `json:"total"`
}

func sumBase(contents json.RawMessage, _ *Subscribed, _ *counter) *counter {
	var c counter
	if err := json.Unmarshal(contents, &c); err != nil {
		panic(err)
	}
	return &c
}

func sumUpdates(updates []json.RawMessage, _ UpdateMeta, prev *counter) *counter {
	delta := 0
	for _, u := range updates {
		var c counter
		if err := json.Unmarshal(u, &c); err != nil {
			panic(err)
		}
		delta += c.Total
	}
	if delta == 0 || prev == nil {
		return prev
	}
	return &counter{Total: prev.Total + delta}
}

func TestDerivedValue_NotifiesOnIdentityChange(t *testing.T) {
	mux, _, _ := newTestMux(true)
	key := Key{Channel: "v4_markets"}

	dv, err := NewDerivedValue[*counter](mux, key, sumBase, sumUpdates, nil)
	require.NoError(t, err)

	var seen []int
	unsubscribe := dv.Subscribe(func(c *counter) { seen = append(seen, c.Total) })
	defer unsubscribe()

	mux.HandleMessage([]byte(`{"type":"subscribed","message_id":1,"channel":"v4_markets","contents":{"total":5}}`))
	mux.HandleMessage([]byte(`{"type":"channel_batch_data","message_id":2,"channel":"v4_markets","contents":[{"total":0}]}`))
	mux.HandleMessage([]byte(`{"type":"channel_batch_data","message_id":3,"channel":"v4_markets","contents":[{"total":2},{"total":3}]}`))

	assert.Equal(t, []int{5, 10}, seen)
	assert.Equal(t, 10, dv.Value().Total)
}

func TestDerivedValue_UnsubscribeIsIdempotent(t *testing.T) {
	mux, _, _ := newTestMux(true)
	dv, err := NewDerivedValue[*counter](mux, Key{Channel: "v4_markets"}, sumBase, sumUpdates, nil)
	require.NoError(t, err)

	calls := 0
	unsubscribe := dv.Subscribe(func(*counter) { calls++ })
	unsubscribe()
	unsubscribe()

	mux.HandleMessage([]byte(`{"type":"subscribed","message_id":1,"channel":"v4_markets","contents":{"total":1}}`))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 1, dv.Value().Total)
}

func TestDerivedValue_TeardownIsIdempotent(t *testing.T) {
	mux, conn, _ := newTestMux(true)
	key := Key{Channel: "v4_orderbook", ID: "ETH-USD"}
	dv, err := NewDerivedValue[*counter](mux, key, sumBase, sumUpdates, nil)
	require.NoError(t, err)

	calls := 0
	dv.Subscribe(func(*counter) { calls++ })
	conn.reset()

	dv.Teardown()
	dv.Teardown()

	sent := conn.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, TypeUnsubscribe, sent[0].Type)
	assert.False(t, mux.Has(key))

	mux.InjectFakeMessage(key, json.RawMessage(`{"total":1}`))
	assert.Equal(t, 0, calls)
}

func TestDerivedValue_DuplicateKey(t *testing.T) {
	mux, _, _ := newTestMux(true)
	key := Key{Channel: "v4_markets"}

	_, err := NewDerivedValue[*counter](mux, key, sumBase, sumUpdates, nil)
	require.NoError(t, err)
	_, err = NewDerivedValue[*counter](mux, key, sumBase, sumUpdates, nil)
	assert.ErrorIs(t, err, ErrDuplicateSubscription)
}

func TestSameIdentity(t *testing.T) {
	a := &counter{Total: 1}
	b := &counter{Total: 1}
	m := map[string]int{"x": 1}
	s := []int{1, 2, 3}

	assert.True(t, SameIdentity(a, a))
	assert.False(t, SameIdentity(a, b))
	assert.True(t, SameIdentity(m, m))
	assert.False(t, SameIdentity(m, map[string]int{"x": 1}))
	assert.True(t, SameIdentity(s, s))
	assert.False(t, SameIdentity(s, s[:2]))
	assert.True(t, SameIdentity(3, 3))
	assert.False(t, SameIdentity("a", "b"))
	assert.True(t, SameIdentity[any](a, a))
	assert.False(t, SameIdentity[any](a, 1))
	assert.True(t, SameIdentity[any](nil, nil))
}
