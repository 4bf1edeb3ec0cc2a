package channel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeVariants(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  MessageType
	}{
		{"connected", `{"type":"connected","connection_id":"abc","message_id":0}`, TypeConnected},
		{"subscribed", `{"type":"subscribed","message_id":1,"channel":"v4_markets","contents":{}}`, TypeSubscribed},
		{"channel_data", `{"type":"channel_data","message_id":2,"channel":"v4_trades","id":"BTC-USD","contents":{}}`, TypeChannelData},
		{"channel_batch_data", `{"type":"channel_batch_data","message_id":3,"channel":"v4_trades","id":"BTC-USD","contents":[{}]}`, TypeChannelBatchData},
		{"unsubscribed", `{"type":"unsubscribed","message_id":4,"channel":"v4_trades","id":"BTC-USD"}`, TypeUnsubscribed},
		{"error", `{"type":"error","message":"bad"}`, TypeError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := Decode([]byte(tt.frame))
			require.NoError(t, err)
			assert.Equal(t, tt.want, msg.Type())
		})
	}
}

func TestDecodeParentSubaccountUpdate(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"channel_batch_data","message_id":7,"channel":"v4_parent_subaccounts","id":"dydx1abc/0","subaccountNumber":128,"version":"3.0.0","contents":[{"blockHeight":"10"}]}`))
	require.NoError(t, err)

	batch, ok := msg.(*ChannelBatchData)
	require.True(t, ok)
	assert.Equal(t, int64(7), batch.ID())
	assert.Equal(t, "dydx1abc/0", batch.Key)
	require.NotNil(t, batch.SubaccountNumber)
	assert.Equal(t, 128, *batch.SubaccountNumber)
	assert.Len(t, batch.Contents, 1)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"pong"}`))
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestDecodeRejectsMissingChannel(t *testing.T) {
	_, err := Decode([]byte(`{"type":"channel_data","message_id":1,"contents":{}}`))
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte(`{"type":`))
	assert.Error(t, err)
}

func TestEncodeClientMessages(t *testing.T) {
	sub, err := EncodeSubscribe(Key{Channel: "v4_orderbook", ID: "BTC-USD"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"subscribe","channel":"v4_orderbook","id":"BTC-USD","batched":true}`, string(sub))

	unsub, err := EncodeUnsubscribe(Key{Channel: "v4_markets"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"unsubscribe","channel":"v4_markets"}`, string(unsub))
}

func TestMissingMessageDetector(t *testing.T) {
	fired := 0
	d := NewMissingMessageDetector(2, func() { fired++ })

	assert.False(t, d.Observe(5))
	assert.False(t, d.Observe(6))
	assert.False(t, d.Observe(8))
	assert.Equal(t, 1, d.Gaps())
	assert.True(t, d.Observe(10))
	assert.False(t, d.Observe(12))
	assert.Equal(t, 1, fired)

	d.Reset()
	assert.Equal(t, 0, d.Gaps())
	assert.False(t, d.Observe(0))
	assert.False(t, d.Observe(1))
}
