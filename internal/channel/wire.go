package channel

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

var (
	// ErrUnknownMessageType is returned when a frame carries an unrecognized type
	ErrUnknownMessageType = errors.New("channel: unknown message type")
	// ErrMalformedMessage is returned when a frame lacks a required field
	ErrMalformedMessage = errors.New("channel: malformed message")
)

// MessageType discriminates server and client frames
type MessageType string

// Server message types
const (
	TypeConnected        MessageType = "connected"
	TypeSubscribed       MessageType = "subscribed"
	TypeChannelData      MessageType = "channel_data"
	TypeChannelBatchData MessageType = "channel_batch_data"
	TypeUnsubscribed     MessageType = "unsubscribed"
	TypeError            MessageType = "error"
	// TypeFakeInjection marks updates routed through InjectFakeMessage
	TypeFakeInjection MessageType = "fake_injection"
)

// Client message types
const (
	TypeSubscribe   MessageType = "subscribe"
	TypeUnsubscribe MessageType = "unsubscribe"
)

// Message is any decoded server frame
type Message interface {
	Type() MessageType
	ID() int64
}

// Connected is sent once per connection
type Connected struct {
	ConnectionID string `json:"connection_id"`
	MessageID    int64  `json:"message_id"`
}

func (m *Connected) Type() MessageType { return TypeConnected }
func (m *Connected) ID() int64         { return m.MessageID }

// Subscribed carries the base snapshot of a subscription
type Subscribed struct {
	ConnectionID string          `json:"connection_id"`
	MessageID    int64           `json:"message_id"`
	Channel      string          `json:"channel"`
	Key          string          `json:"id,omitempty"`
	Contents     json.RawMessage `json:"contents"`
}

func (m *Subscribed) Type() MessageType { return TypeSubscribed }
func (m *Subscribed) ID() int64         { return m.MessageID }

// ChannelData carries one incremental update
type ChannelData struct {
	ConnectionID     string          `json:"connection_id"`
	MessageID        int64           `json:"message_id"`
	Channel          string          `json:"channel"`
	Key              string          `json:"id,omitempty"`
	Version          string          `json:"version,omitempty"`
	SubaccountNumber *int            `json:"subaccountNumber,omitempty"`
	Contents         json.RawMessage `json:"contents"`
}

func (m *ChannelData) Type() MessageType { return TypeChannelData }
func (m *ChannelData) ID() int64         { return m.MessageID }

// ChannelBatchData carries several incremental updates
type ChannelBatchData struct {
	ConnectionID     string            `json:"connection_id"`
	MessageID        int64             `json:"message_id"`
	Channel          string            `json:"channel"`
	Key              string            `json:"id,omitempty"`
	Version          string            `json:"version,omitempty"`
	SubaccountNumber *int              `json:"subaccountNumber,omitempty"`
	Contents         []json.RawMessage `json:"contents"`
}

func (m *ChannelBatchData) Type() MessageType { return TypeChannelBatchData }
func (m *ChannelBatchData) ID() int64         { return m.MessageID }

// Unsubscribed acknowledges an unsubscribe
type Unsubscribed struct {
	ConnectionID string `json:"connection_id"`
	MessageID    int64  `json:"message_id"`
	Channel      string `json:"channel"`
	Key          string `json:"id,omitempty"`
}

func (m *Unsubscribed) Type() MessageType { return TypeUnsubscribed }
func (m *Unsubscribed) ID() int64         { return m.MessageID }

// ErrorMessage is a server-side error, optionally tied to a subscription
type ErrorMessage struct {
	ConnectionID string `json:"connection_id"`
	MessageID    int64  `json:"message_id"`
	Message      string `json:"message"`
	Channel      string `json:"channel,omitempty"`
	Key          string `json:"id,omitempty"`
}

func (m *ErrorMessage) Type() MessageType { return TypeError }
func (m *ErrorMessage) ID() int64         { return m.MessageID }

// UpdateMeta is the envelope data passed along with update batches
type UpdateMeta struct {
	Type             MessageType
	MessageID        int64
	Channel          string
	Key              string
	Version          string
	SubaccountNumber *int
}

type envelope struct {
	Type MessageType `json:"type"`
}

// Decode parses a server frame into its typed variant
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	switch env.Type {
	case TypeConnected:
		return DecodeConnected(data)
	case TypeSubscribed:
		return DecodeSubscribed(data)
	case TypeChannelData:
		return DecodeChannelData(data)
	case TypeChannelBatchData:
		return DecodeChannelBatchData(data)
	case TypeUnsubscribed:
		return DecodeUnsubscribed(data)
	case TypeError:
		return DecodeError(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}
}

func DecodeConnected(data []byte) (*Connected, error) {
	var m Connected
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode connected: %w", err)
	}
	return &m, nil
}

func DecodeSubscribed(data []byte) (*Subscribed, error) {
	var m Subscribed
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode subscribed: %w", err)
	}
	if m.Channel == "" {
		return nil, fmt.Errorf("%w: subscribed without channel", ErrMalformedMessage)
	}
	return &m, nil
}

func DecodeChannelData(data []byte) (*ChannelData, error) {
	var m ChannelData
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode channel_data: %w", err)
	}
	if m.Channel == "" {
		return nil, fmt.Errorf("%w: channel_data without channel", ErrMalformedMessage)
	}
	return &m, nil
}

func DecodeChannelBatchData(data []byte) (*ChannelBatchData, error) {
	var m ChannelBatchData
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode channel_batch_data: %w", err)
	}
	if m.Channel == "" {
		return nil, fmt.Errorf("%w: channel_batch_data without channel", ErrMalformedMessage)
	}
	return &m, nil
}

func DecodeUnsubscribed(data []byte) (*Unsubscribed, error) {
	var m Unsubscribed
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode unsubscribed: %w", err)
	}
	return &m, nil
}

func DecodeError(data []byte) (*ErrorMessage, error) {
	var m ErrorMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode error: %w", err)
	}
	return &m, nil
}

// ClientMessage is a subscribe or unsubscribe request
type ClientMessage struct {
	Type    MessageType `json:"type"`
	Channel string      `json:"channel"`
	ID      string      `json:"id,omitempty"`
	Batched bool        `json:"batched,omitempty"`
}

// EncodeSubscribe builds a batched subscribe frame
func EncodeSubscribe(key Key) ([]byte, error) {
	return json.Marshal(ClientMessage{
		Type:    TypeSubscribe,
		Channel: key.Channel,
		ID:      key.ID,
		Batched: true,
	})
}

// EncodeUnsubscribe builds an unsubscribe frame
func EncodeUnsubscribe(key Key) ([]byte, error) {
	return json.Marshal(ClientMessage{
		Type:    TypeUnsubscribe,
		Channel: key.Channel,
		ID:      key.ID,
	})
}
