package channel

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"perp-sync/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrDuplicateSubscription is returned by Add for a key that is already registered
var ErrDuplicateSubscription = errors.New("channel: subscription already exists")

const (
	fetchErrorPrefix     = "Internal error, could not fetch data for subscription: "
	duplicateErrorPrefix = "Invalid subscribe message: already subscribed ("
	retryChannelPrefix   = "v4_"

	DefaultRetryCooldown = 60 * time.Second
)

var duplicateKeyPattern = regexp.MustCompile(`\(([\w_]+)-(.+?)\)`)

// Key identifies a subscription. An empty ID means the channel has no id.
type Key struct {
	Channel string
	ID      string
}

func (k Key) String() string {
	if k.ID == "" {
		return k.Channel
	}
	return k.Channel + "/" + k.ID
}

// Handlers receive the data of one subscription
type Handlers struct {
	HandleBaseData func(contents json.RawMessage, msg *Subscribed)
	HandleUpdates  func(updates []json.RawMessage, meta UpdateMeta)
}

// Conn is the physical connection a Multiplexer sends through
type Conn interface {
	Send(data []byte) error
	IsOpen() bool
	Restart()
}

// Options configures a Multiplexer
type Options struct {
	RetryCooldown           time.Duration
	MissingMessageThreshold int
	Now                     func() time.Time
}

type entry struct {
	key      Key
	handlers Handlers

	sentSubscribe    bool
	receivedBaseData bool

	lastRetryBecauseError     time.Time
	lastRetryBecauseDuplicate time.Time
	firstSubscribedAt         time.Time
}

// Multiplexer routes the messages of one connection to its registered
// subscriptions and keeps the server side in sync across reconnects.
type Multiplexer struct {
	url      string
	conn     Conn
	cooldown time.Duration
	now      func() time.Time
	logger   zerolog.Logger
	detector *MissingMessageDetector

	mu   sync.Mutex
	subs map[Key]*entry
}

// NewMultiplexer creates a multiplexer bound to conn
func NewMultiplexer(url string, conn Conn, opts Options) *Multiplexer {
	if opts.RetryCooldown <= 0 {
		opts.RetryCooldown = DefaultRetryCooldown
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	m := &Multiplexer{
		url:      url,
		conn:     conn,
		cooldown: opts.RetryCooldown,
		now:      opts.Now,
		logger:   log.With().Str("component", "multiplexer").Str("url", url).Logger(),
		subs:     make(map[Key]*entry),
	}
	m.detector = NewMissingMessageDetector(opts.MissingMessageThreshold, m.handleMissingMessage)
	return m
}

// URL returns the endpoint of the underlying connection
func (m *Multiplexer) URL() string {
	return m.url
}

// Len returns the number of registered subscriptions
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

// Has reports whether key is registered
func (m *Multiplexer) Has(key Key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.subs[key]
	return ok
}

// Add registers a subscription and subscribes right away when the connection
// is open. Otherwise the subscribe goes out on the next fresh connect.
func (m *Multiplexer) Add(key Key, h Handlers) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subs[key]; ok {
		m.logger.Error().Str("key", key.String()).Msg("Subscription already exists")
		return fmt.Errorf("%w: %s", ErrDuplicateSubscription, key)
	}

	e := &entry{key: key, handlers: h}
	m.subs[key] = e
	metrics.SubscriptionsActive.WithLabelValues(m.url).Set(float64(len(m.subs)))

	m.subscribeLocked(e)
	return nil
}

// Remove unregisters a subscription, unsubscribing on the wire if a subscribe
// was sent. Removing an unknown key is a no-op.
func (m *Multiplexer) Remove(key Key) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.subs[key]
	if !ok {
		m.logger.Debug().Str("key", key.String()).Msg("Unsubscribing from unknown subscription")
		return
	}
	delete(m.subs, key)
	metrics.SubscriptionsActive.WithLabelValues(m.url).Set(float64(len(m.subs)))

	m.unsubscribeLocked(e)
}

// Clear drops every subscription without sending anything
func (m *Multiplexer) Clear() {
	m.mu.Lock()
	m.subs = make(map[Key]*entry)
	m.mu.Unlock()
	metrics.SubscriptionsActive.WithLabelValues(m.url).Set(0)
}

// HandleFreshConnect resubscribes every registered entry exactly once
func (m *Multiplexer) HandleFreshConnect() {
	m.detector.Reset()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.conn.IsOpen() {
		m.logger.Error().Msg("Fresh connect callback on a closed connection")
		return
	}

	m.logger.Info().Int("subscriptions", len(m.subs)).Msg("Fresh connect, resubscribing")
	for _, e := range m.subs {
		e.sentSubscribe = false
		e.receivedBaseData = false
		m.subscribeLocked(e)
	}
}

// HandleMessage decodes one inbound frame and dispatches it
func (m *Multiplexer) HandleMessage(data []byte) {
	msg, err := Decode(data)
	if err != nil {
		reason := "decode"
		if errors.Is(err, ErrUnknownMessageType) {
			reason = "unknown_type"
		}
		metrics.MessageErrors.WithLabelValues(reason).Inc()
		m.logger.Error().Err(err).Bytes("frame", truncate(data, 512)).Msg("Failed to decode message")
		return
	}

	if errMsg, ok := msg.(*ErrorMessage); ok {
		metrics.RecordMessage(errMsg.Channel, string(TypeError))
		m.handleError(errMsg)
		return
	}

	if m.detector.Observe(msg.ID()) {
		return
	}

	switch v := msg.(type) {
	case *Connected:
		metrics.RecordMessage("", string(TypeConnected))
		m.logger.Debug().Str("connection_id", v.ConnectionID).Msg("Connected")

	case *Subscribed:
		metrics.RecordMessage(v.Channel, string(TypeSubscribed))
		key := Key{Channel: v.Channel, ID: v.Key}
		m.mu.Lock()
		e, ok := m.subs[key]
		if ok {
			e.receivedBaseData = true
		}
		m.mu.Unlock()
		if !ok {
			m.logger.Debug().Str("key", key.String()).Msg("Base data for unknown subscription")
			return
		}
		m.dispatch(key, func() {
			if e.handlers.HandleBaseData != nil {
				e.handlers.HandleBaseData(v.Contents, v)
			}
		})

	case *ChannelData:
		metrics.RecordMessage(v.Channel, string(TypeChannelData))
		meta := UpdateMeta{
			Type:             TypeChannelData,
			MessageID:        v.MessageID,
			Channel:          v.Channel,
			Key:              v.Key,
			Version:          v.Version,
			SubaccountNumber: v.SubaccountNumber,
		}
		m.deliverUpdates(Key{Channel: v.Channel, ID: v.Key}, []json.RawMessage{v.Contents}, meta)

	case *ChannelBatchData:
		metrics.RecordMessage(v.Channel, string(TypeChannelBatchData))
		meta := UpdateMeta{
			Type:             TypeChannelBatchData,
			MessageID:        v.MessageID,
			Channel:          v.Channel,
			Key:              v.Key,
			Version:          v.Version,
			SubaccountNumber: v.SubaccountNumber,
		}
		m.deliverUpdates(Key{Channel: v.Channel, ID: v.Key}, v.Contents, meta)

	case *Unsubscribed:
		metrics.RecordMessage(v.Channel, string(TypeUnsubscribed))
		m.logger.Debug().Str("key", Key{Channel: v.Channel, ID: v.Key}.String()).Msg("Unsubscribed")
	}
}

// InjectFakeMessage routes a synthetic update through the regular dispatch
// path of a registered subscription.
func (m *Multiplexer) InjectFakeMessage(key Key, contents json.RawMessage) {
	meta := UpdateMeta{
		Type:      TypeFakeInjection,
		MessageID: m.now().UnixMilli(),
		Channel:   key.Channel,
		Key:       key.ID,
	}
	m.deliverUpdates(key, []json.RawMessage{contents}, meta)
}

func (m *Multiplexer) deliverUpdates(key Key, updates []json.RawMessage, meta UpdateMeta) {
	m.mu.Lock()
	e, ok := m.subs[key]
	m.mu.Unlock()
	if !ok {
		m.logger.Debug().Str("key", key.String()).Str("type", string(meta.Type)).Msg("Update for unknown subscription")
		return
	}
	m.dispatch(key, func() {
		if e.handlers.HandleUpdates != nil {
			e.handlers.HandleUpdates(updates, meta)
		}
	})
}

// dispatch runs a handler outside the registry lock and contains its panics
func (m *Multiplexer) dispatch(key Key, fn func()) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DispatchDuration, key.Channel)
	defer func() {
		if r := recover(); r != nil {
			metrics.MessageErrors.WithLabelValues("handler_panic").Inc()
			m.logger.Error().
				Str("key", key.String()).
				Interface("panic", r).
				Msg("Subscription handler panicked")
		}
	}()
	fn()
}

func (m *Multiplexer) handleError(msg *ErrorMessage) {
	if m.maybeRetryFetchError(msg) || m.maybeFixDuplicate(msg) {
		return
	}
	m.logger.Error().
		Str("message", msg.Message).
		Str("channel", msg.Channel).
		Str("id", msg.Key).
		Msg("Server error")
}

func (m *Multiplexer) maybeRetryFetchError(msg *ErrorMessage) bool {
	if !strings.HasPrefix(msg.Message, fetchErrorPrefix) {
		return false
	}
	if !strings.HasPrefix(msg.Channel, retryChannelPrefix) {
		return false
	}
	key := Key{Channel: msg.Channel, ID: msg.Key}
	return m.retry(key, "fetch_error", func(e *entry) *time.Time { return &e.lastRetryBecauseError })
}

func (m *Multiplexer) maybeFixDuplicate(msg *ErrorMessage) bool {
	if !strings.HasPrefix(msg.Message, duplicateErrorPrefix) {
		return false
	}
	key, ok := ParseDuplicateKey(msg.Message)
	if !ok || !strings.HasPrefix(key.Channel, retryChannelPrefix) {
		return false
	}
	return m.retry(key, "duplicate", func(e *entry) *time.Time { return &e.lastRetryBecauseDuplicate })
}

// retry refreshes a subscription that has no base data yet, at most once per
// cooldown window. It reports whether the key was known.
func (m *Multiplexer) retry(key Key, reason string, last func(*entry) *time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.subs[key]
	if !ok {
		return false
	}

	now := m.now()
	lastRetry := last(e)
	elapsed := now.Sub(*lastRetry)
	if !e.receivedBaseData && (lastRetry.IsZero() || elapsed >= m.cooldown) {
		*lastRetry = now
		m.unsubscribeLocked(e)
		m.subscribeLocked(e)
		metrics.SubscriptionRetries.WithLabelValues(key.Channel, reason).Inc()
		m.logger.Info().Str("key", key.String()).Str("reason", reason).Msg("Subscription error, resubscribing")
		return true
	}

	m.logger.Error().
		Str("key", key.String()).
		Str("reason", reason).
		Bool("has_base_data", e.receivedBaseData).
		Dur("since_last_retry", elapsed).
		Msg("Subscription error, not retrying")
	return true
}

// ParseDuplicateKey extracts the subscription key from a duplicate-subscribe
// error text. An id equal to the channel means the channel has no id.
func ParseDuplicateKey(text string) (Key, bool) {
	match := duplicateKeyPattern.FindStringSubmatch(text)
	if match == nil {
		return Key{}, false
	}
	key := Key{Channel: match[1], ID: match[2]}
	if key.ID == key.Channel {
		key.ID = ""
	}
	return key, true
}

func (m *Multiplexer) subscribeLocked(e *entry) {
	e.sentSubscribe = false
	e.receivedBaseData = false
	if !m.conn.IsOpen() {
		return
	}

	data, err := EncodeSubscribe(e.key)
	if err != nil {
		m.logger.Error().Err(err).Str("key", e.key.String()).Msg("Failed to encode subscribe")
		return
	}
	if err := m.conn.Send(data); err != nil {
		m.logger.Warn().Err(err).Str("key", e.key.String()).Msg("Failed to send subscribe")
		return
	}
	e.sentSubscribe = true
	if e.firstSubscribedAt.IsZero() {
		e.firstSubscribedAt = m.now()
	}
}

func (m *Multiplexer) unsubscribeLocked(e *entry) {
	if !m.conn.IsOpen() || !e.sentSubscribe {
		return
	}

	data, err := EncodeUnsubscribe(e.key)
	if err != nil {
		m.logger.Error().Err(err).Str("key", e.key.String()).Msg("Failed to encode unsubscribe")
		return
	}
	if err := m.conn.Send(data); err != nil {
		m.logger.Warn().Err(err).Str("key", e.key.String()).Msg("Failed to send unsubscribe")
		return
	}
	e.sentSubscribe = false
}

func (m *Multiplexer) handleMissingMessage() {
	metrics.MissingMessages.WithLabelValues(m.url).Inc()
	m.logger.Error().Msg("Missed message detected, restarting connection")
	m.conn.Restart()
}

func truncate(data []byte, n int) []byte {
	if len(data) <= n {
		return data
	}
	return data[:n]
}
