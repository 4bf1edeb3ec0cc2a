package publisher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"perp-sync/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const (
	marketsInfoKey   = "markets:info"
	marketsActiveKey = "markets:active"
)

// Options controls key lifetimes and orderbook throttling
type Options struct {
	// Source tags every envelope, usually the process instance id
	Source     string
	AccountTTL time.Duration
	MarketsTTL time.Duration
	// OrderbookInterval is the minimum gap between two publishes of one market
	OrderbookInterval time.Duration
	StreamMaxLen      int64
	BookDepth         int
}

// DefaultOptions returns the publisher defaults
func DefaultOptions() Options {
	return Options{
		AccountTTL:        5 * time.Minute,
		MarketsTTL:        5 * time.Minute,
		OrderbookInterval: 250 * time.Millisecond,
		StreamMaxLen:      1000,
		BookDepth:         50,
	}
}

// RedisPublisher writes derived snapshots to Redis keys, streams and Pub/Sub
type RedisPublisher struct {
	client *redis.Client
	opts   Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter

	now func() time.Time
}

// NewRedisPublisher connects to addr and pings it
func NewRedisPublisher(ctx context.Context, addr string, opts Options) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewWithClient(client, opts), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client, opts Options) *RedisPublisher {
	if opts.StreamMaxLen <= 0 {
		opts.StreamMaxLen = DefaultOptions().StreamMaxLen
	}
	return &RedisPublisher{
		client:   client,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// Client returns the underlying Redis client
func (p *RedisPublisher) Client() *redis.Client {
	return p.client
}

// Close closes the Redis connection
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// AccountKey is the key and channel of a parent subaccount snapshot
func AccountKey(address string, parent int) string {
	return fmt.Sprintf("account:%s:%d", address, parent)
}

// OrderbookKey is the stream and channel of a market's orderbook
func OrderbookKey(market string) string {
	return "orderbook:" + market
}

// PublishAccount stores the account snapshot with a TTL and announces it on
// the same channel
func (p *RedisPublisher) PublishAccount(ctx context.Context, payload AccountPayload) error {
	key := AccountKey(payload.Address, payload.ParentSubaccount)
	data, err := p.encode(payload)
	if err != nil {
		return err
	}

	timer := metrics.NewTimer()
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, p.opts.AccountTTL)
		pipe.Publish(ctx, key, data)
		return nil
	})
	timer.ObserveDuration(metrics.RedisPublishDuration, "account")
	if err != nil {
		metrics.RedisPublishErrors.WithLabelValues("account").Inc()
		return fmt.Errorf("publish account %s: %w", key, err)
	}
	return nil
}

// PublishOrderbook appends the book to the market's stream and announces it.
// It reports false without writing when the market was published too
// recently.
func (p *RedisPublisher) PublishOrderbook(ctx context.Context, payload OrderbookPayload) (bool, error) {
	if !p.allow(payload.Market) {
		metrics.RedisPublishSkipped.WithLabelValues("orderbook").Inc()
		return false, nil
	}

	key := OrderbookKey(payload.Market)
	data, err := p.encode(payload)
	if err != nil {
		return false, err
	}

	timer := metrics.NewTimer()
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: key,
			MaxLen: p.opts.StreamMaxLen,
			Approx: true,
			Values: map[string]interface{}{
				"data": string(data),
			},
		})
		pipe.Publish(ctx, key, data)
		return nil
	})
	timer.ObserveDuration(metrics.RedisPublishDuration, "orderbook")
	if err != nil {
		metrics.RedisPublishErrors.WithLabelValues("orderbook").Inc()
		return false, fmt.Errorf("publish orderbook %s: %w", key, err)
	}

	log.Debug().
		Str("stream", key).
		Int("bids", len(payload.Bids)).
		Int("asks", len(payload.Asks)).
		Msg("Published orderbook")
	return true, nil
}

// PublishMarkets stores every market under one key and records the active
// tickers
func (p *RedisPublisher) PublishMarkets(ctx context.Context, payload map[string]MarketPayload) error {
	data, err := p.encode(payload)
	if err != nil {
		return err
	}

	tickers := make([]interface{}, 0, len(payload))
	for ticker := range payload {
		tickers = append(tickers, ticker)
	}

	timer := metrics.NewTimer()
	_, err = p.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, marketsInfoKey, data, p.opts.MarketsTTL)
		if len(tickers) > 0 {
			pipe.SAdd(ctx, marketsActiveKey, tickers...)
		}
		return nil
	})
	timer.ObserveDuration(metrics.RedisPublishDuration, "markets")
	if err != nil {
		metrics.RedisPublishErrors.WithLabelValues("markets").Inc()
		return fmt.Errorf("publish markets: %w", err)
	}
	return nil
}

// ForgetOrderbook drops the throttle state of a market that is no longer
// subscribed
func (p *RedisPublisher) ForgetOrderbook(market string) {
	p.mu.Lock()
	delete(p.limiters, market)
	p.mu.Unlock()
}

func (p *RedisPublisher) allow(market string) bool {
	if p.opts.OrderbookInterval <= 0 {
		return true
	}

	p.mu.Lock()
	limiter, ok := p.limiters[market]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(p.opts.OrderbookInterval), 1)
		p.limiters[market] = limiter
	}
	p.mu.Unlock()

	return limiter.AllowN(p.now(), 1)
}

func (p *RedisPublisher) encode(data any) ([]byte, error) {
	env := Envelope{
		ID:        uuid.New().String(),
		Source:    p.opts.Source,
		Timestamp: p.now().UnixMilli(),
		Data:      data,
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
