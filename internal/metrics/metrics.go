package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics for the account and market sync service
var (
	// Connection metrics
	ConnectionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_connection_status",
			Help: "WebSocket connection status (1=open, 0=not open)",
		},
		[]string{"url"},
	)

	ConnectionReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_reconnects_total",
			Help: "Total number of scheduled reconnect attempts",
		},
		[]string{"url"},
	)

	ConnectionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_connection_errors_total",
			Help: "Total number of connection errors",
		},
		[]string{"url", "error_type"},
	)

	ReconnectDelay = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpsync_reconnect_delay_seconds",
			Help:    "Backoff delay applied before a reconnect",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"url"},
	)

	// Channel metrics
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_messages_received_total",
			Help: "Total number of stream messages received by type",
		},
		[]string{"channel", "type"},
	)

	MessageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_message_errors_total",
			Help: "Total number of stream messages that failed to decode or dispatch",
		},
		[]string{"reason"},
	)

	SubscriptionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_subscriptions_active",
			Help: "Number of registered channel subscriptions",
		},
		[]string{"url"},
	)

	SubscriptionRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_subscription_retries_total",
			Help: "Total number of subscription re-sends after a server error",
		},
		[]string{"channel", "reason"},
	)

	MissingMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_missing_messages_total",
			Help: "Total number of message id gaps detected",
		},
		[]string{"url"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpsync_dispatch_duration_seconds",
			Help:    "Time to run subscription handlers for one message",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"channel"},
	)

	// Resource cache metrics
	ResourcesLive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_resources_live",
			Help: "Number of live entries in a resource cache",
		},
		[]string{"cache"},
	)

	// Orderbook metrics
	OrderbookDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_orderbook_depth",
			Help: "Current orderbook depth (number of levels)",
		},
		[]string{"market", "side"},
	)

	OrderbookSpread = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_orderbook_spread_percent",
			Help: "Current bid-ask spread as a percent of mid",
		},
		[]string{"market"},
	)

	OrderbookUncrossed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_orderbook_uncrossed_levels_total",
			Help: "Total number of crossed levels dropped while uncrossing",
		},
		[]string{"market"},
	)

	// Account metrics
	AccountEquity = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_account_equity",
			Help: "Grouped equity of the parent subaccount",
		},
		[]string{"address", "parent"},
	)

	AccountMarginUsage = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "perpsync_account_margin_usage",
			Help: "Margin usage of the parent subaccount",
		},
		[]string{"address", "parent"},
	)

	// Redis metrics
	RedisPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpsync_redis_publish_duration_seconds",
			Help:    "Time to publish message to Redis",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"channel"},
	)

	RedisPublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_redis_publish_errors_total",
			Help: "Total number of Redis publish errors",
		},
		[]string{"channel"},
	)

	RedisPublishSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_redis_publish_throttled_total",
			Help: "Total number of publishes dropped by the per-key throttle",
		},
		[]string{"channel"},
	)

	// REST metrics
	RestFetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "perpsync_rest_fetch_duration_seconds",
			Help:    "Time to fetch data from the indexer REST API",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"query"},
	)

	RestFetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "perpsync_rest_fetch_errors_total",
			Help: "Total number of indexer REST fetch errors",
		},
		[]string{"query"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordConnectionStatus records connection status
func RecordConnectionStatus(url string, open bool) {
	status := 0.0
	if open {
		status = 1.0
	}
	ConnectionStatus.WithLabelValues(url).Set(status)
}

// RecordReconnect records a scheduled reconnect and its delay
func RecordReconnect(url string, delay time.Duration) {
	ConnectionReconnects.WithLabelValues(url).Inc()
	ReconnectDelay.WithLabelValues(url).Observe(delay.Seconds())
}

// RecordConnectionError records a connection error
func RecordConnectionError(url, errorType string) {
	ConnectionErrors.WithLabelValues(url, errorType).Inc()
}

// RecordMessage records a received stream message
func RecordMessage(channel, msgType string) {
	MessagesReceived.WithLabelValues(channel, msgType).Inc()
}

// RecordOrderbook records depth and spread for a processed orderbook
func RecordOrderbook(market string, bidDepth, askDepth int, spreadPercent float64, hasSpread bool) {
	OrderbookDepth.WithLabelValues(market, "bid").Set(float64(bidDepth))
	OrderbookDepth.WithLabelValues(market, "ask").Set(float64(askDepth))
	if hasSpread {
		OrderbookSpread.WithLabelValues(market).Set(spreadPercent)
	}
}

// RecordAccount records the grouped account figures
func RecordAccount(address, parent string, equity float64, marginUsage float64, hasMarginUsage bool) {
	AccountEquity.WithLabelValues(address, parent).Set(equity)
	if hasMarginUsage {
		AccountMarginUsage.WithLabelValues(address, parent).Set(marginUsage)
	}
}

// Server starts the Prometheus metrics HTTP server
type Server struct {
	addr   string
	server *http.Server
}

// NewServer creates a new metrics server. healthy reports whether the
// service should answer /health with 200.
func NewServer(addr string, healthy func() bool) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil && !healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("DEGRADED"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler exposes the server mux, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server
func (s *Server) Start() error {
	log.Info().Str("addr", s.addr).Msg("Starting metrics server")
	return s.server.ListenAndServe()
}

// Stop stops the metrics server gracefully
func (s *Server) Stop() error {
	return s.server.Close()
}
