package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultRestURL             = "https://tools.dxfeed.com/webservice/rest"
	DefaultWSURL               = "wss://tools.dxfeed.com/webservice/cometd"
	DefaultUpstreamTimeout     = 30 * time.Second
	DefaultMaxRetries          = 3
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultHeartbeatInterval   = 30 * time.Second
	DefaultMaxMissedHeartbeats = 3
	DefaultAckTimeout          = 10 * time.Second
	DefaultWriteTimeout        = 5 * time.Second
	DefaultReconnectBaseDelay  = 1 * time.Second
	DefaultReconnectMaxDelay   = 60 * time.Second
	DefaultUpdateBufferSize    = 10000
	DefaultQueueSize           = 10000
	DefaultTTL                 = 300 * time.Second
	DefaultWarmConcurrency     = 10
	DefaultServerPort          = 8080
	DefaultMaxAge              = 30 * time.Second
	DefaultServerReadTimeout   = 15 * time.Second
	DefaultServerWriteTimeout  = 15 * time.Second
	DefaultShutdownTimeout     = 30 * time.Second
	DefaultDBPort              = 5432
	DefaultDBSSLMode           = "prefer"
	DefaultMaxConns            = 10
	DefaultMinConns            = 2
	DefaultBatchSize           = 1000
	DefaultFlushInterval       = 1 * time.Second
	DefaultBufferSize          = 10000
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "text"
)

// Ratios used to derive the subscription policy from the TTL.
const (
	RefreshMarginDivisor = 3 // refresh_margin = ttl / 3
	IdleThresholdFactor  = 2 // idle_threshold = ttl * 2
	WarmIntervalDivisor  = 3 // warm_interval = ttl / 3
)

func (c *Config) applyDefaults() {
	// Upstream defaults
	if c.Upstream.RestURL == "" {
		c.Upstream.RestURL = DefaultRestURL
	}
	if c.Upstream.WSURL == "" {
		c.Upstream.WSURL = DefaultWSURL
	}
	if c.Upstream.Timeout == 0 {
		c.Upstream.Timeout = DefaultUpstreamTimeout
	}
	if c.Upstream.MaxRetries == 0 {
		c.Upstream.MaxRetries = DefaultMaxRetries
	}

	// Session defaults
	if c.Session.HandshakeTimeout == 0 {
		c.Session.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Session.HeartbeatInterval == 0 {
		c.Session.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Session.MaxMissedHeartbeats == 0 {
		c.Session.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
	}
	if c.Session.AckTimeout == 0 {
		c.Session.AckTimeout = DefaultAckTimeout
	}
	if c.Session.WriteTimeout == 0 {
		c.Session.WriteTimeout = DefaultWriteTimeout
	}
	if c.Session.ReconnectBaseDelay == 0 {
		c.Session.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if c.Session.ReconnectMaxDelay == 0 {
		c.Session.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if c.Session.UpdateBufferSize == 0 {
		c.Session.UpdateBufferSize = DefaultUpdateBufferSize
	}
	if c.Session.QueueSize == 0 {
		c.Session.QueueSize = DefaultQueueSize
	}

	// Subscription policy, derived from the TTL
	if c.Subscriptions.TTL == 0 {
		c.Subscriptions.TTL = DefaultTTL
	}
	ttl := c.Subscriptions.TTL
	if c.Subscriptions.RefreshMargin == 0 {
		c.Subscriptions.RefreshMargin = ttl / RefreshMarginDivisor
	}
	if c.Subscriptions.IdleThreshold == 0 {
		c.Subscriptions.IdleThreshold = ttl * IdleThresholdFactor
	}
	if c.Subscriptions.WarmInterval == 0 {
		c.Subscriptions.WarmInterval = ttl / WarmIntervalDivisor
	}
	if c.Subscriptions.Concurrency == 0 {
		c.Subscriptions.Concurrency = DefaultWarmConcurrency
	}

	// Server defaults
	if c.Server.Port == 0 {
		c.Server.Port = DefaultServerPort
	}
	if c.Server.MaxAge == 0 {
		c.Server.MaxAge = DefaultMaxAge
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultServerReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultServerWriteTimeout
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultBufferSize
	}

	// Logging defaults
	if c.Logging.Level == "" {
		c.Logging.Level = DefaultLogLevel
	}
	if c.Logging.Format == "" {
		c.Logging.Format = DefaultLogFormat
	}
}

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
