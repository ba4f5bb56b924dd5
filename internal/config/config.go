package config

import "time"

// Config is the root configuration for a quotecache instance.
type Config struct {
	Instance      InstanceConfig      `yaml:"instance"`
	Upstream      UpstreamConfig      `yaml:"upstream"`
	Session       SessionConfig       `yaml:"session"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	Server        ServerConfig        `yaml:"server"`
	Archive       ArchiveConfig       `yaml:"archive"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// InstanceConfig identifies this process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// UpstreamConfig holds the price provider endpoints and credentials.
type UpstreamConfig struct {
	RestURL      string        `yaml:"rest_url"`
	WSURL        string        `yaml:"ws_url"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	PasswordFile string        `yaml:"password_file"` // Used when password is empty
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
}

// SessionConfig holds streaming session protocol settings.
type SessionConfig struct {
	HandshakeTimeout    time.Duration `yaml:"handshake_timeout"`
	HeartbeatInterval   time.Duration `yaml:"heartbeat_interval"`
	MaxMissedHeartbeats int           `yaml:"max_missed_heartbeats"`
	AckTimeout          time.Duration `yaml:"ack_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	ReconnectBaseDelay  time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay   time.Duration `yaml:"reconnect_max_delay"`
	UpdateBufferSize    int           `yaml:"update_buffer_size"`
	QueueSize           int           `yaml:"queue_size"`
}

// SubscriptionsConfig holds the subscription cache policy.
//
// TTL is the only value that must be chosen by an operator. RefreshMargin,
// IdleThreshold and WarmInterval are derived from it when left at zero.
// Besides Go duration strings they accept bare integers as seconds, the
// form WS_SUBSCRIPTION_TTL uses.
type SubscriptionsConfig struct {
	Enabled       *bool         `yaml:"enabled"`
	TTL           time.Duration `yaml:"ttl"`
	RefreshMargin time.Duration `yaml:"refresh_margin"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	WarmInterval  time.Duration `yaml:"warm_interval"`
	Concurrency   int           `yaml:"concurrency"`
}

// StreamingEnabled reports whether symbols should be subscribed on the stream.
func (s SubscriptionsConfig) StreamingEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// ServerConfig holds the inbound HTTP query interface settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	MaxAge          time.Duration `yaml:"max_age"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ArchiveConfig controls persistence of applied updates to PostgreSQL.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}
