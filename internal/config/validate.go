package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if c.Upstream.RestURL == "" {
		return errors.New("upstream.rest_url is required")
	}
	if c.Subscriptions.StreamingEnabled() && c.Upstream.WSURL == "" {
		return errors.New("upstream.ws_url is required when subscriptions are enabled")
	}
	if c.Upstream.Username == "" {
		return errors.New("upstream.username is required")
	}
	if c.Upstream.Password == "" && c.Upstream.PasswordFile == "" {
		return errors.New("upstream.password or upstream.password_file is required")
	}
	if c.Upstream.MaxRetries < 0 {
		return errors.New("upstream.max_retries must be >= 0")
	}

	if c.Session.MaxMissedHeartbeats < 1 {
		return errors.New("session.max_missed_heartbeats must be >= 1")
	}
	if c.Session.ReconnectBaseDelay > c.Session.ReconnectMaxDelay {
		return fmt.Errorf("session.reconnect_base_delay (%s) cannot exceed reconnect_max_delay (%s)",
			c.Session.ReconnectBaseDelay, c.Session.ReconnectMaxDelay)
	}
	if c.Session.UpdateBufferSize < 1 {
		return errors.New("session.update_buffer_size must be >= 1")
	}
	if c.Session.QueueSize < 1 {
		return errors.New("session.queue_size must be >= 1")
	}

	if err := c.Subscriptions.validate(); err != nil {
		return err
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

func (s *SubscriptionsConfig) validate() error {
	if s.TTL <= 0 {
		return errors.New("subscriptions.ttl must be > 0")
	}
	if s.RefreshMargin <= 0 || s.RefreshMargin >= s.TTL {
		return fmt.Errorf("subscriptions.refresh_margin (%s) must be between 0 and ttl (%s)", s.RefreshMargin, s.TTL)
	}
	if s.WarmInterval <= 0 || s.WarmInterval >= s.TTL {
		return fmt.Errorf("subscriptions.warm_interval (%s) must be between 0 and ttl (%s)", s.WarmInterval, s.TTL)
	}
	if s.IdleThreshold <= s.TTL-s.RefreshMargin {
		return fmt.Errorf("subscriptions.idle_threshold (%s) must exceed ttl - refresh_margin (%s)",
			s.IdleThreshold, s.TTL-s.RefreshMargin)
	}
	if s.Concurrency < 1 {
		return errors.New("subscriptions.concurrency must be >= 1")
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
