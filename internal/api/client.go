package api

import (
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/quotecache/internal/auth"
	"github.com/rickgao/quotecache/internal/version"
)

// Client provides access to the upstream REST API.
type Client struct {
	baseURL    string
	creds      *auth.Credentials
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger

	maxRetries   int
	retryBackoff time.Duration

	// Collapses concurrent fetches of one symbol.
	inflight singleflight.Group
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new REST API client. creds may be nil for
// unauthenticated endpoints.
func NewClient(baseURL string, creds *auth.Credentials, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:   baseURL,
		creds:     creds,
		userAgent: version.UserAgent(),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:       slog.Default(),
		maxRetries:   3,
		retryBackoff: time.Second,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetries sets the retry configuration.
func WithRetries(max int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		c.maxRetries = max
		c.retryBackoff = backoff
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Client) {
		c.userAgent = ua
	}
}
