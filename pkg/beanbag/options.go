package beanbag

import (
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// ClientOption configures a Client.
type ClientOption func(*clientConfig) error

// clientConfig holds the configuration for a Client.
type clientConfig struct {
	baseURL           string
	wsURL             string
	httpClient        *http.Client
	logger            *slog.Logger
	handshakeTimeout  time.Duration
	keepaliveInterval time.Duration
	staleThreshold    time.Duration
	backoffMin        time.Duration
	backoffMax        time.Duration
}

// defaultConfig returns the default client configuration.
func defaultConfig() *clientConfig {
	return &clientConfig{
		baseURL:           DefaultBaseURL,
		wsURL:             DefaultWSURL,
		httpClient:        &http.Client{Timeout: 10 * time.Second},
		logger:            nil,
		handshakeTimeout:  10 * time.Second,
		keepaliveInterval: 45 * time.Second,
		staleThreshold:    180 * time.Second,
		backoffMin:        1 * time.Second,
		backoffMax:        30 * time.Second,
	}
}

// WithBaseURL overrides the HTTPS endpoint used for login.
func WithBaseURL(url string) ClientOption {
	return func(c *clientConfig) error {
		if url == "" {
			return errors.New("base URL must not be empty")
		}
		c.baseURL = url
		return nil
	}
}

// WithWSURL overrides the WebSocket endpoint.
func WithWSURL(url string) ClientOption {
	return func(c *clientConfig) error {
		if url == "" {
			return errors.New("websocket URL must not be empty")
		}
		c.wsURL = url
		return nil
	}
}

// WithHTTPClient sets the HTTP client used for login.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *clientConfig) error {
		if hc == nil {
			return errors.New("http client must not be nil")
		}
		c.httpClient = hc
		return nil
	}
}

// WithLogger sets a structured logger for debug and error logging.
// By default, no logging is performed.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *clientConfig) error {
		c.logger = logger
		return nil
	}
}

// WithHandshakeTimeout sets the WebSocket handshake timeout.
// Default is 10 seconds.
func WithHandshakeTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if d <= 0 {
			return errors.New("handshake timeout must be positive")
		}
		c.handshakeTimeout = d
		return nil
	}
}

// WithKeepaliveInterval sets the cadence of the application-layer time
// tick. Default is 45 seconds.
func WithKeepaliveInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if d <= 0 {
			return errors.New("keepalive interval must be positive")
		}
		c.keepaliveInterval = d
		return nil
	}
}

// WithStaleThreshold sets how long the connection may go without any
// inbound frame before it is considered dead and reconnected.
// Default is 180 seconds.
func WithStaleThreshold(d time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if d <= 0 {
			return errors.New("stale threshold must be positive")
		}
		c.staleThreshold = d
		return nil
	}
}

// WithReconnectBackoff sets the exponential backoff bounds for reconnect
// attempts. Defaults are 1s base and 30s cap.
func WithReconnectBackoff(min, max time.Duration) ClientOption {
	return func(c *clientConfig) error {
		if min <= 0 || max < min {
			return errors.New("backoff bounds must satisfy 0 < min <= max")
		}
		c.backoffMin = min
		c.backoffMax = max
		return nil
	}
}
