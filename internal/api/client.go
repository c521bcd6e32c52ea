package api

import (
	"context"
	"crypto/tls"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the local Client Portal gateway.
const DefaultBaseURL = "https://localhost:5000/v1/api"

// Client provides access to the gateway REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger

	policy   RetryPolicy
	pageSize int
	sleep    func(context.Context, time.Duration) error
	jitter   func() float64
	observer func(Transition)
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// NewClient creates a new gateway client.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:   slog.Default(),
		policy:   DefaultRetryPolicy(),
		pageSize: DefaultPageSize,
		sleep:    sleepContext,
		jitter:   rand.Float64,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// WithTimeout sets the per-attempt HTTP timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithRetryPolicy sets attempt count and backoff bounds.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.policy = p
	}
}

// WithPageSize sets the page size of paged endpoints. A page shorter than
// this ends pagination.
func WithPageSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.pageSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithInsecureSkipVerify accepts the gateway's self-signed certificate.
func WithInsecureSkipVerify(skip bool) ClientOption {
	return func(c *Client) {
		if !skip {
			return
		}
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local gateway, self-signed
		c.httpClient.Transport = t
	}
}

// WithSleeper replaces the backoff sleep, mainly for tests.
func WithSleeper(fn func(context.Context, time.Duration) error) ClientOption {
	return func(c *Client) {
		c.sleep = fn
	}
}

// WithJitterSource replaces the uniform [0,1) source used for jitter.
func WithJitterSource(fn func() float64) ClientOption {
	return func(c *Client) {
		c.jitter = fn
	}
}

// WithObserver receives every call state transition.
func WithObserver(fn func(Transition)) ClientOption {
	return func(c *Client) {
		c.observer = fn
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
