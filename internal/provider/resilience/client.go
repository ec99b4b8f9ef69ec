package resilience

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
)

// Predefined errors for resilient operations.
var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// DefaultRetryStatuses are the statuses retried with backoff: the AEMET rate
// limit plus gateway failures in front of it.
var DefaultRetryStatuses = []int{
	http.StatusTooManyRequests,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// ClientConfig holds configuration for the resilient HTTP client.
type ClientConfig struct {
	// Name identifies this client for circuit breaker naming.
	Name string

	// ConnectTimeout bounds TCP connection establishment.
	// Default: 2 seconds
	ConnectTimeout time.Duration

	// ReadTimeout bounds the wait for response headers once connected.
	// Default: 5 seconds
	ReadTimeout time.Duration

	// MaxRetries is the maximum number of retry attempts after the first one.
	// Default: 3
	MaxRetries uint64

	// BackoffFactor is the first backoff interval; each retry doubles it.
	// Default: 3 seconds
	BackoffFactor time.Duration

	// MaxInterval caps a single backoff interval.
	// Default: 1 minute
	MaxInterval time.Duration

	// RetryStatuses lists HTTP statuses worth retrying.
	// Default: DefaultRetryStatuses
	RetryStatuses []int

	// CircuitBreaker is the circuit breaker configuration.
	// If nil, uses DefaultCircuitBreakerConfig.
	CircuitBreaker *CircuitBreakerConfig

	// Logger receives retry notices.
	Logger zerolog.Logger
}

// DefaultClientConfig returns the retry policy of the AEMET downloader.
func DefaultClientConfig(name string) ClientConfig {
	cbConfig := DefaultCircuitBreakerConfig(name)
	return ClientConfig{
		Name:           name,
		ConnectTimeout: 2 * time.Second,
		ReadTimeout:    5 * time.Second,
		MaxRetries:     3,
		BackoffFactor:  3 * time.Second,
		MaxInterval:    time.Minute,
		RetryStatuses:  slices.Clone(DefaultRetryStatuses),
		CircuitBreaker: &cbConfig,
	}
}

// Client is a resilient HTTP client with circuit breaker and retry logic.
// It holds one pooled http.Client for its whole lifetime.
type Client struct {
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker[*http.Response]
	openTimeout    time.Duration
	openedAt       atomic.Int64
	config         ClientConfig
	logger         zerolog.Logger
}

// NewClient creates a new resilient HTTP client.
func NewClient(cfg ClientConfig) *Client {
	// Set defaults
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 2 * time.Second
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Second
	}
	if cfg.BackoffFactor == 0 {
		cfg.BackoffFactor = 3 * time.Second
	}
	if cfg.MaxInterval == 0 {
		cfg.MaxInterval = time.Minute
	}
	if cfg.RetryStatuses == nil {
		cfg.RetryStatuses = slices.Clone(DefaultRetryStatuses)
	}

	cbConfig := DefaultCircuitBreakerConfig(cfg.Name)
	if cfg.CircuitBreaker != nil {
		cbConfig = *cfg.CircuitBreaker
	}
	if cbConfig.Timeout <= 0 {
		cbConfig.Timeout = 60 * time.Second
	}

	c := &Client{
		openTimeout: cbConfig.Timeout,
		config:      cfg,
		logger:      cfg.Logger,
	}

	notify := cbConfig.OnStateChange
	cbConfig.OnStateChange = func(name string, from, to gobreaker.State) {
		if to == gobreaker.StateOpen {
			c.openedAt.Store(time.Now().UnixNano())
		}
		if notify != nil {
			notify(name, from, to)
			return
		}
		cfg.Logger.Warn().
			Str("breaker", name).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("circuit breaker state changed")
	}
	c.circuitBreaker = NewCircuitBreaker[*http.Response](cbConfig, cfg.Logger) //nolint:bodyclose // type param, not response

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.ResponseHeaderTimeout = cfg.ReadTimeout

	c.httpClient = &http.Client{Transport: transport}
	return c
}

// Do executes an HTTP request with circuit breaker protection and retry logic.
// Network errors and RetryStatuses are retried with exponential backoff.
// When retries are exhausted on a retryable status, the last response is
// returned without error so the caller can classify it.
//
// An open breaker does not fail the request: Do waits until the breaker
// turns half-open and tries once more. Only a breaker that opens again
// during the same call yields ErrCircuitOpen.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.DoWithContext(req.Context(), req)
}

// DoWithContext executes an HTTP request with the given context.
func (c *Client) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := c.retry(ctx, req)
	if !errors.Is(err, ErrCircuitOpen) {
		return resp, err
	}

	wait := c.untilHalfOpen()
	c.logger.Info().
		Str("url", redact(req)).
		Dur("wait", wait).
		Msg("circuit breaker open, waiting")
	if err := sleep(ctx, wait); err != nil {
		return nil, err
	}
	return c.retry(ctx, req)
}

// untilHalfOpen is how long the breaker stays open from now.
func (c *Client) untilHalfOpen() time.Duration {
	opened := c.openedAt.Load()
	if opened == 0 {
		return c.openTimeout
	}
	// A little past the deadline so the breaker has flipped when we call.
	wait := time.Until(time.Unix(0, opened).Add(c.openTimeout)) + 10*time.Millisecond
	if wait < 0 {
		return 0
	}
	return wait
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) retry(ctx context.Context, req *http.Request) (*http.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.config.BackoffFactor
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = c.config.MaxInterval
	bo.MaxElapsedTime = 0 // Unlimited, we control retries via WithMaxRetries

	backoffWithRetries := backoff.WithMaxRetries(bo, c.config.MaxRetries)
	backoffWithContext := backoff.WithContext(backoffWithRetries, ctx)

	var lastResp *http.Response

	operation := func() error {
		resp, err := c.circuitBreaker.Execute(func() (*http.Response, error) { //nolint:bodyclose // caller is responsible for closing
			reqClone := req.Clone(ctx)
			r, err := c.httpClient.Do(reqClone)
			if err != nil {
				return nil, err
			}

			// Retryable statuses count as breaker failures
			if c.retryable(r.StatusCode) {
				return r, &StatusError{StatusCode: r.StatusCode}
			}

			return r, nil
		})

		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(ErrCircuitOpen)
			}

			if resp != nil {
				discard(lastResp)
				lastResp = resp
			}
			return err
		}

		discard(lastResp)
		lastResp = resp
		return nil
	}

	notify := func(err error, wait time.Duration) {
		c.logger.Debug().
			Err(err).
			Str("url", redact(req)).
			Dur("backoff", wait).
			Msg("retrying request")
	}

	err := backoff.RetryNotify(operation, backoffWithContext, notify)
	if err != nil {
		var statusErr *StatusError
		if lastResp != nil && errors.As(err, &statusErr) {
			return lastResp, nil
		}
		discard(lastResp)
		return nil, err
	}

	return lastResp, nil
}

func (c *Client) retryable(status int) bool {
	return slices.Contains(c.config.RetryStatuses, status)
}

// IsRetryable reports whether status is retried by this client.
func (c *Client) IsRetryable(status int) bool {
	return c.retryable(status)
}

// discard drains and closes the body of a response that will not be returned.
func discard(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// redact drops the query string, which carries the API key.
func redact(req *http.Request) string {
	u := *req.URL
	u.RawQuery = ""
	return u.String()
}

// StatusError reports a retryable HTTP status.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return "retryable status " + strconv.Itoa(e.StatusCode) + ": " + http.StatusText(e.StatusCode)
}

// CircuitBreakerState returns the current state of the circuit breaker.
func (c *Client) CircuitBreakerState() gobreaker.State {
	return c.circuitBreaker.State()
}

// CircuitBreakerCounts returns the current counts of the circuit breaker.
func (c *Client) CircuitBreakerCounts() gobreaker.Counts {
	return c.circuitBreaker.Counts()
}
