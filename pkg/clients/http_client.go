// Package clients provides the HTTP transport used by the extraction client:
// a pooled keep-alive client with HTTP/2, client-side rate limiting and a
// retry policy that only retries transient failures.
package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
)

// maxErrorBody bounds how much of a failed response body is kept for diagnostics.
const maxErrorBody = 512

const maxRedirects = 5

// RequestObserver is notified after every completed HTTP exchange.
// code is 0 when no response was received.
type RequestObserver interface {
	ObserveRequest(code int, duration time.Duration)
}

// HTTPClient is a keep-alive HTTP client bounded to a small connection pool.
type HTTPClient struct {
	config     *HTTPConfig
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport
	limiter    *rate.Limiter
	observer   RequestObserver

	total  atomic.Int64
	failed atomic.Int64
}

// HTTPConfig configures the HTTP client
type HTTPConfig struct {
	// MaxConnsPerHost bounds open connections; idle keep-alive connections use the same bound
	MaxConnsPerHost int
	IdleConnTimeout time.Duration
	EnableHTTP2     bool

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	// RequestTimeout bounds a whole request including reading the body
	RequestTimeout time.Duration
	KeepAlive      time.Duration

	// RateLimit is requests per second; 0 disables limiting
	RateLimit float64
	RateBurst int

	UserAgent string
}

// DefaultHTTPConfig returns the default configuration
func DefaultHTTPConfig() *HTTPConfig {
	return &HTTPConfig{
		MaxConnsPerHost:       5,
		IdleConnTimeout:       90 * time.Second,
		EnableHTTP2:           true,
		DialTimeout:           10 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
		RequestTimeout:        30 * time.Second,
		KeepAlive:             30 * time.Second,
		RateBurst:             1,
		UserAgent:             "ctgov-loader",
	}
}

// NewHTTPClient creates a new HTTP client. observer may be nil.
func NewHTTPClient(config *HTTPConfig, logger *zap.Logger, observer RequestObserver) *HTTPClient {
	if config == nil {
		config = DefaultHTTPConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := &HTTPClient{
		config:   config,
		logger:   logger.With(zap.String("component", "http_client")),
		observer: observer,
	}

	client.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   config.DialTimeout,
			KeepAlive: config.KeepAlive,
		}).DialContext,
		MaxIdleConns:          config.MaxConnsPerHost,
		MaxIdleConnsPerHost:   config.MaxConnsPerHost,
		MaxConnsPerHost:       config.MaxConnsPerHost,
		IdleConnTimeout:       config.IdleConnTimeout,
		TLSHandshakeTimeout:   config.TLSHandshakeTimeout,
		ResponseHeaderTimeout: config.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if config.EnableHTTP2 {
		if err := http2.ConfigureTransport(client.transport); err != nil {
			client.logger.Warn("http2_configure_failed", zap.Error(err))
		}
	}

	client.httpClient = &http.Client{
		Transport: client.transport,
		Timeout:   config.RequestTimeout,
		CheckRedirect: func(_ *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return nil
		},
	}

	if config.RateLimit > 0 {
		burst := config.RateBurst
		if burst < 1 {
			burst = 1
		}
		client.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}

	return client
}

// GetBody performs a GET and returns the body of a 2xx response. Failures are
// classified into loadererrors types: timeouts, connection failures, 429 and
// 5xx responses are retryable, any other status is not.
func (c *HTTPClient) GetBody(ctx context.Context, url string) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, loadererrors.Wrap(err, loadererrors.ErrorTypeInternal, "rate limiter wait aborted")
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, loadererrors.Wrap(err, loadererrors.ErrorTypeInternal, "failed to build request")
	}
	req.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.total.Add(1)
	start := time.Now()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.failed.Add(1)
		c.observe(0, time.Since(start))
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.failed.Add(1)
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.observe(resp.StatusCode, time.Since(start))
		return nil, loadererrors.HTTPStatus(resp.StatusCode, string(snippet)).
			WithDetail("url", url)
	}

	body, err := io.ReadAll(resp.Body)
	c.observe(resp.StatusCode, time.Since(start))
	if err != nil {
		c.failed.Add(1)
		return nil, classifyTransportError(ctx, err)
	}
	return body, nil
}

func (c *HTTPClient) observe(code int, d time.Duration) {
	if c.observer != nil {
		c.observer.ObserveRequest(code, d)
	}
}

// classifyTransportError maps a failed exchange to a loader error. Only
// timeouts and broken or refused connections are retryable; a cancelled parent
// context, a bad URL or a redirect loop fails the request outright.
func classifyTransportError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return loadererrors.Wrap(ctxErr, loadererrors.ErrorTypeInternal, "request cancelled")
	}
	var netErr net.Error
	if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
		return loadererrors.Wrap(err, loadererrors.ErrorTypeTimeout, "request timed out")
	}
	if isConnectionFailure(err) {
		return loadererrors.Wrap(err, loadererrors.ErrorTypeConnection, "connection failed")
	}
	return loadererrors.Wrap(err, loadererrors.ErrorTypeRequest, "request failed")
}

func isConnectionFailure(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF)
}

// Stats returns the number of requests issued and how many of them failed.
func (c *HTTPClient) Stats() (total, failed int64) {
	return c.total.Load(), c.failed.Load()
}

// Close releases pooled connections
func (c *HTTPClient) Close() error {
	total, failed := c.Stats()
	c.logger.Debug("http_client_closed",
		zap.Int64("total_requests", total),
		zap.Int64("failed_requests", failed))
	c.transport.CloseIdleConnections()
	return nil
}
