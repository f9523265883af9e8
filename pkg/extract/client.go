// Package extract pulls study records from the ClinicalTrials.gov v2 API.
//
// Studies are fetched page by page from {base_url}/studies and yielded one at
// a time as raw JSON. Each page request runs under the client's retry policy;
// pagination follows nextPageToken until the API stops returning one.
package extract

import (
	"context"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/pkg/clients"
	"github.com/ajitpratap0/ctgov-loader/pkg/config"
	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
	"github.com/ajitpratap0/ctgov-loader/pkg/observability"
)

// filterDateLayout is the day granularity the API accepts in RANGE filters.
const filterDateLayout = "2006-01-02"

// RawStudy is one study exactly as returned by the API.
type RawStudy = json.RawMessage

// PageSink receives every fetched page body. Used for raw archiving.
type PageSink interface {
	WritePage(ctx context.Context, page int, body []byte) error
}

// Observer receives HTTP exchange and retry notifications.
type Observer interface {
	clients.RequestObserver
	ObserveRetry()
}

// Source is the extraction surface the run engine depends on.
type Source interface {
	Studies(ctx context.Context, since *time.Time) iter.Seq2[RawStudy, error]
	Close() error
}

type studiesPage struct {
	Studies       []json.RawMessage `json:"studies"`
	NextPageToken string            `json:"nextPageToken"`
}

// Client fetches studies over HTTP.
type Client struct {
	http     *clients.HTTPClient
	retry    *clients.RetryPolicy
	baseURL  string
	pageSize int
	sink     PageSink
	observer Observer
	logger   *zap.Logger
}

// Option customizes a Client.
type Option func(*Client)

// WithPageSink archives every page body to sink.
func WithPageSink(sink PageSink) Option {
	return func(c *Client) { c.sink = sink }
}

// WithObserver reports HTTP exchanges and retries to obs.
func WithObserver(obs Observer) Option {
	return func(c *Client) { c.observer = obs }
}

// NewClient builds a Client from the api section of the configuration.
func NewClient(cfg config.APIConfig, logger *zap.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		pageSize: cfg.PageSize,
		logger:   logger.With(zap.String("component", "extract")),
		retry:    retryPolicy(cfg),
	}
	for _, opt := range opts {
		opt(c)
	}

	httpCfg := clients.DefaultHTTPConfig()
	httpCfg.MaxConnsPerHost = cfg.MaxConnections
	httpCfg.RequestTimeout = cfg.Timeout
	httpCfg.ResponseHeaderTimeout = cfg.Timeout
	httpCfg.RateLimit = float64(cfg.RateLimitPerSec)
	httpCfg.UserAgent = cfg.UserAgent

	var reqObs clients.RequestObserver
	if c.observer != nil {
		reqObs = c.observer
	}
	c.http = clients.NewHTTPClient(httpCfg, logger, reqObs)

	c.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		c.logger.Warn("api_request_retry",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if c.observer != nil {
			c.observer.ObserveRetry()
		}
	}
	return c
}

// retryPolicy overlays the configured backoff on the default policy; zero
// values keep the default.
func retryPolicy(cfg config.APIConfig) *clients.RetryPolicy {
	rp := clients.DefaultRetryPolicy()
	if cfg.MaxRetries > 0 {
		rp.MaxAttempts = cfg.MaxRetries
	}
	if cfg.InitialBackoff > 0 {
		rp.InitialDelay = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		rp.MaxDelay = cfg.MaxBackoff
	}
	if cfg.BackoffMultiplier > 0 {
		rp.Multiplier = cfg.BackoffMultiplier
	}
	return rp
}

// Studies yields every study updated on or after since, or every study when
// since is nil. Iteration stops at the first unrecoverable error, which is
// yielded as the final element.
func (c *Client) Studies(ctx context.Context, since *time.Time) iter.Seq2[RawStudy, error] {
	return func(yield func(RawStudy, error) bool) {
		token := ""
		for page := 1; ; page++ {
			pageCtx, span := observability.StartSpan(ctx, "extract.fetch_page", attribute.Int("page", page))

			body, err := c.fetchPage(pageCtx, since, token)
			if err != nil {
				observability.EndSpan(span, err)
				yield(nil, err)
				return
			}

			var resp studiesPage
			if err := json.Unmarshal(body, &resp); err != nil {
				err := loadererrors.Wrap(err, loadererrors.ErrorTypeHTTP, "failed to decode studies page").
					WithDetail("page", page)
				observability.EndSpan(span, err)
				yield(nil, err)
				return
			}
			span.SetAttributes(attribute.Int("studies", len(resp.Studies)))
			observability.EndSpan(span, nil)

			if c.sink != nil {
				if err := c.sink.WritePage(ctx, page, body); err != nil {
					c.logger.Warn("page_archive_failed", zap.Int("page", page), zap.Error(err))
				}
			}

			c.logger.Debug("api_page_fetched",
				zap.Int("page", page),
				zap.Int("studies", len(resp.Studies)),
				zap.Bool("has_next", resp.NextPageToken != ""))

			for _, study := range resp.Studies {
				if !yield(RawStudy(study), nil) {
					return
				}
			}

			if resp.NextPageToken == "" {
				return
			}
			token = resp.NextPageToken
		}
	}
}

func (c *Client) fetchPage(ctx context.Context, since *time.Time, token string) ([]byte, error) {
	pageURL := c.pageURL(since, token)
	var body []byte
	err := c.retry.Execute(ctx, func(ctx context.Context) error {
		b, err := c.http.GetBody(ctx, pageURL)
		if err != nil {
			return err
		}
		body = b
		return nil
	})
	return body, err
}

func (c *Client) pageURL(since *time.Time, token string) string {
	q := url.Values{}
	q.Set("format", "json")
	if c.pageSize > 0 {
		q.Set("pageSize", strconv.Itoa(c.pageSize))
	}
	if since != nil {
		q.Set("filter.advanced", DeltaFilter(*since))
	}
	if token != "" {
		q.Set("pageToken", token)
	}
	return c.baseURL + "/studies?" + q.Encode()
}

// DeltaFilter renders the advanced filter selecting studies whose last update
// post date is on or after since.
func DeltaFilter(since time.Time) string {
	return "AREA[LastUpdatePostDate]RANGE[" + since.UTC().Format(filterDateLayout) + ",MAX]"
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.http.Close()
}
