package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/ctgov-loader/pkg/clients"
	"github.com/ajitpratap0/ctgov-loader/pkg/config"
	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
)

func testAPIConfig(baseURL string) config.APIConfig {
	cfg := config.Default().API
	cfg.BaseURL = baseURL
	cfg.Timeout = 2 * time.Second
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.MaxRetries = 3
	cfg.PageSize = 2
	return cfg
}

func study(id string) string {
	return fmt.Sprintf(`{"protocolSection":{"identificationModule":{"nctId":%q}}}`, id)
}

type countingObserver struct {
	requests int64
	retries  int64
}

func (o *countingObserver) ObserveRequest(int, time.Duration) { atomic.AddInt64(&o.requests, 1) }
func (o *countingObserver) ObserveRetry()                     { atomic.AddInt64(&o.retries, 1) }

type memorySink struct {
	mu    sync.Mutex
	pages map[int][]byte
}

func (s *memorySink) WritePage(_ context.Context, page int, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pages == nil {
		s.pages = map[int][]byte{}
	}
	s.pages[page] = body
	return nil
}

func collect(t *testing.T, c *Client, since *time.Time) ([]string, error) {
	t.Helper()
	var ids []string
	for raw, err := range c.Studies(context.Background(), since) {
		if err != nil {
			return ids, err
		}
		ids = append(ids, string(raw))
	}
	return ids, nil
}

func TestStudiesFollowsPagination(t *testing.T) {
	var (
		mu     sync.Mutex
		tokens []string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/studies", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("pageSize"))
		assert.Empty(t, r.URL.Query().Get("filter.advanced"))
		token := r.URL.Query().Get("pageToken")
		mu.Lock()
		tokens = append(tokens, token)
		mu.Unlock()
		switch token {
		case "":
			fmt.Fprintf(w, `{"studies":[%s,%s],"nextPageToken":"p2"}`, study("NCT1"), study("NCT2"))
		case "p2":
			fmt.Fprintf(w, `{"studies":[%s]}`, study("NCT3"))
		default:
			t.Errorf("unexpected token %q", token)
		}
	}))
	defer server.Close()

	sink := &memorySink{}
	obs := &countingObserver{}
	client := NewClient(testAPIConfig(server.URL+"/api/v2/"), zaptest.NewLogger(t), WithPageSink(sink), WithObserver(obs))
	defer client.Close()

	got, err := collect(t, client, nil)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.JSONEq(t, study("NCT3"), got[2])
	assert.Equal(t, []string{"", "p2"}, tokens)
	assert.Len(t, sink.pages, 2)
	assert.Equal(t, int64(2), obs.requests)
	assert.Equal(t, int64(0), obs.retries)
}

func TestStudiesDeltaFilter(t *testing.T) {
	var filter atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter.Store(r.URL.Query().Get("filter.advanced"))
		fmt.Fprint(w, `{"studies":[]}`)
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server.URL), zaptest.NewLogger(t))
	defer client.Close()

	since := time.Date(2024, 3, 9, 23, 30, 0, 0, time.UTC)
	got, err := collect(t, client, &since)
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Equal(t, "AREA[LastUpdatePostDate]RANGE[2024-03-09,MAX]", filter.Load())
}

func TestDeltaFilterUsesUTCDay(t *testing.T) {
	loc := time.FixedZone("UTC+5", 5*3600)
	since := time.Date(2024, 1, 1, 2, 0, 0, 0, loc)
	assert.Equal(t, "AREA[LastUpdatePostDate]RANGE[2023-12-31,MAX]", DeltaFilter(since))
}

func TestStudiesRetriesTransientFailures(t *testing.T) {
	tests := []struct {
		name string
		fail func(w http.ResponseWriter)
	}{
		{"server error", func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) }},
		{"rate limited", func(w http.ResponseWriter) { w.WriteHeader(http.StatusTooManyRequests) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if atomic.AddInt32(&calls, 1) < 3 {
					tt.fail(w)
					return
				}
				fmt.Fprintf(w, `{"studies":[%s]}`, study("NCT9"))
			}))
			defer server.Close()

			obs := &countingObserver{}
			client := NewClient(testAPIConfig(server.URL), zaptest.NewLogger(t), WithObserver(obs))
			defer client.Close()

			got, err := collect(t, client, nil)
			require.NoError(t, err)
			assert.Len(t, got, 1)
			assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
			assert.Equal(t, int64(2), obs.retries)
		})
	}
}

func TestStudiesRetriesExhausted(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server.URL), zaptest.NewLogger(t))
	defer client.Close()

	got, err := collect(t, client, nil)
	require.Error(t, err)
	assert.Empty(t, got)
	assert.True(t, errors.Is(err, loadererrors.ErrRetriesExhausted))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestStudiesBadRequestNotRetried(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad filter", http.StatusBadRequest)
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server.URL), zaptest.NewLogger(t))
	defer client.Close()

	_, err := collect(t, client, nil)
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, http.StatusBadRequest, loadererrors.StatusCode(err))
	assert.False(t, errors.Is(err, loadererrors.ErrRetriesExhausted))
}

func TestStudiesRedirectLoopFailsFast(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Redirect(w, r, r.URL.String(), http.StatusFound)
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server.URL), zaptest.NewLogger(t))
	defer client.Close()

	_, err := collect(t, client, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, loadererrors.ErrRetriesExhausted))
	assert.True(t, loadererrors.IsType(err, loadererrors.ErrorTypeRequest))
	assert.Equal(t, int32(5), atomic.LoadInt32(&calls), "a single attempt")
}

func TestStudiesUnsupportedSchemeFailsFast(t *testing.T) {
	client := NewClient(testAPIConfig("ftp://example.invalid/api/v2"), zaptest.NewLogger(t))
	defer client.Close()

	_, err := collect(t, client, nil)
	require.Error(t, err)
	assert.False(t, errors.Is(err, loadererrors.ErrRetriesExhausted))
	assert.Contains(t, err.Error(), "unsupported protocol scheme")
}

func TestNewClientFallsBackToDefaultRetryPolicy(t *testing.T) {
	client := NewClient(config.APIConfig{BaseURL: "http://localhost"}, nil)
	defer client.Close()

	assert.Equal(t, clients.DefaultRetryPolicy().MaxAttempts, client.retry.MaxAttempts)
	assert.Equal(t, time.Second, client.retry.InitialDelay)
	assert.Equal(t, 10*time.Second, client.retry.MaxDelay)
	assert.Equal(t, 2.0, client.retry.Multiplier)

	client = NewClient(testAPIConfig("http://localhost"), nil)
	defer client.Close()
	assert.Equal(t, 3, client.retry.MaxAttempts)
	assert.Equal(t, time.Millisecond, client.retry.InitialDelay)
}

func TestStudiesErrorAfterFirstPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("pageToken") == "" {
			fmt.Fprintf(w, `{"studies":[%s],"nextPageToken":"p2"}`, study("NCT1"))
			return
		}
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server.URL), zaptest.NewLogger(t))
	defer client.Close()

	got, err := collect(t, client, nil)
	require.Error(t, err)
	assert.Len(t, got, 1, "records from earlier pages are still yielded")
}

func TestStudiesMalformedPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"studies":[`)
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server.URL), zaptest.NewLogger(t))
	defer client.Close()

	_, err := collect(t, client, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode studies page")
}

func TestStudiesStopsWhenConsumerBreaks(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		fmt.Fprintf(w, `{"studies":[%s,%s],"nextPageToken":"more"}`, study("NCT1"), study("NCT2"))
	}))
	defer server.Close()

	client := NewClient(testAPIConfig(server.URL), zaptest.NewLogger(t))
	defer client.Close()

	n := 0
	for _, err := range client.Studies(context.Background(), nil) {
		require.NoError(t, err)
		n++
		if n == 1 {
			break
		}
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
