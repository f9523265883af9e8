package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/ctgov-loader/pkg/config"
)

func TestRecorderCounters(t *testing.T) {
	r := NewRecorder(config.MetricsConfig{})

	r.RecordExtracted()
	r.RecordExtracted()
	r.RecordProcessed()
	r.RecordDeadLettered(StageValidation)
	r.RecordRowsLoaded("conditions", 6)
	r.RecordRowsLoaded("conditions", 2)
	r.ObserveRequest(200, 10*time.Millisecond)
	r.ObserveRequest(503, time.Millisecond)
	r.ObserveRequest(0, time.Millisecond)
	r.ObserveRetry()

	assert.Equal(t, 2.0, testutil.ToFloat64(r.recordsExtracted))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recordsProcessed))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recordsDeadLettered.WithLabelValues(StageValidation)))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.recordsDeadLettered.WithLabelValues(StageTransform)))
	assert.Equal(t, 8.0, testutil.ToFloat64(r.rowsLoaded.WithLabelValues("conditions")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("503")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRequests.WithLabelValues("error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.httpRetries))
}

func TestRecordRun(t *testing.T) {
	r := NewRecorder(config.MetricsConfig{})
	finished := time.Unix(1700000000, 0)

	r.RecordRun(true, 1500*time.Millisecond, finished)
	assert.Equal(t, 1.5, testutil.ToFloat64(r.runDuration))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.runSuccess))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastSuccess))

	r.RecordRun(false, time.Second, finished.Add(time.Hour))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.runSuccess))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastSuccess), "failure keeps last success")
}

func TestExportTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ctgov.prom")
	r := NewRecorder(config.MetricsConfig{TextfilePath: path})
	r.RecordProcessed()

	require.NoError(t, r.Export(context.Background()))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(body), "ctgov_records_processed_total 1")
}

func TestExportPushgateway(t *testing.T) {
	var (
		mu     sync.Mutex
		method string
		path   string
		body   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		method, path, body = r.Method, r.URL.Path, string(b)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewRecorder(config.MetricsConfig{PushgatewayURL: srv.URL, JobName: "ctgov_test"})
	r.RecordProcessed()
	require.NoError(t, r.Export(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, "/metrics/job/ctgov_test", path)
	assert.NotEmpty(t, body)
}

func TestExportPushgatewayFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := NewRecorder(config.MetricsConfig{PushgatewayURL: srv.URL})
	assert.Error(t, r.Export(context.Background()))
}

func TestExportNothingConfigured(t *testing.T) {
	assert.NoError(t, NewRecorder(config.MetricsConfig{}).Export(context.Background()))
}
