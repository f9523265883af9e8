// Package metrics records run metrics in Prometheus form.
//
// A loader run is a batch job, so nothing is scraped: after each run the
// Recorder pushes its registry to a Pushgateway and/or writes it to a
// node-exporter textfile, depending on configuration.
//
//	rec := metrics.NewRecorder(cfg.Metrics)
//	rec.RecordProcessed()
//	rec.RecordRun(true, time.Since(start), time.Now())
//	_ = rec.Export(ctx)
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/ajitpratap0/ctgov-loader/pkg/config"
	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
)

const namespace = "ctgov"

// Dead-letter stages.
const (
	StageValidation = "validation"
	StageTransform  = "transform"
)

// Recorder owns a private registry with the loader's metrics. It is safe for
// concurrent use.
type Recorder struct {
	cfg      config.MetricsConfig
	registry *prometheus.Registry

	recordsExtracted    prometheus.Counter
	recordsProcessed    prometheus.Counter
	recordsDeadLettered *prometheus.CounterVec
	rowsLoaded          *prometheus.CounterVec
	httpRequests        *prometheus.CounterVec
	httpDuration        prometheus.Histogram
	httpRetries         prometheus.Counter
	runDuration         prometheus.Gauge
	runSuccess          prometheus.Gauge
	lastSuccess         prometheus.Gauge
}

// NewRecorder creates a Recorder. Export is a no-op unless cfg names a
// Pushgateway or textfile.
func NewRecorder(cfg config.MetricsConfig) *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Recorder{
		cfg:      cfg,
		registry: reg,
		recordsExtracted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_extracted_total",
			Help:      "Studies received from the API.",
		}),
		recordsProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "Studies validated and flattened successfully.",
		}),
		recordsDeadLettered: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_dead_lettered_total",
			Help:      "Studies written to the dead-letter queue.",
		}, []string{"stage"}),
		rowsLoaded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rows_loaded_total",
			Help:      "Rows merged into each table.",
		}, []string{"table"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by response status; transport failures use code \"error\".",
		}, []string{"code"}),
		httpDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "API request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		httpRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_retries_total",
			Help:      "API requests retried after a transient failure.",
		}),
		runDuration: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Duration of the last run.",
		}),
		runSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_success",
			Help:      "1 if the last run committed, 0 if it rolled back.",
		}),
		lastSuccess: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
	}
}

// Registry returns the registry backing the Recorder.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// ObserveRequest records one API exchange. code is 0 when no response arrived.
func (r *Recorder) ObserveRequest(code int, d time.Duration) {
	label := "error"
	if code > 0 {
		label = strconv.Itoa(code)
	}
	r.httpRequests.WithLabelValues(label).Inc()
	r.httpDuration.Observe(d.Seconds())
}

// ObserveRetry records one retried API request.
func (r *Recorder) ObserveRetry() { r.httpRetries.Inc() }

// RecordExtracted counts one study received from the API.
func (r *Recorder) RecordExtracted() { r.recordsExtracted.Inc() }

// RecordProcessed counts one study that reached the batch.
func (r *Recorder) RecordProcessed() { r.recordsProcessed.Inc() }

// RecordDeadLettered counts one study quarantined at stage.
func (r *Recorder) RecordDeadLettered(stage string) {
	r.recordsDeadLettered.WithLabelValues(stage).Inc()
}

// RecordRowsLoaded adds n merged rows for table.
func (r *Recorder) RecordRowsLoaded(table string, n int) {
	r.rowsLoaded.WithLabelValues(table).Add(float64(n))
}

// RecordRun sets the run gauges.
func (r *Recorder) RecordRun(success bool, duration time.Duration, finishedAt time.Time) {
	r.runDuration.Set(duration.Seconds())
	if success {
		r.runSuccess.Set(1)
		r.lastSuccess.Set(float64(finishedAt.Unix()))
	} else {
		r.runSuccess.Set(0)
	}
}

// Export pushes and/or writes the registry as configured. Both targets are
// attempted; the first error is returned.
func (r *Recorder) Export(ctx context.Context) error {
	var firstErr error
	if r.cfg.PushgatewayURL != "" {
		job := r.cfg.JobName
		if job == "" {
			job = "ctgov_loader"
		}
		err := push.New(r.cfg.PushgatewayURL, job).Gatherer(r.registry).PushContext(ctx)
		if err != nil {
			firstErr = loadererrors.Wrap(err, loadererrors.ErrorTypeConnection, "failed to push metrics")
		}
	}
	if r.cfg.TextfilePath != "" {
		if err := prometheus.WriteToTextfile(r.cfg.TextfilePath, r.registry); err != nil && firstErr == nil {
			firstErr = loadererrors.Wrap(err, loadererrors.ErrorTypeInternal, "failed to write metrics textfile")
		}
	}
	return firstErr
}
