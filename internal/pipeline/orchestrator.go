// Package pipeline is the run engine of the loader. It drives one ETL run
// from mode selection through extraction, per-record validation and
// flattening, batched staging/merge loads, and the final commit or rollback.
//
// # Lifecycle
//
// A run moves through IDLE, DETERMINING_MODE, EXTRACTING (one pass over the
// source, flushing every BatchSize valid records), LOADING_FINAL_BATCH and
// ends in COMMITTED or ROLLED_BACK. A full load truncates the data tables
// before the transaction opens; a delta load filters the source by the most
// recent successful run. Everything after that happens inside one
// transaction, including dead-letter writes and the SUCCESS history entry.
//
// # Failure handling
//
// Records that fail validation or flattening are written to the dead-letter
// queue and skipped. Any other error rolls the transaction back and records a
// FAILURE history entry outside of it.
//
// # Basic Usage
//
//	client := extract.NewClient(cfg.API, log)
//	orch := pipeline.New(conn, client, pipeline.Options{BatchSize: cfg.ETL.BatchSize})
//	result, err := orch.Run(ctx, storage.LoadTypeDelta)
package pipeline

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/pkg/extract"
	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
	"github.com/ajitpratap0/ctgov-loader/pkg/observability"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
	"github.com/ajitpratap0/ctgov-loader/pkg/transform"
)

// DefaultBatchSize is used when Options.BatchSize is not positive.
const DefaultBatchSize = 1000

// Recorder receives run counters. *metrics.Recorder satisfies it.
type Recorder interface {
	RecordExtracted()
	RecordProcessed()
	RecordDeadLettered(stage string)
	RecordRowsLoaded(table string, n int)
	RecordRun(success bool, duration time.Duration, finishedAt time.Time)
}

// Options configures an Orchestrator.
type Options struct {
	// BatchSize is the number of valid records accumulated before a flush.
	BatchSize int
	// RunID identifies the run in logs, history and the page archive. A
	// random UUID is generated when empty.
	RunID    string
	Recorder Recorder
	Logger   *zap.Logger
}

// RunResult summarizes a finished run.
type RunResult struct {
	RunID    string
	LoadType storage.LoadType
	Status   storage.RunStatus
	State    State
	// Since is the high-water mark a delta run filtered on, nil otherwise.
	Since               *time.Time
	RecordsProcessed    int
	RecordsDeadLettered int
	RowsLoaded          map[string]int
	Duration            time.Duration
	// Metrics is the document written to run history.
	Metrics map[string]any
	// Recorded is false when the history entry itself could not be written.
	Recorded bool
	Err      error
}

// Orchestrator runs one ETL pass of source into conn. It is single use:
// create a new Orchestrator for every run.
type Orchestrator struct {
	conn      storage.Connector
	source    extract.Source
	batchSize int
	runID     string
	recorder  Recorder
	logger    *zap.Logger
	state     atomic.Int32
	start     time.Time
	now       func() time.Time
}

// New creates an Orchestrator. The source is closed when Run returns.
func New(conn storage.Connector, source extract.Source, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	if opts.Recorder == nil {
		opts.Recorder = nopRecorder{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Get()
	}
	return &Orchestrator{
		conn:      conn,
		source:    source,
		batchSize: opts.BatchSize,
		runID:     opts.RunID,
		recorder:  opts.Recorder,
		logger:    opts.Logger.With(zap.String("component", "orchestrator")),
		now:       time.Now,
	}
}

// RunID returns the identifier of the run.
func (o *Orchestrator) RunID() string { return o.runID }

// State returns the current lifecycle state. Safe to call from any goroutine.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

func (o *Orchestrator) setState(log *zap.Logger, s State) {
	o.state.Store(int32(s))
	log.Debug("run_state_changed", zap.Stringer("state", s))
}

// Run executes the run. On success it returns a COMMITTED result and a nil
// error. When the run fails and the FAILURE entry is recorded, the result has
// Status FAILURE and Recorded true, and the run error is returned alongside.
// If the history entry cannot be written, that error is joined in and
// Recorded is false.
func (o *Orchestrator) Run(ctx context.Context, loadType storage.LoadType) (*RunResult, error) {
	defer func() {
		if err := o.source.Close(); err != nil {
			o.logger.Warn("source_close_failed", zap.Error(err))
		}
	}()

	o.start = o.now()
	ctx = logger.ContextWithRun(ctx, o.runID, string(loadType))
	log := o.logger.With(
		zap.String("run_id", o.runID),
		zap.String("load_type", string(loadType)),
		zap.Int("batch_size", o.batchSize))

	ctx, span := observability.StartSpan(ctx, "etl.run",
		attribute.String("run_id", o.runID),
		attribute.String("load_type", string(loadType)))

	result := &RunResult{RunID: o.runID, LoadType: loadType}
	stats := newRunStats()
	log.Info("etl_process_started")

	inTx, err := o.execute(ctx, log, loadType, stats, result)
	duration := o.now().Sub(o.start)

	result.RecordsProcessed = stats.processed
	result.RecordsDeadLettered = stats.deadLettered
	result.RowsLoaded = stats.rowsLoaded
	result.Duration = duration

	if err == nil {
		result.Status = storage.StatusSuccess
		result.Recorded = true
		o.setState(log, StateCommitted)
		result.State = StateCommitted
		o.recorder.RecordRun(true, duration, o.now())
		observability.EndSpan(span, nil)
		log.Info("etl_process_completed_successfully", zap.Any("metrics", result.Metrics))
		return result, nil
	}

	log.Error("etl_process_failed", zap.Error(err))
	result.Err = err
	result.Status = storage.StatusFailure

	// The run context may already be cancelled; cleanup still has to reach
	// the database.
	cleanupCtx := context.WithoutCancel(ctx)
	if inTx {
		if rbErr := o.conn.Rollback(cleanupCtx); rbErr != nil && !errors.Is(rbErr, storage.ErrNoTransaction) {
			log.Error("transaction_rollback_failed", zap.Error(rbErr))
		}
	}
	o.setState(log, StateRolledBack)
	result.State = StateRolledBack
	o.recorder.RecordRun(false, duration, o.now())

	result.Metrics = failureMetrics(o.runID, loadType, err, duration)
	if histErr := o.conn.RecordRunHistory(cleanupCtx, storage.StatusFailure, result.Metrics); histErr != nil {
		log.Error("failure_history_not_recorded", zap.Error(histErr))
		err = errors.Join(err, histErr)
		result.Err = err
		observability.EndSpan(span, err)
		return result, err
	}
	result.Recorded = true
	observability.EndSpan(span, err)
	return result, err
}

// execute performs the run up to and including the commit. inTx reports
// whether a transaction was left open that the caller must roll back.
func (o *Orchestrator) execute(ctx context.Context, log *zap.Logger, loadType storage.LoadType, stats *runStats, result *RunResult) (inTx bool, err error) {
	o.setState(log, StateDeterminingMode)
	since, err := o.determineMode(ctx, log, loadType)
	if err != nil {
		return false, err
	}
	result.Since = since

	if err := o.conn.Begin(ctx); err != nil {
		return false, err
	}
	inTx = true

	o.setState(log, StateExtracting)
	batch := transform.NewBatch()
	for raw, err := range o.source.Studies(ctx, since) {
		if err != nil {
			return inTx, err
		}
		if err := ctx.Err(); err != nil {
			return inTx, err
		}
		o.recorder.RecordExtracted()

		ok, err := o.processRecord(ctx, log, raw, batch, stats)
		if err != nil {
			return inTx, err
		}
		if !ok {
			continue
		}

		if batch.Records() >= o.batchSize {
			log.Info("processing_batch",
				zap.Int("batch_record_count", batch.Records()),
				zap.Int("total_record_count", stats.processed))
			if err := o.flush(ctx, log, batch, stats); err != nil {
				return inTx, err
			}
		}
	}

	o.setState(log, StateLoadingFinalBatch)
	if !batch.Empty() {
		log.Info("processing_final_batch",
			zap.Int("batch_record_count", batch.Records()),
			zap.Int("total_record_count", stats.processed))
		if err := o.flush(ctx, log, batch, stats); err != nil {
			return inTx, err
		}
	}
	log.Info("finished_processing_studies", zap.Int("total_record_count", stats.processed))

	result.Metrics = stats.successMetrics(o.runID, loadType, o.now().Sub(o.start))
	if err := o.conn.RecordRunHistory(ctx, storage.StatusSuccess, result.Metrics); err != nil {
		return inTx, err
	}
	// A failed commit leaves no transaction behind on either engine.
	if err := o.conn.Commit(ctx); err != nil {
		return false, err
	}
	return false, nil
}

// determineMode prepares the tables for loadType and returns the delta filter.
func (o *Orchestrator) determineMode(ctx context.Context, log *zap.Logger, loadType storage.LoadType) (*time.Time, error) {
	switch loadType {
	case storage.LoadTypeFull:
		log.Info("full_load_initiated_truncating_tables")
		if err := o.conn.TruncateAllTables(ctx); err != nil {
			return nil, err
		}
		return nil, nil
	case storage.LoadTypeDelta:
		since, err := o.conn.LastSuccessfulTimestamp(ctx)
		if err != nil {
			return nil, err
		}
		if since == nil {
			log.Info("no_successful_load_found_performing_full_load")
			return nil, nil
		}
		log.Info("delta_load_initiated", zap.Time("updated_since", *since))
		return since, nil
	default:
		return nil, loadererrors.Newf(loadererrors.ErrorTypeConfig, "unknown load type %q", loadType)
	}
}
