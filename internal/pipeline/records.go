package pipeline

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/pkg/metrics"
	"github.com/ajitpratap0/ctgov-loader/pkg/observability"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
	"github.com/ajitpratap0/ctgov-loader/pkg/transform"
)

// Dead-letter message prefixes, by stage.
const (
	validationErrorPrefix = "Validation Error: "
	transformErrorPrefix  = "Transformation Error: "
)

// processRecord validates and flattens one raw study into batch. It returns
// false when the record was dead-lettered instead. Only a failure to write
// the dead letter is returned as an error.
func (o *Orchestrator) processRecord(ctx context.Context, log *zap.Logger, raw []byte, batch *transform.Batch, stats *runStats) (bool, error) {
	study, err := transform.Validate(raw)
	if err != nil {
		nctID := transform.RecoverNctID(raw)
		log.Error("study_validation_failed", zap.Stringp("nct_id", nctID), zap.Error(err))
		return false, o.deadLetter(ctx, nctID, raw, validationErrorPrefix, metrics.StageValidation, err, stats)
	}

	groups, err := transform.Flatten(study, raw, o.now().UTC())
	if err != nil {
		var nctID *string
		if id := study.NctID(); id != "" {
			nctID = &id
		}
		log.Error("study_transformation_failed", zap.Stringp("nct_id", nctID), zap.Error(err))
		return false, o.deadLetter(ctx, nctID, raw, transformErrorPrefix, metrics.StageTransform, err, stats)
	}

	batch.Add(groups)
	stats.processed++
	o.recorder.RecordProcessed()
	return true, nil
}

func (o *Orchestrator) deadLetter(ctx context.Context, nctID *string, raw []byte, prefix, stage string, cause error, stats *runStats) error {
	dl := storage.DeadLetter{
		NctID:        nctID,
		Payload:      raw,
		ErrorMessage: prefix + cause.Error(),
	}
	if err := o.conn.RecordDeadLetter(ctx, dl); err != nil {
		return err
	}
	stats.deadLettered++
	o.recorder.RecordDeadLettered(stage)
	return nil
}

// flush drains batch into the database one table at a time, in load order.
func (o *Orchestrator) flush(ctx context.Context, log *zap.Logger, batch *transform.Batch, stats *runStats) (err error) {
	stats.batches++
	ctx, span := observability.StartSpan(ctx, "etl.flush_batch",
		attribute.Int("batch", stats.batches),
		attribute.Int("records", batch.Records()))
	defer func() { observability.EndSpan(span, err) }()

	for _, group := range batch.Drain() {
		if group.Len() == 0 {
			continue
		}
		log.Info("loading_data_into_table",
			zap.String("table_name", group.Table),
			zap.Int("record_count", group.Len()))

		keys, err := storage.PrimaryKeys(group.Table)
		if err != nil {
			log.Error("no_primary_key_defined_for_table", zap.String("table_name", group.Table))
			continue
		}
		if err := o.conn.BulkLoadStaging(ctx, group); err != nil {
			return err
		}
		if err := o.conn.ExecuteMerge(ctx, group.Table, keys); err != nil {
			return err
		}
		stats.rowsLoaded[group.Table] += group.Len()
		o.recorder.RecordRowsLoaded(group.Table, group.Len())
	}
	return nil
}

type nopRecorder struct{}

func (nopRecorder) RecordExtracted()                         {}
func (nopRecorder) RecordProcessed()                         {}
func (nopRecorder) RecordDeadLettered(string)                {}
func (nopRecorder) RecordRowsLoaded(string, int)             {}
func (nopRecorder) RecordRun(bool, time.Duration, time.Time) {}

var _ Recorder = (*metrics.Recorder)(nil)
