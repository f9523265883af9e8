package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"iter"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/ctgov-loader/pkg/extract"
	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
	"github.com/ajitpratap0/ctgov-loader/pkg/metrics"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage/sqlite"
	"github.com/ajitpratap0/ctgov-loader/pkg/testutil"
	"github.com/ajitpratap0/ctgov-loader/pkg/transform"
)

type sourceItem struct {
	raw []byte
	err error
}

type fakeSource struct {
	items  []sourceItem
	since  *time.Time
	called bool
	closed bool
}

func studies(raws ...[]byte) *fakeSource {
	src := &fakeSource{}
	for _, raw := range raws {
		src.items = append(src.items, sourceItem{raw: raw})
	}
	return src
}

func (f *fakeSource) failWith(err error) *fakeSource {
	f.items = append(f.items, sourceItem{err: err})
	return f
}

func (f *fakeSource) Studies(_ context.Context, since *time.Time) iter.Seq2[extract.RawStudy, error] {
	f.called = true
	f.since = since
	return func(yield func(extract.RawStudy, error) bool) {
		for _, it := range f.items {
			if it.err != nil {
				yield(nil, it.err)
				return
			}
			if !yield(extract.RawStudy(it.raw), nil) {
				return
			}
		}
	}
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

type countingRecorder struct {
	extracted    int
	processed    int
	deadLettered map[string]int
	rows         map[string]int
	runs         []bool
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{deadLettered: map[string]int{}, rows: map[string]int{}}
}

func (r *countingRecorder) RecordExtracted()                 { r.extracted++ }
func (r *countingRecorder) RecordProcessed()                 { r.processed++ }
func (r *countingRecorder) RecordDeadLettered(stage string)  { r.deadLettered[stage]++ }
func (r *countingRecorder) RecordRowsLoaded(t string, n int) { r.rows[t] += n }
func (r *countingRecorder) RecordRun(ok bool, _ time.Duration, _ time.Time) {
	r.runs = append(r.runs, ok)
}

// historyDown fails every run history write.
type historyDown struct {
	storage.Connector
}

func (historyDown) RecordRunHistory(context.Context, storage.RunStatus, map[string]any) error {
	return errors.New("history table unavailable")
}

func openDB(t *testing.T) *sqlite.Connector {
	t.Helper()
	ctx := context.Background()
	conn, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "run.db"))
	require.NoError(t, err)
	require.NoError(t, conn.Migrate(ctx, "head"))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func count(t *testing.T, conn *sqlite.Connector, table string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.DB().QueryRow("SELECT COUNT(*) FROM "+storage.QuoteIdentifier(table)).Scan(&n))
	return n
}

func minimal(nctID string) []byte {
	return testutil.StudyJSON(nctID, testutil.StudyShape{})
}

func TestRunFullLoadEndToEnd(t *testing.T) {
	conn := openDB(t)
	ctx := testutil.TestContext(t)
	src := studies(testutil.StudyJSON("NCT00000001", testutil.E2EShape))
	rec := newCountingRecorder()

	orch := New(conn, src, Options{BatchSize: 10, Recorder: rec, Logger: testutil.TestLogger(t)})
	assert.Equal(t, StateIdle, orch.State())

	result, err := orch.Run(ctx, storage.LoadTypeFull)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusSuccess, result.Status)
	assert.Equal(t, StateCommitted, result.State)
	assert.Equal(t, StateCommitted, orch.State())
	assert.True(t, result.Recorded)
	assert.True(t, src.closed)
	assert.Nil(t, src.since)
	assert.Equal(t, 1, result.RecordsProcessed)

	want := map[string]int64{
		transform.TableRawStudies:            1,
		transform.TableStudies:               1,
		transform.TableSponsors:              1,
		transform.TableConditions:            6,
		transform.TableInterventions:         12,
		transform.TableDesignOutcomes:        8,
		transform.TableInterventionArmGroups: 0,
	}
	for table, n := range want {
		assert.Equal(t, n, count(t, conn, table), table)
		assert.Equal(t, int(n), result.RowsLoaded[table], table)
	}
	assert.Equal(t, 12, rec.rows[transform.TableInterventions])
	assert.Equal(t, []bool{true}, rec.runs)

	h, err := conn.LastRunHistory(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, storage.StatusSuccess, h.Status)
	assert.Equal(t, float64(1), h.Metrics["records_processed"])
	assert.Equal(t, orch.RunID(), h.Metrics["run_id"])
	assert.Equal(t, "full", h.Metrics["load_type"])
	assert.Contains(t, h.Metrics, "duration_seconds")
	assert.Contains(t, h.Metrics, "throughput_records_per_sec")
	perTable, ok := h.Metrics["records_loaded_per_table"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(6), perTable[transform.TableConditions])
}

func TestRunImmediateExtractionFailure(t *testing.T) {
	conn := openDB(t)
	ctx := testutil.TestContext(t)
	src := (&fakeSource{}).failWith(loadererrors.HTTPStatus(404, "not found"))

	orch := New(conn, src, Options{Logger: testutil.TestLogger(t)})
	result, err := orch.Run(ctx, storage.LoadTypeFull)
	require.Error(t, err)
	require.NotNil(t, result)

	assert.Equal(t, storage.StatusFailure, result.Status)
	assert.Equal(t, StateRolledBack, result.State)
	assert.True(t, result.Recorded)
	assert.True(t, src.closed)
	assert.Equal(t, 404, loadererrors.StatusCode(err))
	assert.Zero(t, count(t, conn, transform.TableStudies))

	h, err := conn.LastRunHistory(ctx)
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, storage.StatusFailure, h.Status)
	assert.Contains(t, h.Metrics["error"], "unexpected status 404")
	assert.Contains(t, h.Metrics, "duration_seconds")

	last, err := conn.LastSuccessfulRunHistory(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestRunFailureRollsBackFlushedBatches(t *testing.T) {
	conn := openDB(t)
	ctx := testutil.TestContext(t)
	src := studies(minimal("NCT1"), minimal("NCT2")).
		failWith(loadererrors.New(loadererrors.ErrorTypeConnection, "connection reset"))

	result, err := New(conn, src, Options{BatchSize: 1, Logger: testutil.TestLogger(t)}).
		Run(ctx, storage.LoadTypeFull)
	require.Error(t, err)
	assert.Equal(t, storage.StatusFailure, result.Status)
	assert.Equal(t, 2, result.RecordsProcessed)

	for _, table := range storage.DataTables {
		assert.Zero(t, count(t, conn, table), table)
	}
	assert.Equal(t, int64(1), count(t, conn, storage.TableLoadHistory))
}

func TestRunDeadLetterIsolation(t *testing.T) {
	conn := openDB(t)
	ctx := testutil.TestContext(t)
	invalid := []byte(`{"protocolSection":{"identificationModule":{"nctId":"NCT2"}}}`)
	untransformable := []byte(`{"protocolSection":{"identificationModule":{"nctId":""},"statusModule":{}}}`)
	src := studies(minimal("NCT1"), invalid, untransformable, minimal("NCT3"))
	rec := newCountingRecorder()

	result, err := New(conn, src, Options{BatchSize: 10, Recorder: rec, Logger: testutil.TestLogger(t)}).
		Run(ctx, storage.LoadTypeFull)
	require.NoError(t, err)

	assert.Equal(t, 2, result.RecordsProcessed)
	assert.Equal(t, 2, result.RecordsDeadLettered)
	assert.Equal(t, int64(2), count(t, conn, transform.TableStudies))
	assert.Equal(t, 4, rec.extracted)
	assert.Equal(t, 2, rec.processed)
	assert.Equal(t, map[string]int{metrics.StageValidation: 1, metrics.StageTransform: 1}, rec.deadLettered)

	rows, err := conn.DB().Query(`SELECT nct_id, error_message FROM dead_letter_queue ORDER BY id`)
	require.NoError(t, err)

	type entry struct {
		nctID   sql.NullString
		message string
	}
	var got []entry
	for rows.Next() {
		var e entry
		require.NoError(t, rows.Scan(&e.nctID, &e.message))
		got = append(got, e)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	require.Len(t, got, 2)

	assert.Equal(t, "NCT2", got[0].nctID.String)
	assert.True(t, strings.HasPrefix(got[0].message, "Validation Error: "), got[0].message)
	assert.Contains(t, got[0].message, "protocolSection.statusModule")

	assert.False(t, got[1].nctID.Valid)
	assert.True(t, strings.HasPrefix(got[1].message, "Transformation Error: "), got[1].message)

	h, err := conn.LastRunHistory(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(2), h.Metrics["records_dead_lettered"])
}

func TestRunBatching(t *testing.T) {
	tests := []struct {
		name         string
		records      int
		batchSize    int
		batches      int
		finalBatches int
	}{
		{"remainder flushed at the end", 5, 2, 2, 1},
		{"exact multiple", 4, 2, 2, 0},
		{"single partial batch", 1, 1000, 0, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := openDB(t)
			core, logs := observer.New(zap.InfoLevel)

			var raws [][]byte
			for i := 0; i < tt.records; i++ {
				raws = append(raws, minimal(fmt.Sprintf("NCT%08d", i)))
			}

			result, err := New(conn, studies(raws...), Options{BatchSize: tt.batchSize, Logger: zap.New(core)}).
				Run(testutil.TestContext(t), storage.LoadTypeFull)
			require.NoError(t, err)

			assert.Equal(t, tt.batches, logs.FilterMessage("processing_batch").Len())
			assert.Equal(t, tt.finalBatches, logs.FilterMessage("processing_final_batch").Len())
			assert.Equal(t, tt.records, result.RecordsProcessed)
			assert.Equal(t, int64(tt.records), count(t, conn, transform.TableStudies))
			assert.Equal(t, 1, logs.FilterMessage("etl_process_completed_successfully").Len())
		})
	}
}

func TestRunDeltaUsesHighWaterMark(t *testing.T) {
	conn := openDB(t)
	ctx := testutil.TestContext(t)
	log := testutil.TestLogger(t)

	_, err := New(conn, studies(minimal("NCT1")), Options{Logger: log}).Run(ctx, storage.LoadTypeFull)
	require.NoError(t, err)
	hwm, err := conn.LastSuccessfulTimestamp(ctx)
	require.NoError(t, err)
	require.NotNil(t, hwm)

	src := studies(minimal("NCT2"))
	result, err := New(conn, src, Options{Logger: log}).Run(ctx, storage.LoadTypeDelta)
	require.NoError(t, err)

	require.NotNil(t, src.since)
	assert.True(t, hwm.Equal(*src.since))
	assert.Equal(t, src.since, result.Since)
	assert.Equal(t, int64(2), count(t, conn, transform.TableStudies), "delta keeps existing rows")
}

func TestRunDeltaWithoutSuccessfulRunLoadsEverything(t *testing.T) {
	conn := openDB(t)
	ctx := testutil.TestContext(t)
	log := testutil.TestLogger(t)

	_, err := New(conn, studies(minimal("NCT1")), Options{Logger: log}).Run(ctx, storage.LoadTypeFull)
	require.NoError(t, err)
	_, err = conn.DB().Exec(`DELETE FROM load_history`)
	require.NoError(t, err)

	src := studies(minimal("NCT2"))
	_, err = New(conn, src, Options{Logger: log}).Run(ctx, storage.LoadTypeDelta)
	require.NoError(t, err)

	assert.True(t, src.called)
	assert.Nil(t, src.since)
	assert.Equal(t, int64(2), count(t, conn, transform.TableStudies), "no truncate without a high-water mark")
}

func TestRunFullTruncatesPreviousData(t *testing.T) {
	conn := openDB(t)
	ctx := testutil.TestContext(t)
	log := testutil.TestLogger(t)

	_, err := New(conn, studies(testutil.StudyJSON("NCT1", testutil.E2EShape)), Options{Logger: log}).
		Run(ctx, storage.LoadTypeFull)
	require.NoError(t, err)
	_, err = New(conn, studies(minimal("NCT2")), Options{Logger: log}).Run(ctx, storage.LoadTypeFull)
	require.NoError(t, err)

	assert.Equal(t, int64(1), count(t, conn, transform.TableStudies))
	assert.Zero(t, count(t, conn, transform.TableConditions))
	var nctID string
	require.NoError(t, conn.DB().QueryRow(`SELECT nct_id FROM studies`).Scan(&nctID))
	assert.Equal(t, "NCT2", nctID)
	assert.Equal(t, int64(2), count(t, conn, storage.TableLoadHistory))
}

func TestRunCancelledContextStillRecordsFailure(t *testing.T) {
	conn := openDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := New(conn, studies(minimal("NCT1")), Options{Logger: testutil.TestLogger(t)}).
		Run(ctx, storage.LoadTypeFull)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, result.Recorded)

	h, err := conn.LastRunHistory(context.Background())
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.Equal(t, storage.StatusFailure, h.Status)
}

func TestRunHistoryErrorPropagates(t *testing.T) {
	conn := openDB(t)
	src := studies(minimal("NCT1"))

	result, err := New(historyDown{conn}, src, Options{Logger: testutil.TestLogger(t)}).
		Run(testutil.TestContext(t), storage.LoadTypeFull)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "history table unavailable")
	assert.False(t, result.Recorded)
	assert.Equal(t, storage.StatusFailure, result.Status)
	assert.True(t, src.closed)
	assert.Zero(t, count(t, conn, transform.TableStudies), "success entry failure rolls back the load")
}

func TestRunUnknownLoadType(t *testing.T) {
	conn := openDB(t)
	src := studies(minimal("NCT1"))

	result, err := New(conn, src, Options{Logger: testutil.TestLogger(t)}).
		Run(testutil.TestContext(t), storage.LoadType("weekly"))
	require.Error(t, err)
	assert.True(t, loadererrors.IsType(err, loadererrors.ErrorTypeConfig))
	assert.True(t, result.Recorded)
	assert.False(t, src.called)
	assert.True(t, src.closed)
}

func TestFlushSkipsTableWithoutKeys(t *testing.T) {
	conn := openDB(t)
	ctx := testutil.TestContext(t)
	core, logs := observer.New(zap.InfoLevel)
	log := zap.New(core)

	orch := New(conn, studies(), Options{Logger: log})
	batch := transform.NewBatch()
	batch.Add([]transform.RowGroup{{Table: "mystery", Columns: []string{"x"}, Rows: [][]any{{"1"}}}})
	stats := newRunStats()

	require.NoError(t, conn.Begin(ctx))
	require.NoError(t, orch.flush(ctx, log, batch, stats))
	require.NoError(t, conn.Commit(ctx))

	entries := logs.FilterMessage("no_primary_key_defined_for_table").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "mystery", entries[0].ContextMap()["table_name"])
	assert.Empty(t, stats.rowsLoaded)
	assert.True(t, batch.Empty())
}

func TestSuccessMetrics(t *testing.T) {
	stats := newRunStats()
	stats.processed = 10
	stats.rowsLoaded[transform.TableStudies] = 10

	m := stats.successMetrics("run-1", storage.LoadTypeDelta, 3*time.Second)
	assert.Equal(t, 3.0, m["duration_seconds"])
	assert.Equal(t, 3.33, m["throughput_records_per_sec"])
	assert.Equal(t, map[string]int{transform.TableStudies: 10}, m["records_loaded_per_table"])
	assert.Equal(t, "delta", m["load_type"])

	zero := stats.successMetrics("run-1", storage.LoadTypeFull, 0)
	assert.Equal(t, 0.0, zero["throughput_records_per_sec"])

	f := failureMetrics("run-2", storage.LoadTypeFull, errors.New("boom"), 1234*time.Millisecond)
	assert.Equal(t, "boom", f["error"])
	assert.Equal(t, 1.23, f["duration_seconds"])
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		want     string
		terminal bool
	}{
		{StateIdle, "IDLE", false},
		{StateDeterminingMode, "DETERMINING_MODE", false},
		{StateExtracting, "EXTRACTING", false},
		{StateLoadingFinalBatch, "LOADING_FINAL_BATCH", false},
		{StateCommitted, "COMMITTED", true},
		{StateRolledBack, "ROLLED_BACK", true},
		{State(42), "UNKNOWN", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.state.String())
		assert.Equal(t, tt.terminal, tt.state.Terminal())
	}
}
