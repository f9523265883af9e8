// Package storagetest holds the behavioural suite every storage engine must
// pass. Engine packages run it from their own tests.
package storagetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
	"github.com/ajitpratap0/ctgov-loader/pkg/testutil"
	"github.com/ajitpratap0/ctgov-loader/pkg/transform"
)

// Harness adapts an engine to the suite.
type Harness struct {
	// Open returns a connector on an empty, isolated database.
	Open func(t *testing.T) storage.Connector
	// Scalar runs query outside any transaction and returns the first
	// column of the first row.
	Scalar func(t *testing.T, conn storage.Connector, query string) any
}

// ConnectorSuite exercises a storage.Connector against a real database.
type ConnectorSuite struct {
	suite.Suite
	Harness Harness

	ctx  context.Context
	conn storage.Connector
}

// SetupTest opens a fresh connector and migrates it to head.
func (s *ConnectorSuite) SetupTest() {
	s.ctx = testutil.TestContext(s.T())
	s.conn = s.Harness.Open(s.T())
	s.Require().NoError(s.conn.DropAllTables(s.ctx))
	s.Require().NoError(s.conn.Migrate(s.ctx, "head"))
}

// TearDownTest closes the connector.
func (s *ConnectorSuite) TearDownTest() {
	if s.conn != nil {
		s.NoError(s.conn.Close())
	}
}

func (s *ConnectorSuite) count(table, where string) int64 {
	query := "SELECT COUNT(*) FROM " + storage.QuoteIdentifier(table)
	if where != "" {
		query += " WHERE " + where
	}
	switch v := s.Harness.Scalar(s.T(), s.conn, query).(type) {
	case int64:
		return v
	case int32:
		return int64(v)
	case int:
		return int64(v)
	default:
		s.FailNow(fmt.Sprintf("unexpected count type %T", v))
		return 0
	}
}

func (s *ConnectorSuite) text(query string) string {
	switch v := s.Harness.Scalar(s.T(), s.conn, query).(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		s.FailNow(fmt.Sprintf("unexpected text type %T", v))
		return ""
	}
}

// loadBatch validates, flattens and merges raws in one transaction.
func (s *ConnectorSuite) loadBatch(raws ...[]byte) {
	s.Require().NoError(s.conn.Begin(s.ctx))
	s.merge(raws...)
	s.Require().NoError(s.conn.Commit(s.ctx))
}

func (s *ConnectorSuite) merge(raws ...[]byte) {
	batch := transform.NewBatch()
	for _, raw := range raws {
		study, err := transform.Validate(raw)
		s.Require().NoError(err)
		groups, err := transform.Flatten(study, raw, time.Now())
		s.Require().NoError(err)
		batch.Add(groups)
	}
	for _, g := range batch.Drain() {
		keys, err := storage.PrimaryKeys(g.Table)
		s.Require().NoError(err)
		s.Require().NoError(s.conn.BulkLoadStaging(s.ctx, g))
		s.Require().NoError(s.conn.ExecuteMerge(s.ctx, g.Table, keys))
	}
}

func (s *ConnectorSuite) TestEndToEndRowCounts() {
	s.loadBatch(testutil.StudyJSON("NCT00000001", testutil.E2EShape))

	s.Equal(int64(1), s.count("raw_studies", ""))
	s.Equal(int64(1), s.count("studies", ""))
	s.Equal(int64(1), s.count("sponsors", ""))
	s.Equal(int64(6), s.count("conditions", ""))
	s.Equal(int64(12), s.count("interventions", ""))
	s.Equal(int64(8), s.count("design_outcomes", ""))
	s.Equal(int64(0), s.count("intervention_arm_groups", ""))
}

func (s *ConnectorSuite) TestParentUpsertOverwrites() {
	shape := testutil.E2EShape
	s.loadBatch(testutil.StudyJSON("NCT00000001", shape))

	shape.BriefTitle = "Renamed"
	s.loadBatch(testutil.StudyJSON("NCT00000001", shape))

	s.Equal(int64(1), s.count("studies", ""))
	s.Equal("Renamed", s.text(`SELECT brief_title FROM studies WHERE nct_id = 'NCT00000001'`))
	s.Contains(s.text(`SELECT payload FROM raw_studies WHERE nct_id = 'NCT00000001'`), "Renamed")
}

func (s *ConnectorSuite) TestRepeatedStudyInOneBatchLastWins() {
	first := testutil.E2EShape
	last := testutil.StudyShape{BriefTitle: "Second version", Conditions: 2}
	s.loadBatch(
		testutil.StudyJSON("NCT00000001", first),
		testutil.StudyJSON("NCT00000001", last),
	)

	s.Equal(int64(1), s.count("raw_studies", ""))
	s.Equal(int64(1), s.count("studies", ""))
	s.Equal("Second version", s.text(`SELECT brief_title FROM studies WHERE nct_id = 'NCT00000001'`))
	s.Equal(int64(2), s.count("conditions", ""))
	s.Equal(int64(0), s.count("interventions", ""))
}

func (s *ConnectorSuite) TestChildMergeReplacesChildren() {
	s.loadBatch(
		testutil.StudyJSON("NCT00000001", testutil.StudyShape{Conditions: 6}),
		testutil.StudyJSON("NCT00000002", testutil.StudyShape{Conditions: 3}),
	)
	s.loadBatch(testutil.StudyJSON("NCT00000001", testutil.StudyShape{Conditions: 2}))

	s.Equal(int64(2), s.count("conditions", "nct_id = 'NCT00000001'"))
	s.Equal(int64(3), s.count("conditions", "nct_id = 'NCT00000002'"), "other parents keep their children")
}

func (s *ConnectorSuite) TestChildDuplicatesAreDropped() {
	s.loadBatch(testutil.StudyJSON("NCT00000001", testutil.StudyShape{}))

	s.Require().NoError(s.conn.Begin(s.ctx))
	group := transform.RowGroup{
		Table:   transform.TableConditions,
		Columns: transform.Columns(transform.TableConditions),
		Rows: [][]any{
			{"NCT00000001", "Asthma"},
			{"NCT00000001", "Asthma"},
			{"NCT00000001", "COPD"},
		},
	}
	keys, err := storage.PrimaryKeys(group.Table)
	s.Require().NoError(err)
	s.Require().NoError(s.conn.BulkLoadStaging(s.ctx, group))
	s.Require().NoError(s.conn.ExecuteMerge(s.ctx, group.Table, keys))
	s.Require().NoError(s.conn.Commit(s.ctx))

	s.Equal(int64(2), s.count("conditions", ""))
}

func (s *ConnectorSuite) TestArmGroupCrossProduct() {
	s.loadBatch(testutil.StudyJSON("NCT00000001", testutil.StudyShape{Interventions: 2, ArmLabelsEach: 3}))

	s.Equal(int64(6), s.count("intervention_arm_groups", ""))
}

func (s *ConnectorSuite) TestEmptyGroupIsNoop() {
	s.Require().NoError(s.conn.BulkLoadStaging(s.ctx, transform.RowGroup{
		Table:   transform.TableConditions,
		Columns: transform.Columns(transform.TableConditions),
	}))
	s.Equal(int64(0), s.count("staging_conditions", ""))
}

func (s *ConnectorSuite) TestRollbackDiscardsWrites() {
	s.Require().NoError(s.conn.Begin(s.ctx))
	s.merge(testutil.StudyJSON("NCT00000001", testutil.E2EShape))
	s.Require().NoError(s.conn.RecordDeadLetter(s.ctx, storage.DeadLetter{Payload: []byte(`{}`), ErrorMessage: "x"}))
	s.Require().NoError(s.conn.Rollback(s.ctx))

	s.Equal(int64(0), s.count("studies", ""))
	s.Equal(int64(0), s.count("raw_studies", ""))
	s.Equal(int64(0), s.count("dead_letter_queue", ""))
}

func (s *ConnectorSuite) TestTransactionMisuse() {
	s.ErrorIs(s.conn.Commit(s.ctx), storage.ErrNoTransaction)
	s.ErrorIs(s.conn.Rollback(s.ctx), storage.ErrNoTransaction)

	s.Require().NoError(s.conn.Begin(s.ctx))
	s.ErrorIs(s.conn.Begin(s.ctx), storage.ErrTransactionOpen)
	s.Require().NoError(s.conn.Rollback(s.ctx))
}

func (s *ConnectorSuite) TestTruncateKeepsHistory() {
	s.loadBatch(testutil.StudyJSON("NCT00000001", testutil.E2EShape))
	s.Require().NoError(s.conn.RecordRunHistory(s.ctx, storage.StatusSuccess, map[string]any{"records_processed": 1}))
	s.Require().NoError(s.conn.RecordDeadLetter(s.ctx, storage.DeadLetter{Payload: []byte(`{}`), ErrorMessage: "x"}))

	s.Require().NoError(s.conn.TruncateAllTables(s.ctx))

	for _, table := range storage.DataTables {
		s.Equal(int64(0), s.count(table, ""), table)
	}
	s.Equal(int64(1), s.count("load_history", ""))
	s.Equal(int64(1), s.count("dead_letter_queue", ""))
}

func (s *ConnectorSuite) TestRunHistory() {
	hwm, err := s.conn.LastSuccessfulTimestamp(s.ctx)
	s.Require().NoError(err)
	s.Nil(hwm, "no runs yet")

	last, err := s.conn.LastRunHistory(s.ctx)
	s.Require().NoError(err)
	s.Nil(last)

	before := time.Now().UTC().Add(-time.Second)
	s.Require().NoError(s.conn.RecordRunHistory(s.ctx, storage.StatusSuccess, map[string]any{
		"records_processed":        2,
		"records_loaded_per_table": map[string]int{"studies": 2},
	}))
	time.Sleep(5 * time.Millisecond)
	s.Require().NoError(s.conn.RecordRunHistory(s.ctx, storage.StatusFailure, map[string]any{
		"error":            "boom",
		"duration_seconds": 0.5,
	}))

	hwm, err = s.conn.LastSuccessfulTimestamp(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(hwm)
	s.True(hwm.After(before))

	last, err = s.conn.LastRunHistory(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(last)
	s.Equal(storage.StatusFailure, last.Status)
	s.Equal("boom", last.Metrics["error"])

	good, err := s.conn.LastSuccessfulRunHistory(s.ctx)
	s.Require().NoError(err)
	s.Require().NotNil(good)
	s.Equal(storage.StatusSuccess, good.Status)
	s.Equal(float64(2), good.Metrics["records_processed"])
	s.WithinDuration(*hwm, good.LoadTimestamp, time.Millisecond)
}

func (s *ConnectorSuite) TestDeadLetter() {
	id := "NCT00000009"
	s.Require().NoError(s.conn.RecordDeadLetter(s.ctx, storage.DeadLetter{
		NctID:        &id,
		Payload:      []byte(`{"protocolSection":{}}`),
		ErrorMessage: "Validation Error: protocolSection.identificationModule: failed \"required\" rule",
	}))
	s.Require().NoError(s.conn.RecordDeadLetter(s.ctx, storage.DeadLetter{
		Payload:      []byte(`not json`),
		ErrorMessage: "Transformation Error: bad",
	}))

	s.Equal(int64(2), s.count("dead_letter_queue", ""))
	s.Equal(int64(1), s.count("dead_letter_queue", "nct_id IS NULL"))
	s.Contains(s.text(`SELECT error_message FROM dead_letter_queue WHERE nct_id = 'NCT00000009'`), "Validation Error: ")
}

func (s *ConnectorSuite) TestMigrateIsIdempotentAndVersioned() {
	s.Require().NoError(s.conn.Migrate(s.ctx, "head"))

	s.Require().NoError(s.conn.DropAllTables(s.ctx))
	s.Require().NoError(s.conn.Migrate(s.ctx, "1"))
	s.Equal(int64(1), s.count("schema_migrations", "version = 1"))

	s.Require().NoError(s.conn.Migrate(s.ctx, "head"))
	s.Equal(int64(1), s.count("schema_migrations", "version = 2"))

	s.Error(s.conn.Migrate(s.ctx, "latest"))
}
