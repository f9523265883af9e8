// Package storage defines the contract between the run engine and a
// relational destination, plus the table metadata that drives merging.
//
// Engines live in sub-packages and register themselves by name:
//
//	import _ "github.com/ajitpratap0/ctgov-loader/pkg/storage/postgres"
//
//	conn, err := storage.Open(ctx, cfg.DB)
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
	"github.com/ajitpratap0/ctgov-loader/pkg/transform"
)

// LoadType selects how a run treats existing data.
type LoadType string

const (
	// LoadTypeFull truncates the data tables and pulls every study.
	LoadTypeFull LoadType = "full"
	// LoadTypeDelta pulls studies updated since the last successful run.
	LoadTypeDelta LoadType = "delta"
)

// ParseLoadType validates a load type name.
func ParseLoadType(s string) (LoadType, error) {
	switch LoadType(s) {
	case LoadTypeFull, LoadTypeDelta:
		return LoadType(s), nil
	}
	return "", loadererrors.Newf(loadererrors.ErrorTypeConfig, "invalid load type %q: must be full or delta", s)
}

// RunStatus is the outcome stored in load_history.
type RunStatus string

const (
	StatusSuccess RunStatus = "SUCCESS"
	StatusFailure RunStatus = "FAILURE"
)

// RunHistory is one load_history row.
type RunHistory struct {
	ID            int64          `json:"id" yaml:"id"`
	LoadTimestamp time.Time      `json:"load_timestamp" yaml:"load_timestamp"`
	Status        RunStatus      `json:"status" yaml:"status"`
	Metrics       map[string]any `json:"metrics" yaml:"metrics"`
}

// DeadLetter is a record that failed validation or transformation.
// NctID is nil when the ID could not be recovered from the payload.
type DeadLetter struct {
	NctID        *string
	Payload      []byte
	ErrorMessage string
}

// TableMetadata maps each data table to its natural key. A table with a key
// that contains nct_id plus further columns is a child table.
var TableMetadata = map[string][]string{
	transform.TableRawStudies:            {"nct_id"},
	transform.TableStudies:               {"nct_id"},
	transform.TableSponsors:              {"nct_id", "name", "agency_class"},
	transform.TableConditions:            {"nct_id", "name"},
	transform.TableInterventions:         {"nct_id", "intervention_type", "name"},
	transform.TableInterventionArmGroups: {"nct_id", "intervention_name", "arm_group_label"},
	transform.TableDesignOutcomes:        {"nct_id", "outcome_type", "measure"},
}

// DataTables are the tables a full load truncates. History and the
// dead-letter queue are never truncated.
var DataTables = transform.TableOrder

// ParentKeyColumn is the column that links child rows to their study.
const ParentKeyColumn = "nct_id"

// PrimaryKeys returns the natural key for table.
func PrimaryKeys(table string) ([]string, error) {
	keys, ok := TableMetadata[table]
	if !ok || len(keys) == 0 {
		return nil, loadererrors.Wrapf(loadererrors.ErrNoPrimaryKey, loadererrors.ErrorTypeLoad, "table %s", table)
	}
	return keys, nil
}

// IsChildTable reports whether keys describe a child table.
func IsChildTable(keys []string) bool {
	if len(keys) < 2 {
		return false
	}
	for _, k := range keys {
		if k == ParentKeyColumn {
			return true
		}
	}
	return false
}

// StagingTable returns the staging twin of table.
func StagingTable(table string) string {
	return "staging_" + table
}

// Connector is a relational destination. A Connector is used by one run at a
// time; Begin opens the single transaction every later write joins until
// Commit or Rollback. Writes made with no open transaction autocommit.
type Connector interface {
	// Name returns the registered engine name.
	Name() string

	// DropAllTables removes every table in the current schema, including the
	// migration bookkeeping table.
	DropAllTables(ctx context.Context) error
	// TruncateAllTables empties DataTables.
	TruncateAllTables(ctx context.Context) error
	// Migrate applies schema migrations up to revision ("head" or a version number).
	Migrate(ctx context.Context, revision string) error

	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error

	// BulkLoadStaging replaces the staging twin's contents with group's rows.
	// An empty group is a no-op.
	BulkLoadStaging(ctx context.Context, group transform.RowGroup) error
	// ExecuteMerge merges the staging twin into table using keys.
	ExecuteMerge(ctx context.Context, table string, keys []string) error

	RecordDeadLetter(ctx context.Context, dl DeadLetter) error
	RecordRunHistory(ctx context.Context, status RunStatus, metrics map[string]any) error

	// LastSuccessfulTimestamp returns the high-water mark, or nil when no run
	// has succeeded.
	LastSuccessfulTimestamp(ctx context.Context) (*time.Time, error)
	LastRunHistory(ctx context.Context) (*RunHistory, error)
	LastSuccessfulRunHistory(ctx context.Context) (*RunHistory, error)

	Close() error
}

// MergeColumns splits catalog columns into the insert list and the columns a
// parent upsert overwrites.
func MergeColumns(columns, keys []string) (insert, update []string) {
	isKey := make(map[string]bool, len(keys))
	for _, k := range keys {
		isKey[k] = true
	}
	for _, c := range columns {
		if c == "id" {
			continue
		}
		insert = append(insert, c)
		if !isKey[c] {
			update = append(update, c)
		}
	}
	return insert, update
}

var (
	// ErrNoTransaction is returned by Commit and Rollback without Begin.
	ErrNoTransaction = loadererrors.New(loadererrors.ErrorTypeInternal, "no transaction in progress")
	// ErrTransactionOpen is returned by a nested Begin.
	ErrTransactionOpen = loadererrors.New(loadererrors.ErrorTypeInternal, "transaction already in progress")
)

// LoadError wraps a staging or merge failure for table.
func LoadError(err error, op, table string) error {
	if err == nil {
		return nil
	}
	return loadererrors.Wrap(err, loadererrors.ErrorTypeLoad, fmt.Sprintf("%s %s", op, table))
}

// QueryError wraps a history, dead-letter or maintenance query failure.
func QueryError(err error, op string) error {
	if err == nil {
		return nil
	}
	return loadererrors.Wrap(err, loadererrors.ErrorTypeQuery, op)
}
