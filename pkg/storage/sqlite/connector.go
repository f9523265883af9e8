// Package sqlite implements storage.Connector on an embedded SQLite database.
// Timestamps are stored as fixed-width UTC text so MAX and ORDER BY compare
// them chronologically.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/huandu/go-sqlbuilder"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ajitpratap0/ctgov-loader/pkg/config"
	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage/migrations"
	"github.com/ajitpratap0/ctgov-loader/pkg/transform"
)

// Name is the registry name of this engine.
const Name = "sqlite"

// TimeLayout is the text form of every stored timestamp.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// maxVariables bounds the bind parameters in one multi-row insert.
const maxVariables = 999

func init() {
	storage.Register(Name, func(ctx context.Context, cfg config.DBConfig) (storage.Connector, error) {
		return Open(ctx, cfg.DSN)
	})
}

var _ storage.Connector = (*Connector)(nil)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Connector is a SQLite destination. It holds a single connection so the
// run transaction sees every write.
type Connector struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *zap.Logger
}

// Open opens the database at dsn (a path or file: URI) with foreign keys on.
func Open(ctx context.Context, dsn string) (*Connector, error) {
	if dsn == "" {
		return nil, loadererrors.New(loadererrors.ErrorTypeConfig, "sqlite dsn is empty")
	}
	db, err := sql.Open("sqlite", withPragmas(dsn))
	if err != nil {
		return nil, storage.QueryError(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, storage.QueryError(err, "ping sqlite")
	}
	return &Connector{
		db:     db,
		logger: logger.Get().With(zap.String("connector", Name)),
	}, nil
}

func withPragmas(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
}

// Name implements storage.Connector.
func (c *Connector) Name() string { return Name }

// DB exposes the underlying handle for tests.
func (c *Connector) DB() *sql.DB { return c.db }

func (c *Connector) q() querier {
	if c.tx != nil {
		return c.tx
	}
	return c.db
}

// DropAllTables drops every user table, including schema_migrations.
func (c *Connector) DropAllTables(ctx context.Context) error {
	if c.tx != nil {
		return storage.ErrTransactionOpen
	}
	tables, err := c.tableNames(ctx)
	if err != nil {
		return err
	}
	if _, err := c.db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
		return storage.QueryError(err, "disable foreign keys")
	}
	defer func() {
		_, _ = c.db.ExecContext(context.WithoutCancel(ctx), "PRAGMA foreign_keys = ON")
	}()
	for _, table := range tables {
		if _, err := c.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+storage.QuoteIdentifier(table)); err != nil {
			return storage.QueryError(err, "drop table "+table)
		}
	}
	c.logger.Info("all_tables_dropped", zap.Strings("tables", tables))
	return nil
}

func (c *Connector) tableNames(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, storage.QueryError(err, "list tables")
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storage.QueryError(err, "scan table name")
		}
		tables = append(tables, name)
	}
	return tables, storage.QueryError(rows.Err(), "list tables")
}

// TruncateAllTables deletes every row of the data tables, children first.
func (c *Connector) TruncateAllTables(ctx context.Context) error {
	for i := len(storage.DataTables) - 1; i >= 0; i-- {
		table := storage.DataTables[i]
		if _, err := c.q().ExecContext(ctx, "DELETE FROM "+storage.QuoteIdentifier(table)); err != nil {
			return storage.QueryError(err, "truncate "+table)
		}
	}
	return nil
}

// Migrate applies the embedded SQLite migrations.
func (c *Connector) Migrate(ctx context.Context, revision string) error {
	if c.tx != nil {
		return storage.ErrTransactionOpen
	}
	driver, err := migratesqlite.WithInstance(c.db, &migratesqlite.Config{MigrationsTable: migrations.Table})
	if err != nil {
		return storage.QueryError(err, "open migration driver")
	}
	return migrations.Apply(ctx, Name, driver, revision)
}

// Begin implements storage.Connector.
func (c *Connector) Begin(ctx context.Context) error {
	if c.tx != nil {
		return storage.ErrTransactionOpen
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.QueryError(err, "begin transaction")
	}
	c.tx = tx
	return nil
}

// Commit implements storage.Connector.
func (c *Connector) Commit(ctx context.Context) error {
	if c.tx == nil {
		return storage.ErrNoTransaction
	}
	err := c.tx.Commit()
	c.tx = nil
	return storage.LoadError(err, "commit", "transaction")
}

// Rollback implements storage.Connector.
func (c *Connector) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return storage.ErrNoTransaction
	}
	err := c.tx.Rollback()
	c.tx = nil
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return storage.QueryError(err, "rollback")
}

// BulkLoadStaging replaces the staging twin's rows with multi-row inserts.
func (c *Connector) BulkLoadStaging(ctx context.Context, group transform.RowGroup) error {
	if group.Len() == 0 {
		return nil
	}
	staging := storage.StagingTable(group.Table)
	if _, err := c.q().ExecContext(ctx, "DELETE FROM "+storage.QuoteIdentifier(staging)); err != nil {
		return storage.LoadError(err, "truncate staging", group.Table)
	}

	cols := make([]string, len(group.Columns))
	for i, col := range group.Columns {
		cols[i] = storage.QuoteIdentifier(col)
	}
	perStmt := maxVariables / len(cols)
	if perStmt < 1 {
		perStmt = 1
	}

	for start := 0; start < len(group.Rows); start += perStmt {
		end := min(start+perStmt, len(group.Rows))

		ib := sqlbuilder.SQLite.NewInsertBuilder()
		ib.InsertInto(storage.QuoteIdentifier(staging))
		ib.Cols(cols...)
		for _, row := range group.Rows[start:end] {
			ib.Values(bindValues(row)...)
		}
		query, args := ib.Build()
		if _, err := c.q().ExecContext(ctx, query, args...); err != nil {
			return storage.LoadError(err, "bulk load staging", group.Table)
		}
	}

	c.logger.Debug("staging_loaded", zap.String("table", group.Table), zap.Int("rows", group.Len()))
	return nil
}

func bindValues(row []any) []any {
	out := make([]any, len(row))
	for i, v := range row {
		switch x := v.(type) {
		case time.Time:
			out[i] = x.UTC().Format(TimeLayout)
		case bool:
			if x {
				out[i] = int64(1)
			} else {
				out[i] = int64(0)
			}
		default:
			out[i] = v
		}
	}
	return out
}

// ExecuteMerge implements storage.Connector.
func (c *Connector) ExecuteMerge(ctx context.Context, table string, keys []string) error {
	catalog, err := c.columns(ctx, table)
	if err != nil {
		return storage.LoadError(err, "read catalog for", table)
	}
	plan := storage.PlanMerge(storage.QuoteIdentifier, table, catalog, keys)

	if plan.DeleteChildren != "" {
		if _, err := c.q().ExecContext(ctx, plan.DeleteChildren); err != nil {
			return storage.LoadError(err, "delete children of", table)
		}
	}
	if plan.Insert == "" {
		logger.WithContext(ctx).Warn("merge_skipped_no_columns", zap.String("table", table))
		return nil
	}
	res, err := c.q().ExecContext(ctx, plan.Insert)
	if err != nil {
		return storage.LoadError(err, "merge", table)
	}
	affected, _ := res.RowsAffected()
	logger.WithContext(ctx).Debug("table_merged", zap.String("table", table), zap.Int64("rows", affected))
	return nil
}

func (c *Connector) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := c.q().QueryContext(ctx, `SELECT name FROM pragma_table_info(?) ORDER BY cid`, table)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	return cols, rows.Err()
}

// RecordDeadLetter implements storage.Connector.
func (c *Connector) RecordDeadLetter(ctx context.Context, dl storage.DeadLetter) error {
	var nctID any
	if dl.NctID != nil {
		nctID = *dl.NctID
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(storage.TableDeadLetterQueue)
	ib.Cols("nct_id", "payload", "error_message", "failed_at")
	ib.Values(nctID, storage.DeadLetterPayload(dl.Payload), dl.ErrorMessage, time.Now().UTC().Format(TimeLayout))

	query, args := ib.Build()
	if _, err := c.q().ExecContext(ctx, query, args...); err != nil {
		return storage.QueryError(err, "record dead letter")
	}
	return nil
}

// RecordRunHistory implements storage.Connector.
func (c *Connector) RecordRunHistory(ctx context.Context, status storage.RunStatus, metrics map[string]any) error {
	doc, err := storage.EncodeMetrics(metrics)
	if err != nil {
		return err
	}
	ib := sqlbuilder.SQLite.NewInsertBuilder()
	ib.InsertInto(storage.TableLoadHistory)
	ib.Cols("load_timestamp", "status", "metrics")
	ib.Values(time.Now().UTC().Format(TimeLayout), string(status), doc)

	query, args := ib.Build()
	if _, err := c.q().ExecContext(ctx, query, args...); err != nil {
		return storage.QueryError(err, "record run history")
	}
	return nil
}

// LastSuccessfulTimestamp implements storage.Connector.
func (c *Connector) LastSuccessfulTimestamp(ctx context.Context) (*time.Time, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("MAX(load_timestamp)")
	sb.From(storage.TableLoadHistory)
	sb.Where(sb.Equal("status", string(storage.StatusSuccess)))

	query, args := sb.Build()
	var ts sql.NullString
	if err := c.q().QueryRowContext(ctx, query, args...).Scan(&ts); err != nil {
		return nil, storage.QueryError(err, "read high-water mark")
	}
	if !ts.Valid {
		return nil, nil
	}
	t, err := parseTime(ts.String)
	if err != nil {
		return nil, storage.QueryError(err, "parse high-water mark")
	}
	return &t, nil
}

// LastRunHistory implements storage.Connector.
func (c *Connector) LastRunHistory(ctx context.Context) (*storage.RunHistory, error) {
	return c.lastHistory(ctx, "")
}

// LastSuccessfulRunHistory implements storage.Connector.
func (c *Connector) LastSuccessfulRunHistory(ctx context.Context) (*storage.RunHistory, error) {
	return c.lastHistory(ctx, storage.StatusSuccess)
}

func (c *Connector) lastHistory(ctx context.Context, status storage.RunStatus) (*storage.RunHistory, error) {
	sb := sqlbuilder.SQLite.NewSelectBuilder()
	sb.Select("id", "load_timestamp", "status", "metrics")
	sb.From(storage.TableLoadHistory)
	if status != "" {
		sb.Where(sb.Equal("status", string(status)))
	}
	sb.OrderBy("load_timestamp DESC", "id DESC")
	sb.Limit(1)

	query, args := sb.Build()
	var (
		h       storage.RunHistory
		ts, st  string
		metrics sql.NullString
	)
	err := c.q().QueryRowContext(ctx, query, args...).Scan(&h.ID, &ts, &st, &metrics)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.QueryError(err, "read run history")
	}
	if h.LoadTimestamp, err = parseTime(ts); err != nil {
		return nil, storage.QueryError(err, "parse run timestamp")
	}
	h.Status = storage.RunStatus(st)
	if h.Metrics, err = storage.DecodeMetrics([]byte(metrics.String)); err != nil {
		return nil, err
	}
	return &h, nil
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// Close rolls back any open transaction and closes the database.
func (c *Connector) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}
