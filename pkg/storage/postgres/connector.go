// Package postgres implements storage.Connector on PostgreSQL with pgx.
// Staging tables are filled with COPY and merged with INSERT ... ON CONFLICT.
package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/pkg/config"
	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage"
	"github.com/ajitpratap0/ctgov-loader/pkg/storage/migrations"
	"github.com/ajitpratap0/ctgov-loader/pkg/transform"
)

// Name is the registry name of this engine.
const Name = "postgres"

func init() {
	storage.Register(Name, func(ctx context.Context, cfg config.DBConfig) (storage.Connector, error) {
		return Open(ctx, cfg)
	})
}

var _ storage.Connector = (*Connector)(nil)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

// Connector is a PostgreSQL destination backed by a pgx pool.
type Connector struct {
	pool   *pgxpool.Pool
	tx     pgx.Tx
	logger *zap.Logger
}

// Open creates the pool described by cfg and verifies connectivity.
func Open(ctx context.Context, cfg config.DBConfig) (*Connector, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, storage.QueryError(err, "parse postgres dsn")
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, storage.QueryError(err, "create postgres pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, storage.QueryError(err, "ping postgres")
	}

	log := logger.Get().With(zap.String("connector", Name))
	log.Debug("postgres_connected",
		zap.String("host", poolConfig.ConnConfig.Host),
		zap.String("database", poolConfig.ConnConfig.Database),
		zap.Int32("max_connections", poolConfig.MaxConns))

	return &Connector{pool: pool, logger: log}, nil
}

// Name implements storage.Connector.
func (c *Connector) Name() string { return Name }

// Pool exposes the pool for tests.
func (c *Connector) Pool() *pgxpool.Pool { return c.pool }

func (c *Connector) q() querier {
	if c.tx != nil {
		return c.tx
	}
	return c.pool
}

func quote(name string) string {
	return pgx.Identifier{name}.Sanitize()
}

func quoteAll(names []string) string {
	quoted := make([]string, len(names))
	for i, n := range names {
		quoted[i] = quote(n)
	}
	return strings.Join(quoted, ", ")
}

// DropAllTables drops every table in the current schema.
func (c *Connector) DropAllTables(ctx context.Context) error {
	if c.tx != nil {
		return storage.ErrTransactionOpen
	}
	rows, err := c.pool.Query(ctx, `SELECT tablename FROM pg_catalog.pg_tables WHERE schemaname = current_schema() ORDER BY tablename`)
	if err != nil {
		return storage.QueryError(err, "list tables")
	}
	tables, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return storage.QueryError(err, "list tables")
	}
	if len(tables) == 0 {
		return nil
	}
	if _, err := c.pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoteAll(tables)+" CASCADE"); err != nil {
		return storage.QueryError(err, "drop tables")
	}
	c.logger.Info("all_tables_dropped", zap.Strings("tables", tables))
	return nil
}

// TruncateAllTables empties the data tables and resets their sequences.
func (c *Connector) TruncateAllTables(ctx context.Context) error {
	stmt := "TRUNCATE TABLE " + quoteAll(storage.DataTables) + " RESTART IDENTITY CASCADE"
	if _, err := c.q().Exec(ctx, stmt); err != nil {
		return storage.QueryError(err, "truncate tables")
	}
	return nil
}

// Migrate applies the embedded PostgreSQL migrations over a dedicated
// database/sql connection.
func (c *Connector) Migrate(ctx context.Context, revision string) error {
	if c.tx != nil {
		return storage.ErrTransactionOpen
	}
	db := stdlib.OpenDB(*c.pool.Config().ConnConfig)
	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{MigrationsTable: migrations.Table})
	if err != nil {
		_ = db.Close()
		return storage.QueryError(err, "open migration driver")
	}
	defer func() { _ = driver.Close() }()
	return migrations.Apply(ctx, Name, driver, revision)
}

// Begin implements storage.Connector.
func (c *Connector) Begin(ctx context.Context) error {
	if c.tx != nil {
		return storage.ErrTransactionOpen
	}
	tx, err := c.pool.Begin(ctx)
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
	err := c.tx.Commit(ctx)
	c.tx = nil
	return storage.LoadError(err, "commit", "transaction")
}

// Rollback implements storage.Connector. It runs even when ctx is done so a
// cancelled run still releases its transaction.
func (c *Connector) Rollback(ctx context.Context) error {
	if c.tx == nil {
		return storage.ErrNoTransaction
	}
	err := c.tx.Rollback(context.WithoutCancel(ctx))
	c.tx = nil
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return storage.QueryError(err, "rollback")
}

// BulkLoadStaging truncates the staging twin and COPYs group into it.
func (c *Connector) BulkLoadStaging(ctx context.Context, group transform.RowGroup) error {
	if group.Len() == 0 {
		return nil
	}
	staging := storage.StagingTable(group.Table)
	if _, err := c.q().Exec(ctx, "TRUNCATE TABLE "+quote(staging)); err != nil {
		return storage.LoadError(err, "truncate staging", group.Table)
	}
	n, err := c.q().CopyFrom(ctx, pgx.Identifier{staging}, group.Columns, pgx.CopyFromRows(group.Rows))
	if err != nil {
		return storage.LoadError(err, "copy into staging", group.Table)
	}
	c.logger.Debug("staging_loaded", zap.String("table", group.Table), zap.Int64("rows", n))
	return nil
}

// ExecuteMerge implements storage.Connector.
func (c *Connector) ExecuteMerge(ctx context.Context, table string, keys []string) error {
	catalog, err := c.columns(ctx, table)
	if err != nil {
		return storage.LoadError(err, "read catalog for", table)
	}
	plan := storage.PlanMerge(quote, table, catalog, keys)

	if plan.DeleteChildren != "" {
		tag, err := c.q().Exec(ctx, plan.DeleteChildren)
		if err != nil {
			return storage.LoadError(err, "delete children of", table)
		}
		logger.WithContext(ctx).Debug("children_deleted", zap.String("table", table), zap.Int64("rows", tag.RowsAffected()))
	}
	if plan.Insert == "" {
		logger.WithContext(ctx).Warn("merge_skipped_no_columns", zap.String("table", table))
		return nil
	}
	tag, err := c.q().Exec(ctx, plan.Insert)
	if err != nil {
		return storage.LoadError(err, "merge", table)
	}
	logger.WithContext(ctx).Debug("table_merged", zap.String("table", table), zap.Int64("rows", tag.RowsAffected()))
	return nil
}

func (c *Connector) columns(ctx context.Context, table string) ([]string, error) {
	rows, err := c.q().Query(ctx, `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1
		ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// RecordDeadLetter implements storage.Connector.
func (c *Connector) RecordDeadLetter(ctx context.Context, dl storage.DeadLetter) error {
	var nctID any
	if dl.NctID != nil {
		nctID = *dl.NctID
	}
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(storage.TableDeadLetterQueue)
	ib.Cols("nct_id", "payload", "error_message")
	ib.Values(nctID, storage.DeadLetterPayload(dl.Payload), dl.ErrorMessage)

	query, args := ib.Build()
	if _, err := c.q().Exec(ctx, query, args...); err != nil {
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
	ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
	ib.InsertInto(storage.TableLoadHistory)
	ib.Cols("load_timestamp", "status", "metrics")
	ib.Values(time.Now().UTC(), string(status), doc)

	query, args := ib.Build()
	if _, err := c.q().Exec(ctx, query, args...); err != nil {
		return storage.QueryError(err, "record run history")
	}
	return nil
}

// LastSuccessfulTimestamp implements storage.Connector.
func (c *Connector) LastSuccessfulTimestamp(ctx context.Context) (*time.Time, error) {
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("MAX(load_timestamp)")
	sb.From(storage.TableLoadHistory)
	sb.Where(sb.Equal("status", string(storage.StatusSuccess)))

	query, args := sb.Build()
	var ts *time.Time
	if err := c.q().QueryRow(ctx, query, args...).Scan(&ts); err != nil {
		return nil, storage.QueryError(err, "read high-water mark")
	}
	if ts == nil {
		return nil, nil
	}
	utc := ts.UTC()
	return &utc, nil
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
	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
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
		st      string
		metrics []byte
	)
	err := c.q().QueryRow(ctx, query, args...).Scan(&h.ID, &h.LoadTimestamp, &st, &metrics)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storage.QueryError(err, "read run history")
	}
	h.LoadTimestamp = h.LoadTimestamp.UTC()
	h.Status = storage.RunStatus(st)
	if h.Metrics, err = storage.DecodeMetrics(metrics); err != nil {
		return nil, err
	}
	return &h, nil
}

// Close rolls back any open transaction and closes the pool.
func (c *Connector) Close() error {
	if c.tx != nil {
		_ = c.tx.Rollback(context.Background())
		c.tx = nil
	}
	c.pool.Close()
	return nil
}
