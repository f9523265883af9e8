// Package migrations embeds the schema for every storage engine and applies
// it with golang-migrate.
package migrations

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
	"github.com/ajitpratap0/ctgov-loader/pkg/logger"
)

//go:embed postgres/*.sql sqlite/*.sql
var files embed.FS

// Head migrates to the newest embedded version.
const Head = "head"

// Table is the bookkeeping table golang-migrate maintains.
const Table = "schema_migrations"

// migrationLogger routes golang-migrate output through zap.
type migrationLogger struct {
	log *zap.SugaredLogger
}

func (l migrationLogger) Printf(format string, v ...any) {
	l.log.Infof(format, v...)
}

func (l migrationLogger) Verbose() bool {
	return false
}

// ParseRevision converts "head" or a version number into a target version.
// Zero means head.
func ParseRevision(revision string) (uint, error) {
	if revision == "" || revision == Head {
		return 0, nil
	}
	v, err := strconv.ParseUint(revision, 10, 32)
	if err != nil || v == 0 {
		return 0, loadererrors.Newf(loadererrors.ErrorTypeConfig, "invalid revision %q: must be %q or a positive version", revision, Head)
	}
	return uint(v), nil
}

// Apply migrates driver to revision using the migrations embedded for engine.
// The caller owns driver; Apply closes only the embedded source.
func Apply(ctx context.Context, engine string, driver database.Driver, revision string) error {
	target, err := ParseRevision(revision)
	if err != nil {
		return err
	}

	src, err := iofs.New(files, engine)
	if err != nil {
		return loadererrors.Wrapf(err, loadererrors.ErrorTypeConfig, "no migrations for engine %s", engine)
	}
	defer src.Close()

	m, err := migrate.NewWithInstance("iofs", src, engine, driver)
	if err != nil {
		return loadererrors.Wrap(err, loadererrors.ErrorTypeQuery, "failed to create migrate instance")
	}
	log := logger.WithContext(ctx).With(zap.String("engine", engine))
	m.Log = migrationLogger{log: log.Sugar()}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			m.GracefulStop <- true
		case <-done:
		}
	}()

	before, dirty, verr := m.Version()
	if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
		return loadererrors.Wrap(verr, loadererrors.ErrorTypeQuery, "failed to read migration version")
	}
	if dirty {
		return loadererrors.Newf(loadererrors.ErrorTypeQuery, "database is dirty at version %d; fix it and force the version before migrating", before)
	}

	if target == 0 {
		err = m.Up()
	} else {
		err = m.Migrate(target)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("migrations_up_to_date", zap.Uint("version", before))
		return nil
	}
	if err != nil {
		return loadererrors.Wrap(err, loadererrors.ErrorTypeQuery, fmt.Sprintf("failed to migrate to %s", revisionLabel(revision)))
	}

	after, _, _ := m.Version()
	log.Info("migrations_applied", zap.Uint("from_version", before), zap.Uint("to_version", after))
	return nil
}

// Versions lists the embedded migration versions for engine in order.
func Versions(engine string) ([]uint, error) {
	src, err := iofs.New(files, engine)
	if err != nil {
		return nil, loadererrors.Wrapf(err, loadererrors.ErrorTypeConfig, "no migrations for engine %s", engine)
	}
	defer src.Close()

	v, err := src.First()
	if err != nil {
		return nil, err
	}
	versions := []uint{v}
	for {
		next, err := src.Next(v)
		if err != nil {
			break
		}
		versions = append(versions, next)
		v = next
	}
	return versions, nil
}

func revisionLabel(revision string) string {
	if revision == "" {
		return Head
	}
	return revision
}
