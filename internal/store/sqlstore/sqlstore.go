// Package sqlstore implements the quarantine and policy stores over the
// amavis database.
package sqlstore

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

// Dialect renders the few expressions that differ between backends.
type Dialect interface {
	Name() string
	// AddressText renders a maddr.email reference as comparable text.
	AddressText(col string) string
	// Like is the case-insensitive pattern operator.
	Like() string
}

type postgresDialect struct {
	encoding string
}

func (postgresDialect) Name() string { return "postgres" }

func (d postgresDialect) AddressText(col string) string {
	return "convert_from(" + col + ", '" + d.encoding + "')"
}

func (postgresDialect) Like() string { return "ILIKE" }

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) AddressText(col string) string { return col }

// LIKE is case-insensitive for ASCII in SQLite.
func (sqliteDialect) Like() string { return "LIKE" }

var encodingRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// NewDialect returns the dialect for a database/sql driver name. encoding
// is the charset of binary address columns, used by postgres only.
func NewDialect(driver, encoding string) (Dialect, error) {
	switch driver {
	case "postgres":
		if encoding == "" {
			encoding = "LATIN1"
		}
		if !encodingRe.MatchString(encoding) {
			return nil, fmt.Errorf("invalid database encoding %q", encoding)
		}
		return postgresDialect{encoding: encoding}, nil
	case "sqlite":
		return sqliteDialect{}, nil
	}
	return nil, fmt.Errorf("unsupported amavis database driver %q", driver)
}

// DB is a handle on the amavis database with its dialect.
type DB struct {
	*sqlx.DB
	dialect Dialect
}

// Wrap pairs an open connection with a dialect.
func Wrap(db *sqlx.DB, dialect Dialect) *DB {
	return &DB{DB: db, dialect: dialect}
}

// Dialect returns the dialect chosen at open time.
func (db *DB) Dialect() Dialect { return db.dialect }

// Open connects to the amavis database, retrying while it comes up.
func Open(driver, dsn, encoding string) (*DB, error) {
	dialect, err := NewDialect(driver, encoding)
	if err != nil {
		return nil, err
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open amavis database: %w", err)
	}

	var pingErr error
	for attempt := 1; attempt <= 5; attempt++ {
		pingErr = db.Ping()
		if pingErr == nil {
			break
		}
		slog.Warn("amavis database not ready, retrying", "attempt", attempt, "error", pingErr)
		time.Sleep(2 * time.Second)
	}
	if pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping amavis database after 5 attempts: %w", pingErr)
	}

	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		db.SetConnMaxIdleTime(1 * time.Minute)
	}

	return Wrap(db, dialect), nil
}

// InitSchema creates the amavis tables on a SQLite database. Postgres
// deployments use the schema shipped with amavisd-new.
func (db *DB) InitSchema(ctx context.Context) error {
	if db.dialect.Name() != "sqlite" {
		return nil
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("creating amavis schema: %w", err)
	}
	return nil
}

// in expands slice arguments of query and rebinds it for the driver.
func (db *DB) in(query string, args ...any) (string, []any, error) {
	q, a, err := sqlx.In(query, args...)
	if err != nil {
		return "", nil, err
	}
	return db.Rebind(q), a, nil
}
