package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour of the underlying database
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgresql"
	}
	return "sqlite"
}

// PolicyDefaults apply to users without an explicit device policy
type PolicyDefaults struct {
	DeviceLimit *int
	Enforce     bool
}

// DB wraps the database handle with its dialect and the conflict retry policy
type DB struct {
	*sql.DB
	Dialect       Dialect
	RetryAttempts int
	Defaults      PolicyDefaults

	metrics *observability.DatabaseMetrics
}

// NewDB wraps an opened and migrated database handle
func NewDB(db *sql.DB, dialect Dialect, retryAttempts int, defaults PolicyDefaults) *DB {
	if retryAttempts < 1 {
		retryAttempts = 1
	}
	metrics, err := observability.NewDatabaseMetrics()
	if err != nil {
		observability.Warnf("Database metrics unavailable: %v", err)
	}
	return &DB{
		DB:            db,
		Dialect:       dialect,
		RetryAttempts: retryAttempts,
		Defaults:      defaults,
		metrics:       metrics,
	}
}

// runTx runs fn in a transaction, retrying on write conflicts.
// After RetryAttempts conflicting attempts it returns models.ErrStoreConflict.
func (db *DB) runTx(ctx context.Context, operation, table string, fn func(tx *sql.Tx) error) error {
	ctx, span := observability.StartDBSpan(ctx, operation, table)
	defer span.End()

	start := time.Now()
	var err error
	for attempt := 1; attempt <= db.RetryAttempts; attempt++ {
		err = db.attemptTx(ctx, nil, fn)
		if err == nil || !isConflict(err) {
			break
		}
		observability.WithContext(ctx).WithFields(map[string]interface{}{
			"operation": operation,
			"attempt":   attempt,
		}).Debugf("Store conflict, retrying: %v", err)

		if attempt < db.RetryAttempts {
			select {
			case <-ctx.Done():
				err = ctx.Err()
				attempt = db.RetryAttempts
			case <-time.After(time.Duration(attempt*attempt) * 5 * time.Millisecond):
			}
		}
	}
	if err != nil && isConflict(err) {
		err = fmt.Errorf("%s %s: %w", operation, table, models.ErrStoreConflict)
	}

	if db.metrics != nil {
		db.metrics.RecordQuery(ctx, operation, table, time.Since(start), err)
	}
	observability.RecordError(span, err)
	return err
}

// readTx runs fn in a transaction that sees one consistent snapshot
func (db *DB) readTx(ctx context.Context, operation, table string, fn func(tx *sql.Tx) error) error {
	ctx, span := observability.StartDBSpan(ctx, operation, table)
	defer span.End()

	var opts *sql.TxOptions
	if db.Dialect == DialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	err := db.attemptTx(ctx, opts, fn)
	if err != nil && isConflict(err) {
		err = fmt.Errorf("%s %s: %w", operation, table, models.ErrStoreConflict)
	}
	observability.RecordError(span, err)
	return err
}

func (db *DB) attemptTx(ctx context.Context, opts *sql.TxOptions, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, opts)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isConflict reports whether err is a transient write contention error
func isConflict(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy ||
			sqliteErr.Code == sqlite3.ErrLocked ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"23505": // unique_violation
			return true
		}
	}
	return false
}

// queryer is satisfied by *sql.DB and *sql.Tx
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullBool(b *bool) sql.NullBool {
	if b == nil {
		return sql.NullBool{}
	}
	return sql.NullBool{Bool: *b, Valid: true}
}

func nullIntPtr(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func intPtrFromNull(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
