// Package db provides database connectivity, models and repositories for
// neondeck. It owns the schema migrations and maps PostgreSQL failures onto
// the coded errors of the errors package.
package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/metrics"
)

// sanitizeDBError converts raw database errors into coded errors that don't
// expose SQL details or credentials to API clients. The original error is
// kept as the Cause for internal logging.
func sanitizeDBError(operation string, err error) error {
	if err == nil {
		return nil
	}

	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.NewDatabaseError(errors.CodeNotFound, "Resource not found").WithOperation(operation)
	}
	if stderrors.Is(err, context.Canceled) {
		dbErr := errors.WrapDatabaseError(errors.CodeCanceled, "Database operation was canceled", err)
		return dbErr.WithOperation(operation)
	}
	if stderrors.Is(err, context.DeadlineExceeded) {
		dbErr := errors.WrapDatabaseError(errors.CodeDatabaseTimeout, "Database operation timed out", err)
		return dbErr.WithOperation(operation)
	}

	var pqErr *pq.Error
	if stderrors.As(err, &pqErr) {
		var dbErr *errors.DatabaseError
		switch pqErr.Code {
		case "23505": // unique_violation
			dbErr = errors.NewDatabaseError(errors.CodeConflict, "Resource already exists")
		case "23503": // foreign_key_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Referenced resource does not exist")
		case "23502": // not_null_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Required field is missing")
		case "23514": // check_violation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Data validation failed")
		case "22001": // string_data_right_truncation
			dbErr = errors.NewDatabaseError(errors.CodeValidation, "Value too long")
		case "57014": // query_canceled
			dbErr = errors.NewDatabaseError(errors.CodeCanceled, "Database operation was canceled")
		case "57P01": // admin_shutdown
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection lost")
		case "08000", "08003", "08006":
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseConnection, "Database connection error")
		default:
			dbErr = errors.NewDatabaseError(errors.CodeDatabaseQuery,
				fmt.Sprintf("Database operation failed: %s", operation))
		}
		dbErr.Operation = operation
		dbErr.Cause = err
		return dbErr
	}

	dbErr := errors.NewDatabaseError(errors.CodeDatabaseQuery, fmt.Sprintf("Database operation failed: %s", operation))
	dbErr.Operation = operation
	dbErr.Cause = err
	return dbErr
}

// observe records query metrics for operation and returns the sanitized error.
func observe(operation string, start time.Time, err error) error {
	metrics.RecordDatabaseQuery(operation, time.Since(start), err == nil)
	return sanitizeDBError(operation, err)
}

const (
	defaultPostgresPort    = 5432
	defaultMaxOpenConns    = 10
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5
	defaultConnMaxIdleTime = 5
)

// DB wraps sqlx.DB with additional functionality.
type DB struct {
	*sqlx.DB
}

// Config holds database configuration. When URL is set it is used as the
// connection string as-is and the discrete fields are ignored.
type Config struct {
	URL             string        `yaml:"url" json:"-"`
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	Database        string        `yaml:"database" json:"database"`
	Username        string        `yaml:"username" json:"username"`
	Password        string        `yaml:"password" json:"-"`
	SSLMode         string        `yaml:"ssl_mode" json:"ssl_mode"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

// DefaultConfig returns the default database configuration.
func DefaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            defaultPostgresPort,
		Database:        "neondeck",
		Username:        "neondeck",
		SSLMode:         "disable",
		MaxOpenConns:    defaultMaxOpenConns,
		MaxIdleConns:    defaultMaxIdleConns,
		ConnMaxLifetime: defaultConnMaxLifetime * time.Minute,
		ConnMaxIdleTime: defaultConnMaxIdleTime * time.Minute,
	}
}

// DSN returns the lib/pq connection string for the configuration.
func (c *Config) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Database, c.Username, c.Password, c.SSLMode,
	)
}

// Connect establishes a connection to PostgreSQL.
// Returned errors never include the DSN.
func Connect(ctx context.Context, config *Config) (*DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", config.DSN())
	if err != nil {
		return nil, errors.ErrDatabaseConnection(err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			logging.Warn("Failed to close database connection after ping failure")
		}
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Failed to verify database connection", err)
	}

	if config.URL != "" {
		logging.InfoDatabase("Connected to database from URL")
	} else {
		logging.InfoDatabase("Connected to database",
			"host", config.Host, "port", config.Port, "database", config.Database)
	}
	metrics.GetGlobalMetrics().SetActiveConnections(db.Stats().OpenConnections)
	return &DB{DB: db}, nil
}

// Ping verifies the connection is still usable.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.PingContext(ctx); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseConnection, "Database ping failed", err)
	}
	return nil
}
