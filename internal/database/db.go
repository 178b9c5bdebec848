// Package database manages the PostgreSQL connection owned by the dispatch
// loop.
package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/openmon/alertflow/internal/telemetry"
)

// Config holds the connection settings.
type Config struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string

	// Instrument enables OpenTelemetry instrumentation of the driver.
	Instrument bool
}

func (c Config) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Connect opens a connection pool and verifies it with a ping, retrying with
// exponential backoff for up to a minute so the dispatcher survives a
// database that is still starting.
func Connect(config Config, log *telemetry.Logger) (*sql.DB, error) {
	logger := log.WithField("host", config.Host).
		WithField("database", config.DBName)

	var (
		db  *sql.DB
		err error
	)

	if config.Instrument {
		port, _ := strconv.Atoi(config.Port)
		db, err = otelsql.Open("postgres", config.dsn(),
			otelsql.WithAttributes(
				semconv.DBSystemPostgreSQL,
				semconv.DBName(config.DBName),
				semconv.NetPeerName(config.Host),
				semconv.NetPeerPort(port),
			),
		)
	} else {
		db, err = sql.Open("postgres", config.dsn())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = time.Minute

	err = backoff.RetryNotify(db.Ping, policy, func(err error, next time.Duration) {
		logger.WithError(err).Warnf("database ping failed, retrying in %s", next)
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if config.Instrument {
		if err := otelsql.RegisterDBStatsMetrics(db,
			otelsql.WithAttributes(
				semconv.DBSystemPostgreSQL,
				semconv.DBName(config.DBName),
			),
		); err != nil {
			logger.WithError(err).Warn("failed to register database stats")
		}
	}

	logger.Info("database connection established")
	return db, nil
}
