package connect

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/lib/pq"
	"github.com/nmxmxh/fundpulse/internal/config"
	"go.uber.org/zap"
)

const maxConnectAttempts = 5

// DSN renders the lib/pq connection string for cfg.
func DSN(cfg *config.Config) string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode,
	)
}

// ConnectPostgres opens and pings Postgres, retrying with exponential backoff.
func ConnectPostgres(ctx context.Context, log *zap.Logger, cfg *config.Config) (*sql.DB, error) {
	return Open(ctx, log, DSN(cfg), func(db *sql.DB) {
		db.SetMaxOpenConns(cfg.DBMaxOpenConns)
		db.SetMaxIdleConns(cfg.DBMaxIdleConns)
		db.SetConnMaxLifetime(time.Duration(cfg.DBConnMaxLifetimeMinutes) * time.Minute)
	})
}

// Open is ConnectPostgres for an explicit DSN. tune, when set, configures the
// pool once the first ping succeeds.
func Open(ctx context.Context, log *zap.Logger, dsn string, tune func(*sql.DB)) (*sql.DB, error) {
	var (
		db      *sql.DB
		attempt int
	)
	op := func() error {
		attempt++
		log.Info("Attempting database connection", zap.Int("attempt", attempt))
		conn, err := sql.Open("postgres", dsn)
		if err != nil {
			return err
		}
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := conn.PingContext(pingCtx); err != nil {
			_ = conn.Close()
			return err
		}
		db = conn
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn("Database ping failed", zap.Error(err), zap.Duration("retry_in", wait))
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(b, maxConnectAttempts-1), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, fmt.Errorf("failed to connect to database after %d attempts: %w", attempt, err)
	}
	if tune != nil {
		tune(db)
	}
	log.Info("Database connection established")
	return db, nil
}
