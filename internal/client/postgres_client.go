package client

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"smsup-service/internal/config"
	"smsup-service/internal/retry"
	"smsup-service/internal/util"
)

// NewPostgresDB opens the profile database through the pgx stdlib driver and
// waits for it under the retry policy.
func NewPostgresDB(cfg *config.Config) (*sql.DB, error) {
	pg := cfg.Postgres

	db, err := sql.Open("pgx", pg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(pg.MaxOpenConns)
	db.SetMaxIdleConns(pg.MaxIdleConns)
	db.SetConnMaxIdleTime(pg.ConnMaxIdle)
	db.SetConnMaxLifetime(pg.ConnMaxLifetime)

	err = retry.Do(context.Background(), retry.FromConfig(cfg.Retry), func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}, func(attempt int, err error, wait time.Duration) {
		util.Warn("Postgres not reachable, retrying",
			util.Int("attempt", attempt),
			util.Duration("wait", wait),
			util.ErrorField(err))
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	util.Info("Postgres connection pool initialized",
		util.Int("max_open_conns", pg.MaxOpenConns))
	return db, nil
}
