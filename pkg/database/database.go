// Package database provides the dual-role persistence substrate: a
// privileged admin pool used only for DDL and global catalog ingest, and an
// unprivileged app pool whose every user-scoped query runs inside a
// transaction carrying app.current_user_id, which the row-level-security
// policies key on.
//
// Isolation is structural: the app role holds only DML grants and no
// BYPASSRLS, so a query that escapes the scope helpers sees no rows rather
// than someone else's.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNoScope reports a user-scoped call made without a user id.
	ErrNoScope = errors.New("database: user-scoped call outside a user scope")
	// ErrIsolation reports an RLS policy rejection, which means a write
	// carried a foreign user_id. This is an internal consistency error,
	// never a user error.
	ErrIsolation = errors.New("database: row-level security policy rejected the operation")
)

// DB holds the two pools.
type DB struct {
	// Admin is the privileged pool. Schema creation, policy installation
	// and global reference-catalog ingest only.
	Admin *sql.DB
	// App is the unprivileged pool all user-scoped work goes through.
	App *sql.DB

	logger *slog.Logger
}

// Open connects both pools and verifies connectivity.
func Open(ctx context.Context, adminDSN, appDSN string) (*DB, error) {
	admin, err := openPool(ctx, adminDSN, 4)
	if err != nil {
		return nil, fmt.Errorf("database: open admin pool: %w", err)
	}
	app, err := openPool(ctx, appDSN, 16)
	if err != nil {
		_ = admin.Close()
		return nil, fmt.Errorf("database: open app pool: %w", err)
	}
	return &DB{
		Admin:  admin,
		App:    app,
		logger: slog.Default().With("component", "database"),
	}, nil
}

func openPool(ctx context.Context, dsn string, maxConns int) (*sql.DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	pool.SetMaxOpenConns(maxConns)
	pool.SetMaxIdleConns(maxConns / 2)
	pool.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		_ = pool.Close()
		return nil, err
	}
	return pool, nil
}

// NewFromPools wraps pre-opened pools. Tests use this with sqlmock.
func NewFromPools(admin, app *sql.DB) *DB {
	return &DB{
		Admin:  admin,
		App:    app,
		logger: slog.Default().With("component", "database"),
	}
}

// Close closes both pools.
func (d *DB) Close() error {
	appErr := d.App.Close()
	adminErr := d.Admin.Close()
	if appErr != nil {
		return appErr
	}
	return adminErr
}

// WithUserScope opens a read-write transaction on the app pool, pins
// app.current_user_id for its duration, runs fn and commits. Any error from
// fn rolls the whole transaction back and is returned unchanged.
func (d *DB) WithUserScope(ctx context.Context, userID string, fn func(tx *sql.Tx) error) error {
	return d.scoped(ctx, userID, false, fn)
}

// WithUserRead is WithUserScope with a read-only transaction.
func (d *DB) WithUserRead(ctx context.Context, userID string, fn func(tx *sql.Tx) error) error {
	return d.scoped(ctx, userID, true, fn)
}

func (d *DB) scoped(ctx context.Context, userID string, readOnly bool, fn func(tx *sql.Tx) error) error {
	if userID == "" {
		return ErrNoScope
	}

	tx, err := d.App.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return fmt.Errorf("database: begin scoped tx: %w", err)
	}

	// SET LOCAL scopes the setting to this transaction only; the pooled
	// connection carries nothing across to its next borrower.
	if _, err := tx.ExecContext(ctx, `SELECT set_config('app.current_user_id', $1, true)`, userID); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("database: set user scope: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			d.logger.Error("rollback failed", "error", rbErr, "cause", err)
		}
		return classify(err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: commit scoped tx: %w", classify(err))
	}
	return nil
}

// classify maps Postgres RLS rejections onto ErrIsolation so callers report
// them as internal consistency failures instead of generic SQL errors.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// 42501 insufficient_privilege: RLS WITH CHECK rejection or a
		// DDL attempt through the app role.
		if pqErr.Code == "42501" {
			return fmt.Errorf("%w: %s", ErrIsolation, pqErr.Message)
		}
	}
	return err
}
