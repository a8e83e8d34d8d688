// Package ledger records which test sessions hold a claim on the cluster.
// The ledger is a single table living inside the cluster's own database, created lazily.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/guseggert/testcluster/internal/metrics"
	"go.uber.org/zap"
)

// Conn is the connection the ledger runs on. Both *sql.Conn and *sql.DB implement it.
type Conn interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type Ledger struct {
	conn        Conn
	dialect     Dialect
	retention   time.Duration
	maxAttempts int
	log         *zap.SugaredLogger
	close       func() error
}

type Option func(l *Ledger)

func WithDialect(d Dialect) Option {
	return func(l *Ledger) {
		l.dialect = d
	}
}

// WithRetention sets the age after which a session is counted by CountStale.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		l.retention = d
	}
}

// WithMaxAttempts bounds how many times a conflicting transaction is re-run.
func WithMaxAttempts(n int) Option {
	return func(l *Ledger) {
		l.maxAttempts = n
	}
}

func WithLogger(log *zap.SugaredLogger) Option {
	return func(l *Ledger) {
		l.log = log.Named("ledger")
	}
}

// New creates a ledger on an existing connection. Closing the ledger does not close conn.
func New(conn Conn, opts ...Option) *Ledger {
	l := &Ledger{
		conn:        conn,
		dialect:     Redshift,
		retention:   time.Hour,
		maxAttempts: 5,
		log:         zap.NewNop().Sugar(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Close releases the connection if the ledger opened it.
func (l *Ledger) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}

// EnsureSchema creates the session table if it does not exist.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		return l.createTable(ctx, tx)
	})
	return l.observe("ensure_schema", err)
}

// Register records the session.
// Registering an id that is already present leaves the single existing record in place.
func (l *Ledger) Register(ctx context.Context, sessionID string) error {
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if err := l.createTable(ctx, tx); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, l.dialect.insertSession(), sessionID)
		if err != nil {
			return fmt.Errorf("inserting session %q: %w", sessionID, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			l.log.Debugw("session already registered", "session", sessionID)
		}
		return nil
	})
	return l.observe("register", err)
}

// Unregister removes the session. Removing an unknown session is a no-op.
func (l *Ledger) Unregister(ctx context.Context, sessionID string) error {
	err := l.inTx(ctx, func(tx *sql.Tx) error {
		if err := l.createTable(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, l.dialect.deleteSession(), sessionID); err != nil {
			return fmt.Errorf("deleting session %q: %w", sessionID, err)
		}
		return nil
	})
	return l.observe("unregister", err)
}

// CountStale counts the sessions older than the retention window.
// If the session table has not been created yet, the count is zero.
func (l *Ledger) CountStale(ctx context.Context) (int, error) {
	count, err := l.count(ctx, l.dialect.countStaleSessions(l.retentionSeconds()))
	return count, l.observe("count_stale", err)
}

// CountActive counts the sessions within the retention window.
// If the session table has not been created yet, the count is zero.
func (l *Ledger) CountActive(ctx context.Context) (int, error) {
	count, err := l.count(ctx, l.dialect.countActiveSessions(l.retentionSeconds()))
	return count, l.observe("count_active", err)
}

func (l *Ledger) retentionSeconds() int64 {
	return int64(l.retention / time.Second)
}

func (l *Ledger) count(ctx context.Context, query string) (int, error) {
	var count int
	err := l.conn.QueryRowContext(ctx, query).Scan(&count)
	if isUndefinedTable(err) {
		l.log.Debug("session table does not exist yet")
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counting sessions: %w", err)
	}
	return count, nil
}

func (l *Ledger) createTable(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, l.dialect.createTable()); err != nil {
		return fmt.Errorf("creating %s table: %w", tableName, err)
	}
	return nil
}

// inTx runs fn in a transaction, re-running the whole transaction when it fails due to a concurrent writer.
func (l *Ledger) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	for attempt := 1; ; attempt++ {
		err := l.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if !isConflict(err) || attempt >= l.maxAttempts || ctx.Err() != nil {
			return err
		}
		l.log.Debugw("transaction conflicted, retrying", "attempt", attempt, "error", err)
	}
}

func (l *Ledger) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			l.log.Debugw("rolling back transaction", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (l *Ledger) observe(op string, err error) error {
	metrics.LedgerOps.WithLabelValues(op, metrics.Result(err)).Inc()
	return err
}
