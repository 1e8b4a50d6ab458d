package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"adfunds.io/internal/events"
	"adfunds.io/internal/ledger"
	"adfunds.io/internal/obs"
	"adfunds.io/internal/plan"
	"adfunds.io/internal/store"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrCheckViolation      = "23514"
	pgErrSerialization       = "40001"
	pgErrDeadlock            = "40P01"

	maxTxAttempts = 3
)

// Store is the Postgres backend for the ledger, entitlements, sessions,
// assets, plan assignments and the audit log.
type Store struct {
	db      *sql.DB
	catalog *plan.Catalog
	policy  ledger.Policy
	events  events.Publisher
	now     func() time.Time
}

// Option configures Store.
type Option func(*Store)

func WithPolicy(p ledger.Policy) Option       { return func(s *Store) { s.policy = p } }
func WithPublisher(p events.Publisher) Option { return func(s *Store) { s.events = p } }
func WithClock(now func() time.Time) Option   { return func(s *Store) { s.now = now } }

// PoolConfig tunes database/sql pooling.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPool is used for zero fields of PoolConfig.
var DefaultPool = PoolConfig{MaxOpenConns: 50, MaxIdleConns: 25, ConnMaxLifetime: 15 * time.Minute, ConnMaxIdleTime: 5 * time.Minute}

// Open connects through the pgx stdlib driver.
func Open(dsn string, pool PoolConfig, catalog *plan.Catalog, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if pool.MaxOpenConns == 0 {
		pool.MaxOpenConns = DefaultPool.MaxOpenConns
	}
	if pool.MaxIdleConns == 0 {
		pool.MaxIdleConns = DefaultPool.MaxIdleConns
	}
	if pool.ConnMaxLifetime == 0 {
		pool.ConnMaxLifetime = DefaultPool.ConnMaxLifetime
	}
	if pool.ConnMaxIdleTime == 0 {
		pool.ConnMaxIdleTime = DefaultPool.ConnMaxIdleTime
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	return New(db, catalog, opts...), nil
}

// New wraps an existing handle. Tests pass a sqlmock connection.
func New(db *sql.DB, catalog *plan.Catalog, opts ...Option) *Store {
	s := &Store{db: db, catalog: catalog, events: events.Nop{}, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers. Used by readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return store.Unavailable(err)
	}
	return nil
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx runs fn in a transaction at iso and retries serialization failures.
// Errors returned by fn pass through unchanged; fn wraps driver errors with
// store.Unavailable itself.
func (s *Store) inTx(ctx context.Context, iso sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, iso, fn)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			return err
		}
		obs.Logger().Debug("retrying transaction", "attempt", attempt, "error", err)
	}
	return store.Unavailable(err)
}

func (s *Store) runTx(ctx context.Context, iso sql.IsolationLevel, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return store.Unavailable(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return store.Unavailable(err)
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func isPgCode(err error, code string) bool {
	pgErr, ok := maybePgError(err)
	return ok && pgErr.Code == code
}

func retryable(err error) bool {
	return isPgCode(err, pgErrSerialization) || isPgCode(err, pgErrDeadlock)
}

func (s *Store) publish(ctx context.Context, evt events.Event) {
	if err := s.events.Publish(ctx, evt); err != nil {
		obs.Logger().Warn("event publish failed", "kind", evt.Kind, "reference", evt.Reference, "error", err)
	}
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
