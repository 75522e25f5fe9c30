// Package store persists tasks, executions, push subscriptions and queue job
// records in a relational database. SQLite (modernc) and PostgreSQL (pgx) are
// supported; statements are built with squirrel using the dialect's
// placeholder format.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/mohans/newsdigest/models"
)

// TaskStore persists tasks. (user_id, params_hash) is unique.
type TaskStore interface {
	CreateTask(ctx context.Context, t *models.Task) error
	GetTask(ctx context.Context, id string) (*models.Task, error)
	ListTasks(ctx context.Context, userID string) ([]models.Task, error)
	ListAllTasks(ctx context.Context) ([]models.Task, error)
	UpdateTask(ctx context.Context, t *models.Task, purgeExecutions bool) error
	DeleteTask(ctx context.Context, id string) error
}

// ExecutionStore persists pipeline runs and owns their state transitions.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, taskID string, at time.Time) (*models.Execution, error)
	GetExecution(ctx context.Context, id string) (*models.ExecutionDetail, error)
	InFlightExecution(ctx context.Context, taskID string) (*models.Execution, error)
	LatestExecution(ctx context.Context, taskID string) (*models.Execution, error)
	LatestCompletedExecution(ctx context.Context, taskID string) (*models.Execution, error)
	ListExecutions(ctx context.Context, taskID string, limit, offset int) ([]models.Execution, error)
	Transition(ctx context.Context, id string, to models.ExecutionStatus, u Update) error
}

// PushSubscriptionStore persists web push endpoints shared between users.
type PushSubscriptionStore interface {
	UpsertPushSubscription(ctx context.Context, userID string, sub models.PushSubscription) error
	ListPushSubscriptions(ctx context.Context, userID string) ([]models.PushSubscription, error)
	CountPushSubscriptions(ctx context.Context, userID string) (int, error)
	DeletePushSubscription(ctx context.Context, endpointHash string) error
	UnsubscribePush(ctx context.Context, userID, endpointHash string) error
}

// JobRecorder abstracts persistence of queue job lifecycle records.
// Implementations must be safe for concurrent use.
type JobRecorder interface {
	InsertCreated(ctx context.Context, rec JobRecord) error
	MarkStarted(ctx context.Context, jobID string, attempt int, startedAt time.Time) error
	MarkCompleted(ctx context.Context, jobID string, finishedAt time.Time) error
	MarkFailed(ctx context.Context, jobID string, errorMsg string, finishedAt time.Time) error
	GetJobRecord(ctx context.Context, jobID string) (*JobRecord, error)
}

// Config selects the driver ("sqlite" or "postgres") and DSN.
type Config struct {
	Driver string
	DSN    string
}

// SQLStore implements every store interface over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	sb      sq.StatementBuilderType
}

var (
	_ TaskStore             = (*SQLStore)(nil)
	_ ExecutionStore        = (*SQLStore)(nil)
	_ PushSubscriptionStore = (*SQLStore)(nil)
	_ JobRecorder           = (*SQLStore)(nil)
)

// Open connects, pings and migrates.
func Open(ctx context.Context, cfg Config) (*SQLStore, error) {
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(d.driverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if d == sqliteDialect {
		// a single connection keeps in-memory databases and write locking sane
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := newSQLStore(db, d)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// New wraps an existing connection. Call Migrate before use on a fresh
// database.
func New(db *sql.DB, driver string) (*SQLStore, error) {
	d, err := dialectFor(driver)
	if err != nil {
		return nil, err
	}
	return newSQLStore(db, d), nil
}

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d, sb: sq.StatementBuilder.PlaceholderFormat(d.placeholder())}
}

func (s *SQLStore) DB() *sql.DB  { return s.db }
func (s *SQLStore) Close() error { return s.db.Close() }

// Ping reports whether the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

type dialect string

const (
	sqliteDialect   dialect = "sqlite"
	postgresDialect dialect = "postgres"
)

func dialectFor(driver string) (dialect, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect, nil
	case "postgres", "postgresql", "pgx":
		return postgresDialect, nil
	}
	return "", fmt.Errorf("unsupported database driver %q", driver)
}

func (d dialect) driverName() string {
	if d == postgresDialect {
		return "pgx"
	}
	return "sqlite"
}

func (d dialect) placeholder() sq.PlaceholderFormat {
	if d == postgresDialect {
		return sq.Dollar
	}
	return sq.Question
}

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func exec(ctx context.Context, q queryer, b sq.Sqlizer) (sql.Result, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.ExecContext(ctx, query, args...)
}

func queryRow(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryRowContext(ctx, query, args...), nil
}

func query(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}

func (s *SQLStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// isUniqueViolation recognizes unique index violations from both drivers.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
