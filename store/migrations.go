package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one versioned schema step.
type Migration struct {
	Version int
	Name    string
	SQL     []string
}

var sqliteMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_tasks",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id                VARCHAR(64)  PRIMARY KEY,
				user_id           VARCHAR(128) NOT NULL,
				country           VARCHAR(8)   NULL,
				category          VARCHAR(32)  NULL,
				query             TEXT         NULL,
				params_version    VARCHAR(32)  NOT NULL,
				params_hash       CHAR(64)     NOT NULL,
				schedule_type     VARCHAR(16)  NOT NULL,
				schedule_run_at   VARCHAR(5)   NULL,
				schedule_timezone VARCHAR(64)  NOT NULL,
				created_at        DATETIME     NOT NULL,
				updated_at        DATETIME     NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_tasks_user_params ON tasks(user_id, params_hash)`,
		},
	},
	{
		Version: 2,
		Name:    "create_task_executions",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS task_executions (
				id            VARCHAR(64) PRIMARY KEY,
				task_id       VARCHAR(64) NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				status        VARCHAR(16) NOT NULL,
				created_at    DATETIME    NOT NULL,
				started_at    DATETIME    NULL,
				completed_at  DATETIME    NULL,
				result_json   TEXT        NULL,
				error_message TEXT        NULL
			)`,
			`CREATE INDEX IF NOT EXISTS ix_task_executions_task_created ON task_executions(task_id, created_at)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_task_executions_inflight ON task_executions(task_id)
				WHERE status IN ('PENDING', 'FETCHING', 'ANALYZING')`,
		},
	},
	{
		Version: 3,
		Name:    "create_push_subscriptions",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS push_subscriptions (
				endpoint_hash   CHAR(64) PRIMARY KEY,
				endpoint        TEXT     NOT NULL,
				p256dh          TEXT     NOT NULL,
				auth            TEXT     NOT NULL,
				expiration_time DATETIME NULL,
				created_at      DATETIME NOT NULL,
				updated_at      DATETIME NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS push_subscription_users (
				endpoint_hash CHAR(64)     NOT NULL REFERENCES push_subscriptions(endpoint_hash) ON DELETE CASCADE,
				user_id       VARCHAR(128) NOT NULL,
				PRIMARY KEY (endpoint_hash, user_id)
			)`,
			`CREATE INDEX IF NOT EXISTS ix_push_subscription_users_user ON push_subscription_users(user_id)`,
		},
	},
	{
		Version: 4,
		Name:    "create_job_records",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS job_records (
				id           VARCHAR(255) PRIMARY KEY,
				type         VARCHAR(64)  NOT NULL,
				queue        VARCHAR(64)  NOT NULL,
				payload_json TEXT         NOT NULL,
				status       VARCHAR(32)  NOT NULL,
				attempts     INTEGER      NOT NULL DEFAULT 0,
				error_msg    TEXT         NULL,
				created_at   DATETIME     NOT NULL,
				updated_at   DATETIME     NULL,
				started_at   DATETIME     NULL,
				finished_at  DATETIME     NULL
			)`,
		},
	},
}

var postgresMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_tasks",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id                TEXT        PRIMARY KEY,
				user_id           TEXT        NOT NULL,
				country           TEXT        NULL,
				category          TEXT        NULL,
				query             TEXT        NULL,
				params_version    TEXT        NOT NULL,
				params_hash       TEXT        NOT NULL,
				schedule_type     TEXT        NOT NULL,
				schedule_run_at   TEXT        NULL,
				schedule_timezone TEXT        NOT NULL,
				created_at        TIMESTAMPTZ NOT NULL,
				updated_at        TIMESTAMPTZ NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_tasks_user_params ON tasks(user_id, params_hash)`,
		},
	},
	{
		Version: 2,
		Name:    "create_task_executions",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS task_executions (
				id            TEXT        PRIMARY KEY,
				task_id       TEXT        NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				status        TEXT        NOT NULL,
				created_at    TIMESTAMPTZ NOT NULL,
				started_at    TIMESTAMPTZ NULL,
				completed_at  TIMESTAMPTZ NULL,
				result_json   TEXT        NULL,
				error_message TEXT        NULL
			)`,
			`CREATE INDEX IF NOT EXISTS ix_task_executions_task_created ON task_executions(task_id, created_at)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS ux_task_executions_inflight ON task_executions(task_id)
				WHERE status IN ('PENDING', 'FETCHING', 'ANALYZING')`,
		},
	},
	{
		Version: 3,
		Name:    "create_push_subscriptions",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS push_subscriptions (
				endpoint_hash   TEXT        PRIMARY KEY,
				endpoint        TEXT        NOT NULL,
				p256dh          TEXT        NOT NULL,
				auth            TEXT        NOT NULL,
				expiration_time TIMESTAMPTZ NULL,
				created_at      TIMESTAMPTZ NOT NULL,
				updated_at      TIMESTAMPTZ NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS push_subscription_users (
				endpoint_hash TEXT NOT NULL REFERENCES push_subscriptions(endpoint_hash) ON DELETE CASCADE,
				user_id       TEXT NOT NULL,
				PRIMARY KEY (endpoint_hash, user_id)
			)`,
			`CREATE INDEX IF NOT EXISTS ix_push_subscription_users_user ON push_subscription_users(user_id)`,
		},
	},
	{
		Version: 4,
		Name:    "create_job_records",
		SQL: []string{
			`CREATE TABLE IF NOT EXISTS job_records (
				id           TEXT        PRIMARY KEY,
				type         TEXT        NOT NULL,
				queue        TEXT        NOT NULL,
				payload_json TEXT        NOT NULL,
				status       TEXT        NOT NULL,
				attempts     INTEGER     NOT NULL DEFAULT 0,
				error_msg    TEXT        NULL,
				created_at   TIMESTAMPTZ NOT NULL,
				updated_at   TIMESTAMPTZ NULL,
				started_at   TIMESTAMPTZ NULL,
				finished_at  TIMESTAMPTZ NULL
			)`,
		},
	},
}

const createSchemaVersion = `CREATE TABLE IF NOT EXISTS schema_version (
	version    INTEGER PRIMARY KEY,
	name       TEXT    NOT NULL,
	applied_at TEXT    NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

func (s *SQLStore) migrations() []Migration {
	if s.dialect == postgresDialect {
		return postgresMigrations
	}
	return sqliteMigrations
}

// Migrate applies every migration newer than the recorded schema version.
// Each migration runs in its own transaction.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if s.dialect == sqliteDialect {
		if _, err := s.db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			return fmt.Errorf("enable foreign keys: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, createSchemaVersion); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}
	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range s.migrations() {
		if m.Version <= current {
			continue
		}
		err := s.inTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.SQL {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := exec(ctx, tx, s.sb.Insert("schema_version").
				Columns("version", "name").
				Values(m.Version, m.Name))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, 0 when none.
func (s *SQLStore) SchemaVersion(ctx context.Context) (int, error) {
	row, err := queryRow(ctx, s.db, s.sb.Select("COALESCE(MAX(version), 0)").From("schema_version"))
	if err != nil {
		return 0, err
	}
	var v int
	if err := row.Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

