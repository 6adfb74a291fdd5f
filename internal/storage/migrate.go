package storage

import (
	"context"
	"fmt"
	"strings"
)

// schema is shared by both dialects; {{ts}} and {{json}} are replaced with
// the dialect's timestamp and JSON column types.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS credentials (
		caller_id     TEXT NOT NULL,
		provider      TEXT NOT NULL,
		access_token  TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at    {{ts}},
		email         TEXT NOT NULL DEFAULT '',
		metadata      {{json}},
		updated_at    {{ts}} NOT NULL,
		PRIMARY KEY (caller_id, provider)
	)`,
	`CREATE TABLE IF NOT EXISTS routines (
		id         TEXT PRIMARY KEY,
		caller_id  TEXT NOT NULL,
		name       TEXT NOT NULL,
		schedule   TEXT NOT NULL,
		timezone   TEXT NOT NULL DEFAULT '',
		steps      {{json}} NOT NULL,
		summarize  BOOLEAN NOT NULL DEFAULT FALSE,
		enabled    BOOLEAN NOT NULL DEFAULT TRUE,
		next_run   {{ts}},
		last_run   {{ts}},
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS routines_due_idx ON routines (enabled, next_run)`,
	`CREATE INDEX IF NOT EXISTS routines_caller_idx ON routines (caller_id)`,
	`CREATE TABLE IF NOT EXISTS routine_executions (
		id          TEXT PRIMARY KEY,
		routine_id  TEXT NOT NULL,
		caller_id   TEXT NOT NULL,
		status      TEXT NOT NULL,
		results     {{json}},
		error       TEXT NOT NULL DEFAULT '',
		summary     TEXT NOT NULL DEFAULT '',
		started_at  {{ts}} NOT NULL,
		finished_at {{ts}}
	)`,
	`CREATE INDEX IF NOT EXISTS routine_executions_routine_idx ON routine_executions (routine_id, started_at)`,
	`CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		caller_id  TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		created_at {{ts}} NOT NULL,
		updated_at {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS conversations_caller_idx ON conversations (caller_id, updated_at)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id              TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		payload         {{json}} NOT NULL,
		created_at      {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at, seq)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id              TEXT PRIMARY KEY,
		caller_id       TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		provider        TEXT NOT NULL,
		model           TEXT NOT NULL,
		input_tokens    INTEGER NOT NULL,
		output_tokens   INTEGER NOT NULL,
		rounds          INTEGER NOT NULL,
		created_at      {{ts}} NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS usage_records_caller_idx ON usage_records (caller_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS tool_usage_daily (
		caller_id TEXT NOT NULL,
		feature   TEXT NOT NULL,
		day       TEXT NOT NULL,
		count     INTEGER NOT NULL,
		PRIMARY KEY (caller_id, feature, day)
	)`,
}

// Statements returns the DDL for the database's dialect.
func (db *DB) Statements() []string {
	ts, js := "TIMESTAMPTZ", "JSONB"
	if db.driver == DriverSQLite {
		ts, js = "DATETIME", "TEXT"
	}
	r := strings.NewReplacer("{{ts}}", ts, "{{json}}", js)
	out := make([]string, len(schema))
	for i, stmt := range schema {
		out[i] = r.Replace(stmt)
	}
	return out
}

// Migrate creates every table and index that does not exist yet.
func (db *DB) Migrate(ctx context.Context) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range db.Statements() {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}
	return nil
}
