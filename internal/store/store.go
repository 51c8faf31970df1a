// Package store implements durable persistence for dispatch sessions,
// outbound messages, opt-outs, and session leases against PostgreSQL.
// Every write is transaction-per-statement (or wrapped in an explicit tx)
// so a crash never leaves a session half-written.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store provides access to all persisted dispatch state.
type Store struct {
	db *sql.DB
}

// New creates a store around an open database handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

// DB exposes the underlying handle for components that need advisory locks.
func (s *Store) DB() *sql.DB { return s.db }

var schema = []string{
	`CREATE TABLE IF NOT EXISTS sms_sessions (
		id UUID PRIMARY KEY,
		file_name TEXT NOT NULL DEFAULT '',
		campaign_name TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL,
		template TEXT NOT NULL,
		send_speed INT NOT NULL DEFAULT 300,
		sim_slot INT NOT NULL DEFAULT 0,
		last_processed_index INT NOT NULL DEFAULT 0,
		sent_count INT NOT NULL DEFAULT 0,
		failed_count INT NOT NULL DEFAULT 0,
		skipped_count INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'ready',
		scheduled_at BIGINT,
		timezone TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sms_sessions_status ON sms_sessions (status)`,
	`CREATE TABLE IF NOT EXISTS sms_recipients (
		session_id UUID NOT NULL REFERENCES sms_sessions(id) ON DELETE CASCADE,
		idx INT NOT NULL,
		phone TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL DEFAULT '',
		fields JSONB NOT NULL DEFAULT '{}',
		PRIMARY KEY (session_id, idx)
	)`,
	`CREATE TABLE IF NOT EXISTS sms_outbound_messages (
		id UUID PRIMARY KEY,
		session_id UUID NOT NULL,
		recipient_index INT NOT NULL,
		phone TEXT NOT NULL,
		body TEXT NOT NULL,
		sim_slot INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		retry_count INT NOT NULL DEFAULT 0,
		next_retry_at BIGINT,
		error_code TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		sent_at BIGINT,
		delivered_at BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sms_outbound_retry ON sms_outbound_messages (status, next_retry_at)`,
	`CREATE INDEX IF NOT EXISTS idx_sms_outbound_session ON sms_outbound_messages (session_id)`,
	`CREATE TABLE IF NOT EXISTS sms_optouts (
		phone TEXT PRIMARY KEY,
		reason TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sms_session_leases (
		session_id UUID PRIMARY KEY,
		owner_id TEXT NOT NULL,
		expires_at BIGINT NOT NULL
	)`,
}

// Migrate creates the schema if it does not exist. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// epoch-ms helpers; timestamps are stored as int64 epoch milliseconds.

func toMillis(t time.Time) int64 { return t.UnixMilli() }

func toMillisPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func fromMillisPtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}
