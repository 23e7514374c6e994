package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/softwell/mailproxy/internal/pkg/logger"
)

// Sentinel errors returned by the storage engine. Callers branch on these
// with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrAlreadySent  = errors.New("already sent")
	ErrSuspendedAll = errors.New("all batches suspended; clear global suspension first")
	ErrExpiredKey   = errors.New("api key expired")
)

// Store is the single owner of all persisted state. Every other component
// reads and writes through it; multi-row operations run inside one
// transaction.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection and runs migrations.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewWithDB wraps an existing connection without running migrations.
// Used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			logger.Error("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		client_base_url TEXT NOT NULL DEFAULT '',
		client_sync_path TEXT NOT NULL DEFAULT '/mail-proxy/sync',
		client_attachment_path TEXT NOT NULL DEFAULT '/mail-proxy/attachments',
		client_auth JSONB,
		rate_limits JSONB,
		large_file JSONB,
		suspended_batches TEXT,
		pec_acceptance_deadline BIGINT NOT NULL DEFAULT 86400,
		api_key_hash TEXT,
		api_key_expires_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS accounts (
		pk UUID PRIMARY KEY,
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		host TEXT NOT NULL DEFAULT '',
		port INTEGER NOT NULL DEFAULT 25,
		smtp_user TEXT NOT NULL DEFAULT '',
		smtp_password TEXT NOT NULL DEFAULT '',
		use_tls BOOLEAN,
		batch_size INTEGER NOT NULL DEFAULT 0,
		ttl INTEGER NOT NULL DEFAULT 300,
		limit_per_minute INTEGER NOT NULL DEFAULT 0,
		limit_per_hour INTEGER NOT NULL DEFAULT 0,
		limit_per_day INTEGER NOT NULL DEFAULT 0,
		limit_behavior TEXT NOT NULL DEFAULT 'defer',
		is_pec BOOLEAN NOT NULL DEFAULT FALSE,
		imap_host TEXT NOT NULL DEFAULT '',
		imap_port INTEGER NOT NULL DEFAULT 993,
		imap_user TEXT NOT NULL DEFAULT '',
		imap_password TEXT NOT NULL DEFAULT '',
		imap_folder TEXT NOT NULL DEFAULT 'INBOX',
		imap_last_uid BIGINT NOT NULL DEFAULT 0,
		imap_uidvalidity BIGINT NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (tenant_id, id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		pk UUID PRIMARY KEY,
		id TEXT NOT NULL,
		tenant_id TEXT NOT NULL REFERENCES tenants(id) ON DELETE CASCADE,
		account_id TEXT NOT NULL DEFAULT '',
		account_pk UUID REFERENCES accounts(pk) ON DELETE CASCADE,
		priority INTEGER NOT NULL DEFAULT 2,
		payload JSONB NOT NULL,
		batch_code TEXT NOT NULL DEFAULT '',
		is_pec BOOLEAN NOT NULL DEFAULT FALSE,
		deferred_ts BIGINT,
		smtp_ts BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL,
		UNIQUE (tenant_id, id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_ready
		ON messages (priority, created_at, pk) WHERE smtp_ts IS NULL`,
	`CREATE TABLE IF NOT EXISTS message_events (
		id BIGSERIAL PRIMARY KEY,
		message_pk UUID NOT NULL REFERENCES messages(pk) ON DELETE CASCADE,
		event_type TEXT NOT NULL,
		event_ts BIGINT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		metadata JSONB,
		reported_ts BIGINT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_events_unreported
		ON message_events (event_ts, id) WHERE reported_ts IS NULL`,
	`CREATE TABLE IF NOT EXISTS send_log (
		id BIGSERIAL PRIMARY KEY,
		account_pk UUID NOT NULL,
		sent_ts BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_send_log_account_ts
		ON send_log (account_pk, sent_ts)`,
	`CREATE TABLE IF NOT EXISTS command_log (
		id BIGSERIAL PRIMARY KEY,
		endpoint TEXT NOT NULL,
		payload JSONB,
		tenant_id TEXT NOT NULL DEFAULT '',
		response_status INTEGER NOT NULL DEFAULT 0,
		response_body JSONB,
		command_ts BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS instance (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		name TEXT NOT NULL DEFAULT '',
		api_token TEXT NOT NULL DEFAULT '',
		edition TEXT NOT NULL DEFAULT 'ce',
		config JSONB
	)`,
}

// migrate creates the schema and upgrades legacy layouts. Both paths are
// idempotent so they run unconditionally at every startup.
func (s *Store) migrate(ctx context.Context) error {
	if err := s.migrateLegacyMessages(ctx); err != nil {
		return err
	}
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// migrateLegacyMessages upgrades a pre-UUID messages table (integer primary
// key, no pk column) by rebuilding it with generated UUIDs and renaming
// atomically. Detection probes for the new column, so re-running is a no-op.
func (s *Store) migrateLegacyMessages(ctx context.Context) error {
	var hasTable bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables WHERE table_name = 'messages'
		)`).Scan(&hasTable)
	if err != nil {
		return fmt.Errorf("probe messages table: %w", err)
	}
	if !hasTable {
		return nil
	}

	var hasPK bool
	err = s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'messages' AND column_name = 'pk'
		)`).Scan(&hasPK)
	if err != nil {
		return fmt.Errorf("probe messages.pk: %w", err)
	}
	if hasPK {
		return nil
	}

	logger.Info("migrating legacy messages table to UUID primary keys")
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			CREATE TABLE messages_new (
				pk UUID PRIMARY KEY,
				id TEXT NOT NULL,
				tenant_id TEXT NOT NULL,
				account_id TEXT NOT NULL DEFAULT '',
				account_pk UUID,
				priority INTEGER NOT NULL DEFAULT 2,
				payload JSONB NOT NULL,
				batch_code TEXT NOT NULL DEFAULT '',
				is_pec BOOLEAN NOT NULL DEFAULT FALSE,
				deferred_ts BIGINT,
				smtp_ts BIGINT,
				created_at BIGINT NOT NULL,
				updated_at BIGINT NOT NULL,
				UNIQUE (tenant_id, id)
			)`); err != nil {
			return fmt.Errorf("create replacement table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages_new
				(pk, id, tenant_id, account_id, priority, payload, batch_code,
				 deferred_ts, smtp_ts, created_at, updated_at)
			SELECT gen_random_uuid(), id, COALESCE(tenant_id, 'default'),
				COALESCE(account_id, ''), priority, payload,
				COALESCE(batch_code, ''), deferred_ts, smtp_ts,
				created_at, updated_at
			FROM messages`); err != nil {
			return fmt.Errorf("copy legacy rows: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DROP TABLE messages`); err != nil {
			return fmt.Errorf("drop legacy table: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `ALTER TABLE messages_new RENAME TO messages`); err != nil {
			return fmt.Errorf("rename replacement table: %w", err)
		}
		return nil
	})
}
