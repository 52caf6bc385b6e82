package datastore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hanogt/secbot/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05.000"

// DB is satisfied by both *sql.DB and *sql.Tx.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLStore is the SQLite-backed DataStore.
type SQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQL opens (or creates) a SQLite database and runs migrations.
func NewSQL(dbPath string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open db: %w", err)
	}

	ctx := context.Background()

	// Enable WAL mode for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	// Set busy timeout to avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &SQLStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrate(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS banned_users (
		identity       TEXT    PRIMARY KEY CHECK(length(identity) > 0),
		reason         TEXT    NOT NULL DEFAULT '',
		malicious_code TEXT    NOT NULL DEFAULT '' CHECK(length(malicious_code) <= 1000),
		banned_at      TEXT    NOT NULL,
		permanent      INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS security_logs (
		id           TEXT PRIMARY KEY,
		identity     TEXT NOT NULL,
		event_type   TEXT NOT NULL CHECK(event_type IN ('warning', 'block', 'ban')),
		threats      TEXT NOT NULL DEFAULT '[]',
		severity     TEXT NOT NULL,
		code_snippet TEXT NOT NULL DEFAULT '' CHECK(length(code_snippet) <= 500),
		timestamp    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_security_logs_identity ON security_logs(identity, timestamp);

	CREATE TABLE IF NOT EXISTS users (
		identity TEXT    PRIMARY KEY,
		banned   INTEGER NOT NULL DEFAULT 0
	);
	`
	if err := s.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := s.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version      int
		statements   []string
		ignoreErrors bool
	}{
		{
			version:    1,
			statements: []string{schema},
		},
		{
			version: 2,
			statements: []string{
				"ALTER TABLE banned_users ADD COLUMN code_hash TEXT NOT NULL DEFAULT ''",
				"ALTER TABLE security_logs ADD COLUMN code_hash TEXT NOT NULL DEFAULT ''",
			},
			ignoreErrors: true,
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if err := s.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := s.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (s *SQLStore) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (s *SQLStore) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLStore) withTx(ctx context.Context, fn func(DB) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("datastore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("datastore: commit: %w", err)
	}
	return nil
}

func formatDBTime(t time.Time) string {
	return t.UTC().Format(dbTimeLayout)
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Bans ----

// GetBan retrieves the ban for identity.
func (s *SQLStore) GetBan(ctx context.Context, identity string) (*model.BanRecord, error) {
	b := &model.BanRecord{}
	var bannedAt string
	var permanent int
	err := s.db.QueryRowContext(ctx,
		"SELECT identity, reason, malicious_code, code_hash, banned_at, permanent FROM banned_users WHERE identity = ?",
		identity).Scan(&b.Identity, &b.Reason, &b.MaliciousCode, &b.CodeHash, &bannedAt, &permanent)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get ban: %w", err)
	}
	b.Permanent = permanent != 0
	if b.BannedAt, err = parseDBTime(bannedAt); err != nil {
		return nil, fmt.Errorf("datastore: get ban: %w", err)
	}
	return b, nil
}

// ListBans returns all bans, most recent first.
func (s *SQLStore) ListBans(ctx context.Context) ([]model.BanRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT identity, reason, malicious_code, code_hash, banned_at, permanent FROM banned_users ORDER BY banned_at DESC, identity")
	if err != nil {
		return nil, fmt.Errorf("datastore: list bans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bans []model.BanRecord
	for rows.Next() {
		var b model.BanRecord
		var bannedAt string
		var permanent int
		if err := rows.Scan(&b.Identity, &b.Reason, &b.MaliciousCode, &b.CodeHash, &bannedAt, &permanent); err != nil {
			return nil, fmt.Errorf("datastore: scan ban: %w", err)
		}
		b.Permanent = permanent != 0
		if b.BannedAt, err = parseDBTime(bannedAt); err != nil {
			return nil, fmt.Errorf("datastore: scan ban: %w", err)
		}
		bans = append(bans, b)
	}
	return bans, rows.Err()
}

// UpsertBan writes the ban and flags the user in one transaction.
// BannedAt is assigned by the store.
func (s *SQLStore) UpsertBan(ctx context.Context, ban *model.BanRecord) error {
	if err := model.ValidateIdentity(ban.Identity); err != nil {
		return fmt.Errorf("datastore: upsert ban: %w", err)
	}
	code := model.Truncate(ban.MaliciousCode, model.MaxBanCodeLength)
	bannedAt := s.now()

	err := s.withTx(ctx, func(db DB) error {
		if _, err := db.ExecContext(ctx, `
			INSERT INTO banned_users (identity, reason, malicious_code, code_hash, banned_at, permanent)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT(identity) DO UPDATE SET
				reason = excluded.reason,
				malicious_code = excluded.malicious_code,
				code_hash = excluded.code_hash,
				banned_at = excluded.banned_at,
				permanent = 1`,
			ban.Identity, ban.Reason, code, ban.CodeHash, formatDBTime(bannedAt)); err != nil {
			return fmt.Errorf("datastore: upsert ban: %w", err)
		}
		return setUserBanned(ctx, db, ban.Identity, true)
	})
	if err != nil {
		return err
	}

	ban.MaliciousCode = code
	ban.BannedAt = bannedAt.Truncate(time.Millisecond)
	ban.Permanent = true
	return nil
}

// DeleteBan lifts a ban and clears the user flag.
func (s *SQLStore) DeleteBan(ctx context.Context, identity string) error {
	return s.withTx(ctx, func(db DB) error {
		res, err := db.ExecContext(ctx, "DELETE FROM banned_users WHERE identity = ?", identity)
		if err != nil {
			return fmt.Errorf("datastore: delete ban: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return setUserBanned(ctx, db, identity, false)
	})
}

func setUserBanned(ctx context.Context, db DB, identity string, banned bool) error {
	bannedInt := 0
	if banned {
		bannedInt = 1
	}
	_, err := db.ExecContext(ctx,
		"INSERT INTO users (identity, banned) VALUES (?, ?) ON CONFLICT(identity) DO UPDATE SET banned = excluded.banned",
		identity, bannedInt)
	if err != nil {
		return fmt.Errorf("datastore: set user banned: %w", err)
	}
	return nil
}

// ---- Users ----

// GetUser retrieves the user flag document.
func (s *SQLStore) GetUser(ctx context.Context, identity string) (*model.User, error) {
	u := &model.User{}
	var bannedInt int
	err := s.db.QueryRowContext(ctx, "SELECT identity, banned FROM users WHERE identity = ?", identity).
		Scan(&u.Identity, &bannedInt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.Banned = bannedInt != 0
	return u, nil
}

// ---- Security events ----

// AppendEvent inserts a new event with a fresh UUID and server timestamp.
func (s *SQLStore) AppendEvent(ctx context.Context, event *model.SecurityEvent) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("datastore: event failed validation: %w", err)
	}
	threats, err := json.Marshal(categoryNames(event.Categories))
	if err != nil {
		return fmt.Errorf("datastore: encode threats: %w", err)
	}
	sev, err := event.Severity.MarshalText()
	if err != nil {
		return fmt.Errorf("datastore: encode severity: %w", err)
	}

	id := uuid.NewString()
	ts := s.now()
	snippet := model.Truncate(event.CodeSnippet, model.MaxEventSnippetLength)
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO security_logs (id, identity, event_type, threats, severity, code_snippet, code_hash, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		id, event.Identity, string(event.Kind), string(threats), string(sev), snippet, event.CodeHash, formatDBTime(ts))
	if err != nil {
		return fmt.Errorf("datastore: append event: %w", err)
	}
	event.ID = id
	event.CodeSnippet = snippet
	event.Timestamp = ts.Truncate(time.Millisecond)
	return nil
}

// ListEvents returns events newest first, narrowed by filters.
func (s *SQLStore) ListEvents(ctx context.Context, filters model.EventFilters) ([]model.SecurityEvent, error) {
	query := `
		SELECT id, identity, event_type, threats, severity, code_snippet, code_hash, timestamp
		FROM security_logs
		WHERE (? IS NULL OR identity = ?)
		AND (? IS NULL OR event_type = ?)
		ORDER BY timestamp DESC, rowid DESC
		LIMIT COALESCE(?, 100)
		OFFSET COALESCE(?, 0)
	`
	var kind *string
	if filters.Kind != nil {
		k := string(*filters.Kind)
		kind = &k
	}

	rows, err := s.db.QueryContext(ctx, query,
		filters.Identity, filters.Identity,
		kind, kind,
		filters.PageSize,
		filters.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.SecurityEvent
	for rows.Next() {
		var e model.SecurityEvent
		var kindStr, threats, sev, ts string
		if err := rows.Scan(&e.ID, &e.Identity, &kindStr, &threats, &sev, &e.CodeSnippet, &e.CodeHash, &ts); err != nil {
			return nil, fmt.Errorf("datastore: scan event: %w", err)
		}
		e.Kind = model.EventKind(kindStr)
		var names []string
		if err := json.Unmarshal([]byte(threats), &names); err != nil {
			return nil, fmt.Errorf("datastore: decode threats: %w", err)
		}
		e.Categories = categoriesFromNames(names)
		if err := e.Severity.UnmarshalText([]byte(sev)); err != nil {
			return nil, fmt.Errorf("datastore: decode severity: %w", err)
		}
		if e.Timestamp, err = parseDBTime(ts); err != nil {
			return nil, fmt.Errorf("datastore: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func categoryNames(cats []model.ThreatCategory) []string {
	names := make([]string, len(cats))
	for i, c := range cats {
		names[i] = string(c)
	}
	return names
}

func categoriesFromNames(names []string) []model.ThreatCategory {
	if len(names) == 0 {
		return nil
	}
	cats := make([]model.ThreatCategory, len(names))
	for i, n := range names {
		cats[i] = model.ThreatCategory(n)
	}
	return cats
}
