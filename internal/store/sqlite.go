// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides guild config, defaults and preference persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys (channel_permits cascades on registry delete)
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS guild_configs (
			guild_id           TEXT PRIMARY KEY,
			owner_id           TEXT NOT NULL,
			category_id        TEXT NOT NULL,
			incubator_id       TEXT,
			cleanup_on_startup INTEGER NOT NULL DEFAULT 1,
			created_at         TEXT NOT NULL,
			updated_at         TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS guild_defaults (
			guild_id      TEXT PRIMARY KEY,
			default_name  TEXT NOT NULL,
			default_limit INTEGER NOT NULL DEFAULT 0
		);

		CREATE TABLE IF NOT EXISTS user_preferences (
			guild_id      TEXT NOT NULL,
			user_id       TEXT NOT NULL,
			channel_name  TEXT,
			channel_limit INTEGER,

			PRIMARY KEY (guild_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS temp_channels (
			channel_id TEXT PRIMARY KEY,
			guild_id   TEXT NOT NULL,
			owner_id   TEXT NOT NULL,
			locked     INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_temp_channels_guild ON temp_channels(guild_id);
		CREATE INDEX IF NOT EXISTS idx_temp_channels_owner ON temp_channels(guild_id, owner_id);

		CREATE TABLE IF NOT EXISTS channel_permits (
			channel_id TEXT NOT NULL REFERENCES temp_channels(channel_id) ON DELETE CASCADE,
			user_id    TEXT NOT NULL,
			created_at TEXT NOT NULL,

			PRIMARY KEY (channel_id, user_id)
		);

		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id   TEXT PRIMARY KEY,
			guild_id   TEXT NOT NULL,
			actor_id   TEXT,
			kind       TEXT NOT NULL,
			channel_id TEXT,
			outcome    TEXT NOT NULL DEFAULT 'ok',
			details    TEXT NOT NULL DEFAULT '',
			ts         TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_guild_ts ON audit_log(guild_id, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_channel ON audit_log(channel_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string
		apply  string
		column string
		table  string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('guild_configs') WHERE name = 'cleanup_on_startup'`,
			apply:  `ALTER TABLE guild_configs ADD COLUMN cleanup_on_startup INTEGER NOT NULL DEFAULT 1`,
			column: "cleanup_on_startup",
			table:  "guild_configs",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('temp_channels') WHERE name = 'locked'`,
			apply:  `ALTER TABLE temp_channels ADD COLUMN locked INTEGER NOT NULL DEFAULT 0`,
			column: "locked",
			table:  "temp_channels",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// withTx runs fn inside a transaction, committing on success.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// UpsertGuildConfig creates or replaces the configuration row for a guild.
// CreatedAt is preserved on update.
func (s *SQLiteStore) UpsertGuildConfig(ctx context.Context, cfg *GuildConfig) error {
	now := time.Now().UTC()
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now

	query := `
		INSERT INTO guild_configs (guild_id, owner_id, category_id, incubator_id, cleanup_on_startup, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			owner_id = excluded.owner_id,
			category_id = excluded.category_id,
			incubator_id = excluded.incubator_id,
			cleanup_on_startup = excluded.cleanup_on_startup,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		cfg.GuildID,
		cfg.OwnerID,
		cfg.CategoryID,
		cfg.IncubatorID,
		boolToInt(cfg.CleanupOnStartup),
		cfg.CreatedAt.Format(time.RFC3339),
		cfg.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("upserting guild config: %w", err)
	}

	s.logger.Debug("upserted guild config", "guild", cfg.GuildID, "category", cfg.CategoryID)
	return nil
}

// GetGuildConfig retrieves a guild's configuration.
// Returns ErrNotFound if the guild has never been set up.
func (s *SQLiteStore) GetGuildConfig(ctx context.Context, guildID string) (*GuildConfig, error) {
	query := `
		SELECT guild_id, owner_id, category_id, incubator_id, cleanup_on_startup, created_at, updated_at
		FROM guild_configs
		WHERE guild_id = ?
	`
	return scanGuildConfig(s.db.QueryRowContext(ctx, query, guildID))
}

// ListGuildConfigs returns the configuration rows for every known guild.
func (s *SQLiteStore) ListGuildConfigs(ctx context.Context) ([]*GuildConfig, error) {
	query := `
		SELECT guild_id, owner_id, category_id, incubator_id, cleanup_on_startup, created_at, updated_at
		FROM guild_configs
		ORDER BY guild_id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying guild configs: %w", err)
	}
	defer rows.Close()

	var configs []*GuildConfig
	for rows.Next() {
		cfg, err := scanGuildConfig(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating guild configs: %w", err)
	}
	return configs, nil
}

// scanGuildConfig scans a row into a GuildConfig.
func scanGuildConfig(scanner interface{ Scan(dest ...any) error }) (*GuildConfig, error) {
	var cfg GuildConfig
	var incubator sql.NullString
	var cleanup int
	var createdAtStr, updatedAtStr string

	err := scanner.Scan(
		&cfg.GuildID,
		&cfg.OwnerID,
		&cfg.CategoryID,
		&incubator,
		&cleanup,
		&createdAtStr,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning guild config: %w", err)
	}

	if incubator.Valid {
		cfg.IncubatorID = &incubator.String
	}
	cfg.CleanupOnStartup = cleanup != 0

	cfg.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	cfg.UpdatedAt, err = time.Parse(time.RFC3339, updatedAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cfg, nil
}

// SetGuildDefaults creates or replaces the guild-wide default settings.
func (s *SQLiteStore) SetGuildDefaults(ctx context.Context, d *GuildDefaults) error {
	query := `
		INSERT INTO guild_defaults (guild_id, default_name, default_limit)
		VALUES (?, ?, ?)
		ON CONFLICT(guild_id) DO UPDATE SET
			default_name = excluded.default_name,
			default_limit = excluded.default_limit
	`

	_, err := s.db.ExecContext(ctx, query, d.GuildID, d.DefaultName, d.DefaultLimit)
	if err != nil {
		return fmt.Errorf("upserting guild defaults: %w", err)
	}

	s.logger.Debug("set guild defaults", "guild", d.GuildID, "name", d.DefaultName, "limit", d.DefaultLimit)
	return nil
}

// GetGuildDefaults retrieves the guild-wide default settings.
// Returns ErrNotFound if none have been set.
func (s *SQLiteStore) GetGuildDefaults(ctx context.Context, guildID string) (*GuildDefaults, error) {
	query := `SELECT guild_id, default_name, default_limit FROM guild_defaults WHERE guild_id = ?`

	var d GuildDefaults
	err := s.db.QueryRowContext(ctx, query, guildID).Scan(&d.GuildID, &d.DefaultName, &d.DefaultLimit)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying guild defaults: %w", err)
	}
	return &d, nil
}

// SetPreferredName stores a user's preferred channel name, leaving their
// preferred limit untouched. The audit entry is written in the same
// transaction when provided.
func (s *SQLiteStore) SetPreferredName(ctx context.Context, guildID, userID, name string, audit *AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO user_preferences (guild_id, user_id, channel_name)
			VALUES (?, ?, ?)
			ON CONFLICT(guild_id, user_id) DO UPDATE SET channel_name = excluded.channel_name
		`
		if _, err := tx.ExecContext(ctx, query, guildID, userID, name); err != nil {
			return fmt.Errorf("upserting preferred name: %w", err)
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
}

// SetPreferredLimit stores a user's preferred channel limit, leaving their
// preferred name untouched.
func (s *SQLiteStore) SetPreferredLimit(ctx context.Context, guildID, userID string, limit int, audit *AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO user_preferences (guild_id, user_id, channel_limit)
			VALUES (?, ?, ?)
			ON CONFLICT(guild_id, user_id) DO UPDATE SET channel_limit = excluded.channel_limit
		`
		if _, err := tx.ExecContext(ctx, query, guildID, userID, limit); err != nil {
			return fmt.Errorf("upserting preferred limit: %w", err)
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
}

// GetUserPreference retrieves a user's channel preferences for a guild.
// Returns ErrNotFound if the user has never set one.
func (s *SQLiteStore) GetUserPreference(ctx context.Context, guildID, userID string) (*UserPreference, error) {
	query := `
		SELECT guild_id, user_id, channel_name, channel_limit
		FROM user_preferences
		WHERE guild_id = ? AND user_id = ?
	`

	var p UserPreference
	var name sql.NullString
	var limit sql.NullInt64

	err := s.db.QueryRowContext(ctx, query, guildID, userID).Scan(&p.GuildID, &p.UserID, &name, &limit)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user preference: %w", err)
	}

	if name.Valid {
		p.Name = &name.String
	}
	if limit.Valid {
		l := int(limit.Int64)
		p.Limit = &l
	}
	return &p, nil
}

// boolToInt converts a bool to the 0/1 SQLite representation
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure SQLiteStore implements the Store interface
var _ Store = (*SQLiteStore)(nil)
