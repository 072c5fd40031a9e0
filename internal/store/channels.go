// ABOUTME: Temporary channel registry and permit store methods
// ABOUTME: Registry mutations and their audit entries commit as one transaction

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateChannel registers a newly provisioned channel. The audit entry, if
// provided, commits in the same transaction, so a tracked channel and its
// creation record appear together or not at all.
// Returns ErrDuplicateChannel if the channel is already tracked.
func (s *SQLiteStore) CreateChannel(ctx context.Context, ch *TemporaryChannel, audit *AuditEntry) error {
	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO temp_channels (channel_id, guild_id, owner_id, locked, created_at)
			VALUES (?, ?, ?, ?, ?)
		`
		_, err := tx.ExecContext(ctx, query,
			ch.ChannelID,
			ch.GuildID,
			ch.OwnerID,
			boolToInt(ch.Locked),
			ch.CreatedAt.Format(time.RFC3339),
		)
		if err != nil {
			if isConstraintViolation(err) {
				return ErrDuplicateChannel
			}
			return fmt.Errorf("inserting temp channel: %w", err)
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("registered channel", "channel", ch.ChannelID, "guild", ch.GuildID, "owner", ch.OwnerID)
	return nil
}

// GetChannel retrieves a tracked channel by ID.
// Returns ErrNotFound if the channel is not tracked.
func (s *SQLiteStore) GetChannel(ctx context.Context, channelID string) (*TemporaryChannel, error) {
	query := `
		SELECT channel_id, guild_id, owner_id, locked, created_at
		FROM temp_channels
		WHERE channel_id = ?
	`
	return scanChannel(s.db.QueryRowContext(ctx, query, channelID))
}

// GetChannelByOwner retrieves the channel owned by a user in a guild.
// Returns ErrNotFound if the user owns no tracked channel there.
func (s *SQLiteStore) GetChannelByOwner(ctx context.Context, guildID, ownerID string) (*TemporaryChannel, error) {
	query := `
		SELECT channel_id, guild_id, owner_id, locked, created_at
		FROM temp_channels
		WHERE guild_id = ? AND owner_id = ?
	`
	return scanChannel(s.db.QueryRowContext(ctx, query, guildID, ownerID))
}

// ListChannels returns all tracked channels for a guild.
func (s *SQLiteStore) ListChannels(ctx context.Context, guildID string) ([]*TemporaryChannel, error) {
	query := `
		SELECT channel_id, guild_id, owner_id, locked, created_at
		FROM temp_channels
		WHERE guild_id = ?
		ORDER BY created_at
	`

	rows, err := s.db.QueryContext(ctx, query, guildID)
	if err != nil {
		return nil, fmt.Errorf("querying temp channels: %w", err)
	}
	defer rows.Close()

	var channels []*TemporaryChannel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, ch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating temp channels: %w", err)
	}
	return channels, nil
}

// scanChannel scans a row into a TemporaryChannel.
func scanChannel(scanner interface{ Scan(dest ...any) error }) (*TemporaryChannel, error) {
	var ch TemporaryChannel
	var locked int
	var createdAtStr string

	err := scanner.Scan(&ch.ChannelID, &ch.GuildID, &ch.OwnerID, &locked, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning temp channel: %w", err)
	}

	ch.Locked = locked != 0
	ch.CreatedAt, err = time.Parse(time.RFC3339, createdAtStr)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &ch, nil
}

// DeleteChannel removes a tracked channel; its permits cascade away with
// it. Returns ErrNotFound if the row is already gone, in which case the
// audit entry is not written either.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, channelID string, audit *AuditEntry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `DELETE FROM temp_channels WHERE channel_id = ?`, channelID)
		if err != nil {
			return fmt.Errorf("deleting temp channel: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("deregistered channel", "channel", channelID)
	return nil
}

// UpdateChannelOwner reassigns ownership of a tracked channel.
// Returns ErrNotFound if the channel is not tracked.
func (s *SQLiteStore) UpdateChannelOwner(ctx context.Context, channelID, ownerID string, audit *AuditEntry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE temp_channels SET owner_id = ? WHERE channel_id = ?`, ownerID, channelID)
		if err != nil {
			return fmt.Errorf("updating channel owner: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("updated channel owner", "channel", channelID, "owner", ownerID)
	return nil
}

// SetChannelLocked records the locked flag for a tracked channel.
// Returns ErrNotFound if the channel is not tracked.
func (s *SQLiteStore) SetChannelLocked(ctx context.Context, channelID string, locked bool, audit *AuditEntry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE temp_channels SET locked = ? WHERE channel_id = ?`, boolToInt(locked), channelID)
		if err != nil {
			return fmt.Errorf("updating locked flag: %w", err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("getting rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ErrNotFound
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("set channel locked", "channel", channelID, "locked", locked)
	return nil
}

// AddPermit records a persistent access grant for a user on a channel.
// Re-permitting the same user is a no-op.
func (s *SQLiteStore) AddPermit(ctx context.Context, channelID, userID string, audit *AuditEntry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		query := `
			INSERT INTO channel_permits (channel_id, user_id, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(channel_id, user_id) DO NOTHING
		`
		if _, err := tx.ExecContext(ctx, query, channelID, userID, time.Now().UTC().Format(time.RFC3339)); err != nil {
			return fmt.Errorf("inserting permit: %w", err)
		}
		return s.appendAuditTx(ctx, tx, audit)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("added permit", "channel", channelID, "user", userID)
	return nil
}

// ListPermits returns the user IDs permitted on a channel, oldest grant first.
func (s *SQLiteStore) ListPermits(ctx context.Context, channelID string) ([]string, error) {
	query := `SELECT user_id FROM channel_permits WHERE channel_id = ? ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, channelID)
	if err != nil {
		return nil, fmt.Errorf("querying permits: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var userID string
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("scanning permit: %w", err)
		}
		users = append(users, userID)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating permits: %w", err)
	}
	return users, nil
}
