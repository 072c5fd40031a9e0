// ABOUTME: Audit log store methods for the append-only lifecycle trail
// ABOUTME: Records who did what to which channel; entries are never mutated or deleted

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// appendAuditTx inserts an audit entry inside an existing transaction.
// A nil entry is a no-op so mutation methods can skip auditing when the
// caller has nothing to record.
func (s *SQLiteStore) appendAuditTx(ctx context.Context, tx *sql.Tx, e *AuditEntry) error {
	if e == nil {
		return nil
	}
	normalizeAuditEntry(e)

	query := `
		INSERT INTO audit_log (audit_id, guild_id, actor_id, kind, channel_id, outcome, details, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := tx.ExecContext(ctx, query,
		e.ID,
		e.GuildID,
		e.ActorID,
		e.Kind,
		e.ChannelID,
		e.Outcome,
		e.Details,
		e.Timestamp.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// normalizeAuditEntry fills in generated fields before insert.
func normalizeAuditEntry(e *AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Outcome == "" {
		e.Outcome = OutcomeOK
	}
}

// AppendAudit appends a standalone entry to the audit log.
// Generates ID and Timestamp if not set.
func (s *SQLiteStore) AppendAudit(ctx context.Context, e *AuditEntry) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.appendAuditTx(ctx, tx, e)
	})
	if err != nil {
		return err
	}

	s.logger.Debug("appended audit entry",
		"id", e.ID,
		"guild", e.GuildID,
		"kind", e.Kind,
		"outcome", e.Outcome,
	)
	return nil
}

// ListAudit returns the most recent entries for a guild, newest first.
// Timestamps have whole-second precision, so entries sharing one fall
// back to reverse insertion order via the table's rowid, which is
// monotonic for an append-only log.
// If limit is 0 or negative, a default of 100 is used; the cap is 1000.
// Callers with stricter caps clamp before calling.
func (s *SQLiteStore) ListAudit(ctx context.Context, guildID string, limit int) ([]*AuditEntry, error) {
	switch {
	case limit <= 0:
		limit = 100
	case limit > 1000:
		limit = 1000
	}

	query := `
		SELECT audit_id, guild_id, actor_id, kind, channel_id, outcome, details, ts
		FROM audit_log
		WHERE guild_id = ?
		ORDER BY ts DESC, rowid DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, guildID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		var actorID, channelID sql.NullString
		var kindStr, tsStr string

		if err := rows.Scan(&e.ID, &e.GuildID, &actorID, &kindStr, &channelID, &e.Outcome, &e.Details, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		e.Kind = AuditKind(kindStr)
		if actorID.Valid {
			e.ActorID = &actorID.String
		}
		if channelID.Valid {
			e.ChannelID = &channelID.String
		}
		e.Timestamp, err = time.Parse(time.RFC3339, tsStr)
		if err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}

		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}
