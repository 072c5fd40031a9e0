// Package store provides persistent storage for voicewarden using SQLite.
//
// # Architecture
//
// The Store interface covers guild configuration, guild defaults, user
// preferences, the temporary channel registry, channel permits and the
// audit log. SQLiteStore implements it on modernc.org/sqlite (pure Go, no
// cgo) with WAL mode and foreign keys enabled.
//
// # Data Models
//
//   - GuildConfig: Per-guild setup (incubator channel, target category)
//   - GuildDefaults: Guild-wide fallback name and limit for new channels
//   - UserPreference: A user's own channel name/limit overrides
//   - TemporaryChannel: One live provisioned channel and its owner
//   - AuditEntry: Immutable record of a lifecycle or admin event
//
// # Transactional Audit
//
// Mutation methods take an optional *AuditEntry. When non-nil, the entry
// is appended in the same transaction as the mutation, so the registry and
// the audit log cannot diverge on a crash. Entries get a UUID and a UTC
// timestamp on append when the caller leaves them empty.
//
// # Errors
//
// Missing rows are reported as ErrNotFound and duplicate channel
// registrations as ErrDuplicateChannel; callers match with errors.Is.
package store
