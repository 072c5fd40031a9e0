// ABOUTME: Store interface and data types for voicewarden persistence
// ABOUTME: Defines guild config, defaults, preferences, channel registry and audit entities

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateChannel is returned when trying to register a channel that is already tracked
var ErrDuplicateChannel = errors.New("channel already tracked")

// GuildConfig holds the per-guild setup: where the incubator channel lives
// and which category temporary channels are created under. IncubatorID is
// nil when the guild is soft-disabled.
type GuildConfig struct {
	GuildID          string
	OwnerID          string
	CategoryID       string
	IncubatorID      *string
	CleanupOnStartup bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// GuildDefaults holds guild-wide fallback settings for new temporary
// channels. DefaultName may contain the {user} placeholder.
type GuildDefaults struct {
	GuildID      string
	DefaultName  string
	DefaultLimit int
}

// UserPreference holds a user's own channel settings, overriding the guild
// defaults per field when set.
type UserPreference struct {
	GuildID string
	UserID  string
	Name    *string
	Limit   *int
}

// TemporaryChannel is one live provisioned channel and its owner.
type TemporaryChannel struct {
	ChannelID string
	GuildID   string
	OwnerID   string
	Locked    bool
	CreatedAt time.Time
}

// AuditKind classifies an audit log entry.
type AuditKind string

const (
	AuditSetup                 AuditKind = "setup"
	AuditConfigChanged         AuditKind = "config_changed"
	AuditChannelCreated        AuditKind = "channel_created"
	AuditChannelCreationFailed AuditKind = "channel_creation_failed"
	AuditMemberMovedExisting   AuditKind = "member_moved_existing"
	AuditMemberLeft            AuditKind = "member_left"
	AuditChannelDeleted        AuditKind = "channel_deleted"
	AuditChannelDeleteFailed   AuditKind = "channel_delete_failed"
	AuditStaleChannelPruned    AuditKind = "stale_channel_pruned"
	AuditReconciled            AuditKind = "reconciled"
	AuditLocked                AuditKind = "locked"
	AuditUnlocked              AuditKind = "unlocked"
	AuditPermitted             AuditKind = "permitted"
	AuditClaimed               AuditKind = "claimed"
	AuditRenamed               AuditKind = "renamed"
	AuditLimitChanged          AuditKind = "limit_changed"
	AuditDefaultNameSet        AuditKind = "default_name_set"
	AuditDefaultLimitSet       AuditKind = "default_limit_set"
)

// Audit outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// AuditEntry is an immutable record of a lifecycle or admin event.
type AuditEntry struct {
	ID        string // UUID v4, generated on append if empty
	GuildID   string
	ActorID   *string // user who triggered the event, nil for system actions
	Kind      AuditKind
	ChannelID *string
	Outcome   string // "ok" or "error", defaults to "ok"
	Details   string
	Timestamp time.Time
}

// Store defines the persistence contract for the coordinator and its
// supporting queries. Methods taking an *AuditEntry apply the mutation and
// the audit append as a single transaction.
type Store interface {
	// Guild configuration
	UpsertGuildConfig(ctx context.Context, cfg *GuildConfig) error
	GetGuildConfig(ctx context.Context, guildID string) (*GuildConfig, error)
	ListGuildConfigs(ctx context.Context) ([]*GuildConfig, error)

	// Defaults and preferences
	SetGuildDefaults(ctx context.Context, d *GuildDefaults) error
	GetGuildDefaults(ctx context.Context, guildID string) (*GuildDefaults, error)
	SetPreferredName(ctx context.Context, guildID, userID, name string, audit *AuditEntry) error
	SetPreferredLimit(ctx context.Context, guildID, userID string, limit int, audit *AuditEntry) error
	GetUserPreference(ctx context.Context, guildID, userID string) (*UserPreference, error)

	// Temporary channel registry
	CreateChannel(ctx context.Context, ch *TemporaryChannel, audit *AuditEntry) error
	GetChannel(ctx context.Context, channelID string) (*TemporaryChannel, error)
	GetChannelByOwner(ctx context.Context, guildID, ownerID string) (*TemporaryChannel, error)
	ListChannels(ctx context.Context, guildID string) ([]*TemporaryChannel, error)
	DeleteChannel(ctx context.Context, channelID string, audit *AuditEntry) error
	UpdateChannelOwner(ctx context.Context, channelID, ownerID string, audit *AuditEntry) error
	SetChannelLocked(ctx context.Context, channelID string, locked bool, audit *AuditEntry) error

	// Permits
	AddPermit(ctx context.Context, channelID, userID string, audit *AuditEntry) error
	ListPermits(ctx context.Context, channelID string) ([]string, error)

	// Audit log
	AppendAudit(ctx context.Context, e *AuditEntry) error
	ListAudit(ctx context.Context, guildID string, limit int) ([]*AuditEntry, error)

	// Close releases any resources held by the store
	Close() error
}
