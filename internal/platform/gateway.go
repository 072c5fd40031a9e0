// ABOUTME: PlatformGateway contract over the chat platform's channel and member operations
// ABOUTME: Defines the voice event stream and the typed failures platform calls can report

package platform

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the platform cannot be reached or the
// call failed for a transient reason.
var ErrUnavailable = errors.New("platform unavailable")

// ErrForbidden is returned when the platform rejected the call for lack of
// permission (e.g., the channel was re-permissioned out-of-band).
var ErrForbidden = errors.New("forbidden by platform")

// ErrNotFound is returned when the referenced channel no longer exists on
// the platform.
var ErrNotFound = errors.New("channel not found on platform")

// ChannelType distinguishes the channel kinds the coordinator cares about.
type ChannelType string

const (
	ChannelVoice    ChannelType = "voice"
	ChannelCategory ChannelType = "category"
)

// ChannelInfo is a snapshot of a platform channel.
type ChannelInfo struct {
	ID         string
	GuildID    string
	CategoryID string // parent category, empty for categories and uncategorized channels
	Name       string
	Type       ChannelType
	UserLimit  int
}

// Member is a user currently connected to a voice channel.
type Member struct {
	ID       string
	Username string
}

// Subject addresses a permission overwrite target: a specific user, or the
// guild's general-member (everyone) role when UserID is empty.
type Subject struct {
	UserID string
}

// Everyone addresses the guild's general-member role.
func Everyone() Subject { return Subject{} }

// User addresses a single member.
func User(id string) Subject { return Subject{UserID: id} }

// IsEveryone reports whether the subject is the general-member role.
func (s Subject) IsEveryone() bool { return s.UserID == "" }

// VoiceEvent reports a member moving between voice channels. Either channel
// ID may be empty: joins have no From, disconnects have no To.
type VoiceEvent struct {
	GuildID       string
	UserID        string
	Username      string
	FromChannelID string
	ToChannelID   string
}

// Gateway abstracts the chat platform. Implementations report failures as
// ErrUnavailable, ErrForbidden or ErrNotFound (wrapped); they never panic
// on out-of-band platform state.
//
// Membership events for a single channel arrive in order; no ordering is
// guaranteed across channels, and duplicates are possible. Consumers are
// expected to tolerate both.
type Gateway interface {
	// CreateCategory creates a channel category and returns its ID.
	CreateCategory(ctx context.Context, guildID, name string) (string, error)

	// CreateVoiceChannel creates a voice channel under a category and
	// returns its ID. A limit of 0 means unlimited.
	CreateVoiceChannel(ctx context.Context, guildID, categoryID, name string, limit int) (string, error)

	// DeleteChannel deletes a channel. Deleting a channel that is already
	// gone returns ErrNotFound.
	DeleteChannel(ctx context.Context, channelID string) error

	// RenameChannel renames a channel or category.
	RenameChannel(ctx context.Context, channelID, name string) error

	// SetUserLimit changes a voice channel's user limit (0 = unlimited).
	SetUserLimit(ctx context.Context, channelID string, limit int) error

	// MoveMember moves a connected member into a voice channel.
	MoveMember(ctx context.Context, guildID, userID, channelID string) error

	// SetConnect grants or removes the connect (and view) permission for a
	// subject on a channel.
	SetConnect(ctx context.Context, channelID string, subject Subject, allow bool) error

	// GrantManage gives a user channel-management permissions, used when
	// ownership is assigned or claimed.
	GrantManage(ctx context.Context, channelID, userID string) error

	// Members returns the users currently connected to a voice channel.
	Members(ctx context.Context, guildID, channelID string) ([]Member, error)

	// Channel returns a snapshot of a channel, or ErrNotFound.
	Channel(ctx context.Context, channelID string) (*ChannelInfo, error)

	// CategoryChannels lists the voice channels currently under a category.
	CategoryChannels(ctx context.Context, guildID, categoryID string) ([]*ChannelInfo, error)

	// GuildOwner returns the guild owner's user ID.
	GuildOwner(ctx context.Context, guildID string) (string, error)

	// Events returns the stream of voice membership changes. The channel
	// is closed when the gateway shuts down.
	Events() <-chan VoiceEvent
}
