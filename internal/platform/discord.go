// ABOUTME: Discord implementation of the Gateway interface using discordgo
// ABOUTME: Translates voice state updates into VoiceEvents and REST failures into typed errors

package platform

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bwmarrin/discordgo"
)

// connectPermissions are the bits granted by a connect allow overwrite.
const connectPermissions = discordgo.PermissionVoiceConnect | discordgo.PermissionViewChannel

// managePermissions are the bits granted to a channel owner.
const managePermissions = discordgo.PermissionManageChannels |
	discordgo.PermissionManageRoles |
	discordgo.PermissionVoiceConnect |
	discordgo.PermissionVoiceSpeak

// DiscordGateway implements Gateway on top of a discordgo session.
type DiscordGateway struct {
	session *discordgo.Session
	events  chan VoiceEvent
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewDiscordGateway creates a gateway for the given bot token and connects
// the websocket session. Call Close to disconnect.
func NewDiscordGateway(token string, logger *slog.Logger) (*DiscordGateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates

	g := &DiscordGateway{
		session: session,
		events:  make(chan VoiceEvent, 256),
		logger:  logger.With("component", "discord"),
	}
	session.AddHandler(g.handleVoiceStateUpdate)

	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("opening discord session: %w", err)
	}

	g.logger.Info("discord gateway connected")
	return g, nil
}

// Close disconnects the session and closes the event stream.
func (g *DiscordGateway) Close() error {
	var err error
	g.closeOnce.Do(func() {
		err = g.session.Close()
		close(g.events)
	})
	return err
}

// handleVoiceStateUpdate converts discord voice state updates into
// VoiceEvents. Bot members are ignored.
func (g *DiscordGateway) handleVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	if v.Member != nil && v.Member.User != nil && v.Member.User.Bot {
		return
	}

	ev := VoiceEvent{
		GuildID:     v.GuildID,
		UserID:      v.UserID,
		ToChannelID: v.ChannelID,
	}
	if v.BeforeUpdate != nil {
		ev.FromChannelID = v.BeforeUpdate.ChannelID
	}
	if ev.FromChannelID == ev.ToChannelID {
		// Mute/deafen toggles arrive as voice state updates too.
		return
	}
	if v.Member != nil && v.Member.User != nil {
		ev.Username = v.Member.User.Username
	}

	select {
	case g.events <- ev:
	default:
		g.logger.Warn("voice event buffer full, dropping event",
			"guild", ev.GuildID, "user", ev.UserID)
	}
}

// Events returns the voice membership event stream.
func (g *DiscordGateway) Events() <-chan VoiceEvent {
	return g.events
}

// CreateCategory creates a channel category.
func (g *DiscordGateway) CreateCategory(ctx context.Context, guildID, name string) (string, error) {
	ch, err := g.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name: name,
		Type: discordgo.ChannelTypeGuildCategory,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", wrapDiscordError("creating category", err)
	}
	return ch.ID, nil
}

// CreateVoiceChannel creates a voice channel under a category.
func (g *DiscordGateway) CreateVoiceChannel(ctx context.Context, guildID, categoryID, name string, limit int) (string, error) {
	ch, err := g.session.GuildChannelCreateComplex(guildID, discordgo.GuildChannelCreateData{
		Name:      name,
		Type:      discordgo.ChannelTypeGuildVoice,
		ParentID:  categoryID,
		UserLimit: limit,
	}, discordgo.WithContext(ctx))
	if err != nil {
		return "", wrapDiscordError("creating voice channel", err)
	}
	return ch.ID, nil
}

// DeleteChannel deletes a channel.
func (g *DiscordGateway) DeleteChannel(ctx context.Context, channelID string) error {
	if _, err := g.session.ChannelDelete(channelID, discordgo.WithContext(ctx)); err != nil {
		return wrapDiscordError("deleting channel", err)
	}
	return nil
}

// RenameChannel renames a channel or category.
func (g *DiscordGateway) RenameChannel(ctx context.Context, channelID, name string) error {
	if _, err := g.session.ChannelEdit(channelID, &discordgo.ChannelEdit{Name: name}, discordgo.WithContext(ctx)); err != nil {
		return wrapDiscordError("renaming channel", err)
	}
	return nil
}

// channelLimitPatch always marshals user_limit, including zero.
// discordgo's ChannelEdit tags the field omitempty, which would drop a
// zero (unlimited) from the PATCH body and leave the limit unchanged.
type channelLimitPatch struct {
	UserLimit int `json:"user_limit"`
}

// SetUserLimit changes a voice channel's user limit (0 = unlimited).
func (g *DiscordGateway) SetUserLimit(ctx context.Context, channelID string, limit int) error {
	endpoint := discordgo.EndpointChannel(channelID)
	_, err := g.session.RequestWithBucketID("PATCH", endpoint,
		channelLimitPatch{UserLimit: limit}, endpoint, discordgo.WithContext(ctx))
	if err != nil {
		return wrapDiscordError("setting user limit", err)
	}
	return nil
}

// MoveMember moves a connected member into a voice channel.
func (g *DiscordGateway) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	if err := g.session.GuildMemberMove(guildID, userID, &channelID, discordgo.WithContext(ctx)); err != nil {
		return wrapDiscordError("moving member", err)
	}
	return nil
}

// SetConnect grants or removes the connect permission for a subject.
// The everyone role shares its ID with the guild.
func (g *DiscordGateway) SetConnect(ctx context.Context, channelID string, subject Subject, allow bool) error {
	targetID := subject.UserID
	targetType := discordgo.PermissionOverwriteTypeMember
	if subject.IsEveryone() {
		ch, err := g.Channel(ctx, channelID)
		if err != nil {
			return err
		}
		targetID = ch.GuildID
		targetType = discordgo.PermissionOverwriteTypeRole
	}

	var allowBits, denyBits int64
	if allow {
		allowBits = connectPermissions
	} else {
		denyBits = discordgo.PermissionVoiceConnect
	}

	err := g.session.ChannelPermissionSet(channelID, targetID, targetType, allowBits, denyBits, discordgo.WithContext(ctx))
	if err != nil {
		return wrapDiscordError("setting permission", err)
	}
	return nil
}

// GrantManage gives a user channel-management permissions.
func (g *DiscordGateway) GrantManage(ctx context.Context, channelID, userID string) error {
	err := g.session.ChannelPermissionSet(channelID, userID,
		discordgo.PermissionOverwriteTypeMember, managePermissions, 0, discordgo.WithContext(ctx))
	if err != nil {
		return wrapDiscordError("granting manage permission", err)
	}
	return nil
}

// Members returns the users currently connected to a voice channel,
// resolved from the session's cached guild voice states.
func (g *DiscordGateway) Members(ctx context.Context, guildID, channelID string) ([]Member, error) {
	guild, err := g.session.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("%w: guild %s not in state: %v", ErrUnavailable, guildID, err)
	}

	var members []Member
	for _, vs := range guild.VoiceStates {
		if vs.ChannelID != channelID {
			continue
		}
		m := Member{ID: vs.UserID}
		if member, err := g.session.State.Member(guildID, vs.UserID); err == nil && member.User != nil {
			m.Username = member.User.Username
		}
		members = append(members, m)
	}
	return members, nil
}

// Channel returns a snapshot of a channel, preferring the state cache.
func (g *DiscordGateway) Channel(ctx context.Context, channelID string) (*ChannelInfo, error) {
	ch, err := g.session.State.Channel(channelID)
	if err != nil {
		ch, err = g.session.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			return nil, wrapDiscordError("fetching channel", err)
		}
	}
	return channelInfo(ch), nil
}

// CategoryChannels lists the voice channels currently under a category.
func (g *DiscordGateway) CategoryChannels(ctx context.Context, guildID, categoryID string) ([]*ChannelInfo, error) {
	channels, err := g.session.GuildChannels(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, wrapDiscordError("listing guild channels", err)
	}

	var infos []*ChannelInfo
	for _, ch := range channels {
		if ch.ParentID == categoryID && ch.Type == discordgo.ChannelTypeGuildVoice {
			infos = append(infos, channelInfo(ch))
		}
	}
	return infos, nil
}

// GuildOwner returns the guild owner's user ID.
func (g *DiscordGateway) GuildOwner(ctx context.Context, guildID string) (string, error) {
	guild, err := g.session.State.Guild(guildID)
	if err == nil && guild.OwnerID != "" {
		return guild.OwnerID, nil
	}
	fetched, err := g.session.Guild(guildID, discordgo.WithContext(ctx))
	if err != nil {
		return "", wrapDiscordError("fetching guild", err)
	}
	return fetched.OwnerID, nil
}

// channelInfo converts a discordgo channel into a ChannelInfo snapshot.
func channelInfo(ch *discordgo.Channel) *ChannelInfo {
	info := &ChannelInfo{
		ID:         ch.ID,
		GuildID:    ch.GuildID,
		CategoryID: ch.ParentID,
		Name:       ch.Name,
		UserLimit:  ch.UserLimit,
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildCategory:
		info.Type = ChannelCategory
	case discordgo.ChannelTypeGuildVoice:
		info.Type = ChannelVoice
	}
	return info
}

// wrapDiscordError maps discord REST failures onto the gateway error taxonomy.
func wrapDiscordError(op string, err error) error {
	if restErr, ok := err.(*discordgo.RESTError); ok && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case 403:
			return fmt.Errorf("%s: %w: %v", op, ErrForbidden, err)
		case 404:
			return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

// Ensure DiscordGateway implements Gateway
var _ Gateway = (*DiscordGateway)(nil)
