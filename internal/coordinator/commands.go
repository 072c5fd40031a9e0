// ABOUTME: Owner and admin operations on guilds and temporary channels
// ABOUTME: Claim, lock/unlock/permit, name/limit, setup/edit, list and auditlog

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/store"
)

// ChannelStatus is one tracked channel annotated with its live member
// count. MemberCount is -1 when the gateway could not be queried; the
// snapshot is only as fresh as the call that produced it.
type ChannelStatus struct {
	Channel     *store.TemporaryChannel
	MemberCount int
}

// ConfigTarget names the part of a guild's configuration an edit applies to.
type ConfigTarget string

const (
	TargetIncubator ConfigTarget = "incubator"
	TargetCategory  ConfigTarget = "category"
)

// Claim transfers ownership of a channel to a requester. The current
// owner must be absent from the channel and the requester present.
func (c *Coordinator) Claim(ctx context.Context, guildID, channelID, requesterID string) error {
	release, err := c.acquire(ctx, channelKey(channelID))
	if err != nil {
		return err
	}
	defer release()

	ch, err := c.store.GetChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNotTracked
	}
	if err != nil {
		return fmt.Errorf("loading channel: %w", err)
	}

	members, err := c.gw.Members(ctx, guildID, channelID)
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}
	present := false
	for _, m := range members {
		if m.ID == ch.OwnerID {
			return ErrNotOwnerless
		}
		if m.ID == requesterID {
			present = true
		}
	}
	if !present {
		return ErrNotPresent
	}

	if err := c.gw.GrantManage(ctx, channelID, requesterID); err != nil {
		return fmt.Errorf("granting manage permission: %w", err)
	}
	if err := c.store.UpdateChannelOwner(ctx, channelID, requesterID, &store.AuditEntry{
		GuildID:   guildID,
		ActorID:   &requesterID,
		Kind:      store.AuditClaimed,
		ChannelID: &channelID,
		Details:   fmt.Sprintf("ownership claimed from absent owner %s", ch.OwnerID),
	}); err != nil {
		return fmt.Errorf("reassigning owner: %w", err)
	}

	c.logger.Info("channel claimed", "channel", channelID, "new_owner", requesterID, "old_owner", ch.OwnerID)
	return nil
}

// Lock closes a channel to general members while re-asserting access for
// everyone on its permitted list.
func (c *Coordinator) Lock(ctx context.Context, guildID, channelID, actorID string) error {
	release, err := c.acquire(ctx, channelKey(channelID))
	if err != nil {
		return err
	}
	defer release()

	ch, err := c.ownedChannel(ctx, channelID, actorID)
	if err != nil {
		return err
	}

	if err := c.gw.SetConnect(ctx, channelID, platform.Everyone(), false); err != nil {
		return fmt.Errorf("revoking general connect: %w", err)
	}

	// Permitted users keep access through a lock.
	permits, err := c.store.ListPermits(ctx, channelID)
	if err != nil {
		return fmt.Errorf("listing permits: %w", err)
	}
	for _, userID := range permits {
		if err := c.gw.SetConnect(ctx, channelID, platform.User(userID), true); err != nil {
			return fmt.Errorf("re-asserting permit for %s: %w", userID, err)
		}
	}
	// The owner must always be able to rejoin their own channel.
	if err := c.gw.SetConnect(ctx, channelID, platform.User(ch.OwnerID), true); err != nil {
		return fmt.Errorf("re-asserting owner access: %w", err)
	}

	if err := c.store.SetChannelLocked(ctx, channelID, true, &store.AuditEntry{
		GuildID:   guildID,
		ActorID:   &actorID,
		Kind:      store.AuditLocked,
		ChannelID: &channelID,
		Details:   fmt.Sprintf("channel locked with %d permitted users", len(permits)),
	}); err != nil {
		return fmt.Errorf("recording lock: %w", err)
	}
	return nil
}

// Unlock reopens a channel to general members. Permit overwrites stay in
// place; they are harmless while the channel is open.
func (c *Coordinator) Unlock(ctx context.Context, guildID, channelID, actorID string) error {
	release, err := c.acquire(ctx, channelKey(channelID))
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.ownedChannel(ctx, channelID, actorID); err != nil {
		return err
	}

	if err := c.gw.SetConnect(ctx, channelID, platform.Everyone(), true); err != nil {
		return fmt.Errorf("restoring general connect: %w", err)
	}

	if err := c.store.SetChannelLocked(ctx, channelID, false, &store.AuditEntry{
		GuildID:   guildID,
		ActorID:   &actorID,
		Kind:      store.AuditUnlocked,
		ChannelID: &channelID,
		Details:   "channel unlocked",
	}); err != nil {
		return fmt.Errorf("recording unlock: %w", err)
	}
	return nil
}

// Permit grants a user access to a channel that persists across lock and
// unlock cycles.
func (c *Coordinator) Permit(ctx context.Context, guildID, channelID, actorID, targetID string) error {
	release, err := c.acquire(ctx, channelKey(channelID))
	if err != nil {
		return err
	}
	defer release()

	if _, err := c.ownedChannel(ctx, channelID, actorID); err != nil {
		return err
	}

	if err := c.gw.SetConnect(ctx, channelID, platform.User(targetID), true); err != nil {
		return fmt.Errorf("granting connect: %w", err)
	}

	if err := c.store.AddPermit(ctx, channelID, targetID, &store.AuditEntry{
		GuildID:   guildID,
		ActorID:   &actorID,
		Kind:      store.AuditPermitted,
		ChannelID: &channelID,
		Details:   fmt.Sprintf("user %s permitted", targetID),
	}); err != nil {
		return fmt.Errorf("recording permit: %w", err)
	}
	return nil
}

// ownedChannel loads a tracked channel and checks the actor owns it.
func (c *Coordinator) ownedChannel(ctx context.Context, channelID, actorID string) (*store.TemporaryChannel, error) {
	ch, err := c.store.GetChannel(ctx, channelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotTracked
	}
	if err != nil {
		return nil, fmt.Errorf("loading channel: %w", err)
	}
	if ch.OwnerID != actorID {
		return nil, ErrNotOwner
	}
	return ch, nil
}

// SetName stores a user's preferred channel name and, when they own a
// live channel they are currently in, renames it too.
func (c *Coordinator) SetName(ctx context.Context, guildID, userID, name string) error {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > c.opts.NameMaxLen {
		return fmt.Errorf("%w: name must be 1 to %d characters", ErrInvalidValue, c.opts.NameMaxLen)
	}

	live, err := c.applyToLiveChannel(ctx, guildID, userID, func(channelID string) error {
		if err := c.gw.RenameChannel(ctx, channelID, name); err != nil {
			return fmt.Errorf("renaming live channel: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.store.SetPreferredName(ctx, guildID, userID, name, &store.AuditEntry{
		GuildID: guildID,
		ActorID: &userID,
		Kind:    store.AuditDefaultNameSet,
		Details: fmt.Sprintf("preferred channel name set to %q", name),
	}); err != nil {
		return fmt.Errorf("storing preference: %w", err)
	}

	if live != nil {
		if err := c.store.AppendAudit(ctx, &store.AuditEntry{
			GuildID:   guildID,
			ActorID:   &userID,
			Kind:      store.AuditRenamed,
			ChannelID: &live.ChannelID,
			Details:   fmt.Sprintf("live channel renamed to %q", name),
		}); err != nil {
			c.logger.Error("failed to record rename", "error", err, "channel", live.ChannelID)
		}
	}
	return nil
}

// SetLimit stores a user's preferred user limit and, when they own a live
// channel they are currently in, applies it there too. Zero means
// unlimited.
func (c *Coordinator) SetLimit(ctx context.Context, guildID, userID string, limit int) error {
	if limit < 0 || limit > c.opts.LimitMax {
		return fmt.Errorf("%w: limit must be 0 to %d", ErrInvalidValue, c.opts.LimitMax)
	}

	live, err := c.applyToLiveChannel(ctx, guildID, userID, func(channelID string) error {
		if err := c.gw.SetUserLimit(ctx, channelID, limit); err != nil {
			return fmt.Errorf("changing live limit: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if err := c.store.SetPreferredLimit(ctx, guildID, userID, limit, &store.AuditEntry{
		GuildID: guildID,
		ActorID: &userID,
		Kind:    store.AuditDefaultLimitSet,
		Details: fmt.Sprintf("preferred user limit set to %d", limit),
	}); err != nil {
		return fmt.Errorf("storing preference: %w", err)
	}

	if live != nil {
		if err := c.store.AppendAudit(ctx, &store.AuditEntry{
			GuildID:   guildID,
			ActorID:   &userID,
			Kind:      store.AuditLimitChanged,
			ChannelID: &live.ChannelID,
			Details:   fmt.Sprintf("live channel limit changed to %d", limit),
		}); err != nil {
			c.logger.Error("failed to record limit change", "error", err, "channel", live.ChannelID)
		}
	}
	return nil
}

// applyToLiveChannel runs fn against the user's live owned channel under
// that channel's section, so the platform call cannot interleave with a
// teardown. Returns the channel fn was applied to, or nil when the user
// has no live channel (including one torn down while waiting for the
// section).
func (c *Coordinator) applyToLiveChannel(ctx context.Context, guildID, userID string, fn func(channelID string) error) (*store.TemporaryChannel, error) {
	live, err := c.liveOwnedChannelWithOwner(ctx, guildID, userID)
	if err != nil || live == nil {
		return nil, err
	}

	release, err := c.acquire(ctx, channelKey(live.ChannelID))
	if err != nil {
		return nil, err
	}
	defer release()

	// Re-check under the section: a racing teardown or re-provision may
	// have resolved the channel's fate while we waited.
	current, err := c.liveOwnedChannelWithOwner(ctx, guildID, userID)
	if err != nil || current == nil || current.ChannelID != live.ChannelID {
		return nil, err
	}

	if err := fn(current.ChannelID); err != nil {
		return nil, err
	}
	return current, nil
}

// liveOwnedChannelWithOwner returns the user's tracked channel when it
// exists live and the user is currently connected to it, nil otherwise.
func (c *Coordinator) liveOwnedChannelWithOwner(ctx context.Context, guildID, userID string) (*store.TemporaryChannel, error) {
	ch, err := c.store.GetChannelByOwner(ctx, guildID, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up owned channel: %w", err)
	}
	members, err := c.gw.Members(ctx, guildID, ch.ChannelID)
	if err != nil {
		// Gone or unreachable: apply the preference only.
		return nil, nil
	}
	for _, m := range members {
		if m.ID == userID {
			return ch, nil
		}
	}
	return nil, nil
}

// Setup provisions the guild's category and incubator channel and records
// the configuration. Idempotent: missing pieces are re-created, existing
// ones kept.
func (c *Coordinator) Setup(ctx context.Context, guildID, actorID, categoryName, incubatorName string) error {
	release, err := c.acquire(ctx, guildKey(guildID))
	if err != nil {
		return err
	}
	defer release()

	ownerID, err := c.gw.GuildOwner(ctx, guildID)
	if err != nil {
		return fmt.Errorf("resolving guild owner: %w", err)
	}

	existing, err := c.store.GetGuildConfig(ctx, guildID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading guild config: %w", err)
	}

	cfg := &store.GuildConfig{GuildID: guildID, OwnerID: ownerID, CleanupOnStartup: true}
	if existing != nil {
		*cfg = *existing
		cfg.OwnerID = ownerID
	}

	// Repair rather than duplicate: keep whatever still exists live.
	if cfg.CategoryID != "" {
		if _, err := c.gw.Channel(ctx, cfg.CategoryID); errors.Is(err, platform.ErrNotFound) {
			cfg.CategoryID = ""
		} else if err != nil {
			return fmt.Errorf("checking category: %w", err)
		}
	}
	if cfg.CategoryID == "" {
		id, err := c.gw.CreateCategory(ctx, guildID, categoryName)
		if err != nil {
			return fmt.Errorf("creating category: %w", err)
		}
		cfg.CategoryID = id
		// A new category cannot contain the old incubator.
		cfg.IncubatorID = nil
	}

	if cfg.IncubatorID != nil {
		if _, err := c.gw.Channel(ctx, *cfg.IncubatorID); errors.Is(err, platform.ErrNotFound) {
			cfg.IncubatorID = nil
		} else if err != nil {
			return fmt.Errorf("checking incubator: %w", err)
		}
	}
	if cfg.IncubatorID == nil {
		id, err := c.gw.CreateVoiceChannel(ctx, guildID, cfg.CategoryID, incubatorName, 0)
		if err != nil {
			return fmt.Errorf("creating incubator: %w", err)
		}
		cfg.IncubatorID = &id
	}

	if err := c.store.UpsertGuildConfig(ctx, cfg); err != nil {
		return fmt.Errorf("saving guild config: %w", err)
	}
	if err := c.store.AppendAudit(ctx, &store.AuditEntry{
		GuildID: guildID,
		ActorID: &actorID,
		Kind:    store.AuditSetup,
		Details: fmt.Sprintf("guild set up: category %s, incubator %s", cfg.CategoryID, *cfg.IncubatorID),
	}); err != nil {
		c.logger.Error("failed to record setup", "error", err, "guild", guildID)
	}

	c.logger.Info("guild set up", "guild", guildID, "category", cfg.CategoryID, "incubator", *cfg.IncubatorID)
	return nil
}

// EditRename renames the guild's configured incubator or category.
func (c *Coordinator) EditRename(ctx context.Context, guildID, actorID string, target ConfigTarget, name string) error {
	n := utf8.RuneCountInString(name)
	if n < 1 || n > c.opts.NameMaxLen {
		return fmt.Errorf("%w: name must be 1 to %d characters", ErrInvalidValue, c.opts.NameMaxLen)
	}

	release, err := c.acquire(ctx, guildKey(guildID))
	if err != nil {
		return err
	}
	defer release()

	cfg, err := c.configuredGuild(ctx, guildID)
	if err != nil {
		return err
	}

	var channelID string
	switch target {
	case TargetIncubator:
		channelID = *cfg.IncubatorID
	case TargetCategory:
		channelID = cfg.CategoryID
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidValue, target)
	}

	if err := c.gw.RenameChannel(ctx, channelID, name); err != nil {
		return fmt.Errorf("renaming %s: %w", target, err)
	}
	if err := c.store.AppendAudit(ctx, &store.AuditEntry{
		GuildID:   guildID,
		ActorID:   &actorID,
		Kind:      store.AuditConfigChanged,
		ChannelID: &channelID,
		Details:   fmt.Sprintf("%s renamed to %q", target, name),
	}); err != nil {
		c.logger.Error("failed to record config change", "error", err, "guild", guildID)
	}
	return nil
}

// EditSelect re-points the guild's configuration at an existing channel.
// The incubator must live inside the configured category; a selection that
// would break that leaves the prior configuration intact.
func (c *Coordinator) EditSelect(ctx context.Context, guildID, actorID string, target ConfigTarget, channelID string) error {
	release, err := c.acquire(ctx, guildKey(guildID))
	if err != nil {
		return err
	}
	defer release()

	cfg, err := c.configuredGuild(ctx, guildID)
	if err != nil {
		return err
	}

	info, err := c.gw.Channel(ctx, channelID)
	if errors.Is(err, platform.ErrNotFound) {
		return fmt.Errorf("%w: channel %s does not exist", ErrInvalidConfiguration, channelID)
	}
	if err != nil {
		return fmt.Errorf("checking channel: %w", err)
	}

	switch target {
	case TargetIncubator:
		if info.Type != platform.ChannelVoice {
			return fmt.Errorf("%w: incubator must be a voice channel", ErrInvalidConfiguration)
		}
		if info.CategoryID != cfg.CategoryID {
			return fmt.Errorf("%w: incubator must be inside the configured category", ErrInvalidConfiguration)
		}
		cfg.IncubatorID = &channelID
	case TargetCategory:
		if info.Type != platform.ChannelCategory {
			return fmt.Errorf("%w: selected channel is not a category", ErrInvalidConfiguration)
		}
		if cfg.IncubatorID != nil {
			inc, err := c.gw.Channel(ctx, *cfg.IncubatorID)
			if err != nil && !errors.Is(err, platform.ErrNotFound) {
				return fmt.Errorf("checking incubator: %w", err)
			}
			if err == nil && inc.CategoryID != channelID {
				return fmt.Errorf("%w: configured incubator is not inside the selected category", ErrInvalidConfiguration)
			}
		}
		cfg.CategoryID = channelID
	default:
		return fmt.Errorf("%w: unknown target %q", ErrInvalidValue, target)
	}

	if err := c.store.UpsertGuildConfig(ctx, cfg); err != nil {
		return fmt.Errorf("saving guild config: %w", err)
	}
	if err := c.store.AppendAudit(ctx, &store.AuditEntry{
		GuildID:   guildID,
		ActorID:   &actorID,
		Kind:      store.AuditConfigChanged,
		ChannelID: &channelID,
		Details:   fmt.Sprintf("%s re-pointed to %s", target, channelID),
	}); err != nil {
		c.logger.Error("failed to record config change", "error", err, "guild", guildID)
	}
	return nil
}

// configuredGuild loads a guild config that has a live incubator set.
func (c *Coordinator) configuredGuild(ctx context.Context, guildID string) (*store.GuildConfig, error) {
	cfg, err := c.store.GetGuildConfig(ctx, guildID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: guild has not been set up", ErrInvalidConfiguration)
	}
	if err != nil {
		return nil, fmt.Errorf("loading guild config: %w", err)
	}
	if cfg.IncubatorID == nil {
		return nil, fmt.Errorf("%w: guild has no incubator configured", ErrInvalidConfiguration)
	}
	return cfg, nil
}

// List returns the guild's tracked channels with a best-effort live member
// count. A channel whose count could not be read reports -1.
func (c *Coordinator) List(ctx context.Context, guildID string) ([]*ChannelStatus, error) {
	channels, err := c.store.ListChannels(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}

	statuses := make([]*ChannelStatus, 0, len(channels))
	for _, ch := range channels {
		count := -1
		if members, err := c.gw.Members(ctx, guildID, ch.ChannelID); err == nil {
			count = len(members)
		}
		statuses = append(statuses, &ChannelStatus{Channel: ch, MemberCount: count})
	}
	return statuses, nil
}

// AuditLog returns the newest audit entries for a guild. A non-positive
// count asks for the default of 10; anything above the configured maximum
// is clamped down to it.
func (c *Coordinator) AuditLog(ctx context.Context, guildID string, count int) ([]*store.AuditEntry, error) {
	if count <= 0 {
		count = 10
	}
	if count > c.opts.AuditListMax {
		count = c.opts.AuditListMax
	}
	entries, err := c.store.ListAudit(ctx, guildID, count)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	return entries, nil
}
