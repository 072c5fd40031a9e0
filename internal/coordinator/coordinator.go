// ABOUTME: LifecycleCoordinator reacting to voice membership events
// ABOUTME: Decides channel creation and teardown, serialized per channel, with a durable audit trail

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/voicewarden/voicewarden/internal/debounce"
	"github.com/voicewarden/voicewarden/internal/keymutex"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/store"
)

// Options tune the coordinator's concurrency and validation limits.
// Zero values fall back to defaults.
type Options struct {
	// LockWaitTimeout bounds waiting for a per-channel or per-guild
	// section before the operation fails with ErrBusy.
	LockWaitTimeout time.Duration

	// DebounceWindow suppresses duplicate incubator-join events for the
	// same user within this interval.
	DebounceWindow time.Duration

	// DebounceMaxEntries caps the debounce window's tracked joins.
	DebounceMaxEntries int

	// AuditListMax caps the entry count an auditlog query may request.
	AuditListMax int

	// NameMaxLen is the platform's maximum channel name length.
	NameMaxLen int

	// LimitMax is the platform's maximum voice channel user limit.
	LimitMax int
}

func (o Options) withDefaults() Options {
	if o.LockWaitTimeout <= 0 {
		o.LockWaitTimeout = 5 * time.Second
	}
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = 3 * time.Second
	}
	if o.DebounceMaxEntries <= 0 {
		o.DebounceMaxEntries = 10000
	}
	if o.AuditListMax <= 0 {
		o.AuditListMax = 50
	}
	if o.NameMaxLen <= 0 {
		o.NameMaxLen = 100
	}
	if o.LimitMax <= 0 {
		o.LimitMax = 99
	}
	return o
}

// Coordinator is the channel lifecycle state machine. It consumes voice
// membership events, provisions and tears down temporary channels, and
// exposes the owner and admin operations, each serialized per channel or
// per guild.
type Coordinator struct {
	store  store.Store
	gw     platform.Gateway
	locks  *keymutex.KeyMutex
	joins  *debounce.Window
	opts   Options
	logger *slog.Logger
}

// New creates a Coordinator.
func New(st store.Store, gw platform.Gateway, opts Options, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Coordinator{
		store:  st,
		gw:     gw,
		locks:  keymutex.New(),
		joins:  debounce.New(opts.DebounceWindow, opts.DebounceMaxEntries),
		opts:   opts,
		logger: logger.With("component", "coordinator"),
	}
}

func channelKey(channelID string) string        { return "channel:" + channelID }
func guildKey(guildID string) string            { return "guild:" + guildID }
func creationKey(guildID, userID string) string { return "create:" + guildID + ":" + userID }

// acquire takes a keyed section, translating a timeout into ErrBusy.
func (c *Coordinator) acquire(ctx context.Context, key string) (func(), error) {
	release, err := c.locks.Acquire(ctx, key, c.opts.LockWaitTimeout)
	if err != nil {
		if errors.Is(err, keymutex.ErrTimeout) {
			return nil, ErrBusy
		}
		return nil, err
	}
	return release, nil
}

// HandleVoiceEvent processes one membership change. Guilds without a
// configured incubator are ignored. Duplicate and out-of-order deliveries
// are tolerated: creation is debounced per user and teardown re-checks
// state under the channel's section.
func (c *Coordinator) HandleVoiceEvent(ctx context.Context, ev platform.VoiceEvent) error {
	cfg, err := c.store.GetGuildConfig(ctx, ev.GuildID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading guild config: %w", err)
	}
	if cfg.IncubatorID == nil {
		return nil
	}
	incubator := *cfg.IncubatorID

	var errs []error
	if ev.FromChannelID != "" && ev.FromChannelID != incubator {
		if err := c.handleLeave(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	if ev.ToChannelID == incubator {
		if err := c.handleIncubatorJoin(ctx, cfg, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handleLeave records the departure and tears the channel down if it is
// now empty.
func (c *Coordinator) handleLeave(ctx context.Context, ev platform.VoiceEvent) error {
	ch, err := c.store.GetChannel(ctx, ev.FromChannelID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading channel: %w", err)
	}

	role := "member"
	if ch.OwnerID == ev.UserID {
		role = "owner"
	}
	if err := c.store.AppendAudit(ctx, &store.AuditEntry{
		GuildID:   ev.GuildID,
		ActorID:   &ev.UserID,
		Kind:      store.AuditMemberLeft,
		ChannelID: &ev.FromChannelID,
		Details:   fmt.Sprintf("%s %s left channel %s", role, ev.UserID, ev.FromChannelID),
	}); err != nil {
		c.logger.Error("failed to record member leave", "error", err, "channel", ev.FromChannelID)
	}

	return c.teardownIfEmpty(ctx, ch.GuildID, ch.ChannelID)
}

// teardownIfEmpty deletes the platform channel and its registry row once
// the channel has no members. It is a no-op when the row is already gone,
// so duplicate empty events double-tear nothing.
func (c *Coordinator) teardownIfEmpty(ctx context.Context, guildID, channelID string) error {
	release, err := c.acquire(ctx, channelKey(channelID))
	if err != nil {
		return err
	}
	defer release()

	// Re-read under the section: a racing claim or join may have already
	// resolved the channel's fate.
	if _, err := c.store.GetChannel(ctx, channelID); errors.Is(err, store.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("loading channel: %w", err)
	}

	members, err := c.gw.Members(ctx, guildID, channelID)
	if errors.Is(err, platform.ErrNotFound) {
		return c.pruneRow(ctx, guildID, channelID, store.AuditStaleChannelPruned,
			fmt.Sprintf("channel %s gone from platform, registry row removed", channelID))
	}
	if err != nil {
		return fmt.Errorf("listing members: %w", err)
	}
	if len(members) > 0 {
		return nil
	}

	if err := c.gw.DeleteChannel(ctx, channelID); err != nil && !errors.Is(err, platform.ErrNotFound) {
		if aerr := c.store.AppendAudit(ctx, &store.AuditEntry{
			GuildID:   guildID,
			Kind:      store.AuditChannelDeleteFailed,
			ChannelID: &channelID,
			Outcome:   store.OutcomeError,
			Details:   fmt.Sprintf("platform delete failed: %v", err),
		}); aerr != nil {
			c.logger.Error("failed to record delete failure", "error", aerr, "channel", channelID)
		}
		return err
	}

	return c.pruneRow(ctx, guildID, channelID, store.AuditChannelDeleted,
		fmt.Sprintf("empty temporary channel %s deleted", channelID))
}

// pruneRow removes a registry row, treating an already-missing row as done.
func (c *Coordinator) pruneRow(ctx context.Context, guildID, channelID string, kind store.AuditKind, details string) error {
	err := c.store.DeleteChannel(ctx, channelID, &store.AuditEntry{
		GuildID:   guildID,
		Kind:      kind,
		ChannelID: &channelID,
		Details:   details,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("removing registry row: %w", err)
	}
	c.logger.Info("channel removed", "channel", channelID, "kind", kind)
	return nil
}

// handleIncubatorJoin provisions a channel for the joining user, debounced
// against event redelivery and serialized per user.
func (c *Coordinator) handleIncubatorJoin(ctx context.Context, cfg *store.GuildConfig, ev platform.VoiceEvent) error {
	key := ev.GuildID + ":" + ev.UserID
	if c.joins.CheckAndMark(key) {
		c.logger.Debug("duplicate incubator join ignored", "guild", ev.GuildID, "user", ev.UserID)
		return nil
	}

	release, err := c.acquire(ctx, creationKey(ev.GuildID, ev.UserID))
	if err != nil {
		c.joins.Forget(key)
		return err
	}
	defer release()

	if err := c.provisionChannel(ctx, cfg, ev); err != nil {
		// Let the user retry by joining the incubator again.
		c.joins.Forget(key)
		return err
	}
	return nil
}

// provisionChannel creates the user's channel, or moves them into the one
// they already own.
func (c *Coordinator) provisionChannel(ctx context.Context, cfg *store.GuildConfig, ev platform.VoiceEvent) error {
	existing, err := c.store.GetChannelByOwner(ctx, ev.GuildID, ev.UserID)
	if err == nil {
		if _, cherr := c.gw.Channel(ctx, existing.ChannelID); cherr == nil {
			if merr := c.gw.MoveMember(ctx, ev.GuildID, ev.UserID, existing.ChannelID); merr != nil {
				return fmt.Errorf("moving to existing channel: %w", merr)
			}
			if aerr := c.store.AppendAudit(ctx, &store.AuditEntry{
				GuildID:   ev.GuildID,
				ActorID:   &ev.UserID,
				Kind:      store.AuditMemberMovedExisting,
				ChannelID: &existing.ChannelID,
				Details:   fmt.Sprintf("user %s moved to their existing channel %s", ev.UserID, existing.ChannelID),
			}); aerr != nil {
				c.logger.Error("failed to record move", "error", aerr, "channel", existing.ChannelID)
			}
			return nil
		} else if errors.Is(cherr, platform.ErrNotFound) {
			if perr := c.pruneRow(ctx, ev.GuildID, existing.ChannelID, store.AuditStaleChannelPruned,
				fmt.Sprintf("stale registry row for %s removed before re-creation", existing.ChannelID)); perr != nil {
				return perr
			}
		} else {
			return fmt.Errorf("checking existing channel: %w", cherr)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("looking up owned channel: %w", err)
	}

	if _, err := c.gw.Channel(ctx, cfg.CategoryID); err != nil {
		c.auditCreationFailure(ctx, ev, "", fmt.Sprintf("configured category %s unavailable: %v", cfg.CategoryID, err))
		return fmt.Errorf("checking category: %w", err)
	}

	name, limit := c.resolveChannelSettings(ctx, ev.GuildID, ev.UserID, ev.Username)

	channelID, err := c.gw.CreateVoiceChannel(ctx, ev.GuildID, cfg.CategoryID, name, limit)
	if err != nil {
		c.auditCreationFailure(ctx, ev, "", fmt.Sprintf("platform create failed: %v", err))
		return fmt.Errorf("creating channel: %w", err)
	}

	row := &store.TemporaryChannel{
		ChannelID: channelID,
		GuildID:   ev.GuildID,
		OwnerID:   ev.UserID,
	}
	if err := c.store.CreateChannel(ctx, row, &store.AuditEntry{
		GuildID:   ev.GuildID,
		ActorID:   &ev.UserID,
		Kind:      store.AuditChannelCreated,
		ChannelID: &channelID,
		Details:   fmt.Sprintf("channel %q created with limit %d", name, limit),
	}); err != nil {
		// The platform channel exists but the registry write failed:
		// compensate once, best effort, and report the store failure.
		if derr := c.gw.DeleteChannel(ctx, channelID); derr != nil {
			c.logger.Error("compensating delete failed, channel orphaned until reconcile",
				"error", derr, "channel", channelID)
		}
		return fmt.Errorf("registering channel: %w", err)
	}

	if err := c.gw.GrantManage(ctx, channelID, ev.UserID); err != nil {
		c.logger.Warn("granting owner permissions failed", "error", err, "channel", channelID)
	}
	if err := c.gw.MoveMember(ctx, ev.GuildID, ev.UserID, channelID); err != nil {
		// The empty channel will be swept if the user never arrives.
		c.logger.Warn("moving user into new channel failed", "error", err, "channel", channelID)
	}

	c.logger.Info("channel provisioned", "guild", ev.GuildID, "owner", ev.UserID, "channel", channelID)
	return nil
}

// auditCreationFailure records a failed provisioning attempt. Non-fatal:
// the user simply stays in the incubator.
func (c *Coordinator) auditCreationFailure(ctx context.Context, ev platform.VoiceEvent, channelID, details string) {
	e := &store.AuditEntry{
		GuildID: ev.GuildID,
		ActorID: &ev.UserID,
		Kind:    store.AuditChannelCreationFailed,
		Outcome: store.OutcomeError,
		Details: details,
	}
	if channelID != "" {
		e.ChannelID = &channelID
	}
	if err := c.store.AppendAudit(ctx, e); err != nil {
		c.logger.Error("failed to record creation failure", "error", err, "guild", ev.GuildID)
	}
}

// resolveChannelSettings picks the name and limit for a new channel:
// UserPreference, then GuildDefaults, then a computed fallback.
func (c *Coordinator) resolveChannelSettings(ctx context.Context, guildID, userID, username string) (string, int) {
	name := ""
	limit := -1

	if pref, err := c.store.GetUserPreference(ctx, guildID, userID); err == nil {
		if pref.Name != nil {
			name = *pref.Name
		}
		if pref.Limit != nil {
			limit = *pref.Limit
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		c.logger.Warn("loading user preference failed", "error", err, "user", userID)
	}

	display := username
	if display == "" {
		display = userID
	}

	if name == "" || limit < 0 {
		if defaults, err := c.store.GetGuildDefaults(ctx, guildID); err == nil {
			if name == "" && defaults.DefaultName != "" {
				name = strings.ReplaceAll(defaults.DefaultName, "{user}", display)
			}
			if limit < 0 {
				limit = defaults.DefaultLimit
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			c.logger.Warn("loading guild defaults failed", "error", err, "guild", guildID)
		}
	}

	if name == "" {
		name = display + "'s channel"
	}
	if limit < 0 {
		limit = 0
	}
	return name, limit
}

// Sweep tears down every tracked channel that is currently empty. Channels
// whose section is busy are skipped and caught on the next pass.
func (c *Coordinator) Sweep(ctx context.Context) error {
	configs, err := c.store.ListGuildConfigs(ctx)
	if err != nil {
		return fmt.Errorf("listing guilds: %w", err)
	}

	var errs []error
	for _, cfg := range configs {
		channels, err := c.store.ListChannels(ctx, cfg.GuildID)
		if err != nil {
			errs = append(errs, fmt.Errorf("guild %s: %w", cfg.GuildID, err))
			continue
		}
		for _, ch := range channels {
			err := c.teardownIfEmpty(ctx, ch.GuildID, ch.ChannelID)
			if errors.Is(err, ErrBusy) {
				continue
			}
			if err != nil {
				errs = append(errs, fmt.Errorf("channel %s: %w", ch.ChannelID, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Reconcile heals the registry for one guild after a restart: rows whose
// platform channel no longer exists are pruned, and, when the guild opted
// into startup cleanup, empty channels left in the category are purged.
func (c *Coordinator) Reconcile(ctx context.Context, guildID string) error {
	cfg, err := c.store.GetGuildConfig(ctx, guildID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading guild config: %w", err)
	}

	channels, err := c.store.ListChannels(ctx, guildID)
	if err != nil {
		return fmt.Errorf("listing channels: %w", err)
	}

	var errs []error
	for _, ch := range channels {
		_, cherr := c.gw.Channel(ctx, ch.ChannelID)
		if cherr == nil {
			continue
		}
		if !errors.Is(cherr, platform.ErrNotFound) {
			errs = append(errs, fmt.Errorf("checking channel %s: %w", ch.ChannelID, cherr))
			continue
		}
		if perr := c.pruneRow(ctx, guildID, ch.ChannelID, store.AuditReconciled,
			fmt.Sprintf("registry row for %s had no live channel after restart", ch.ChannelID)); perr != nil {
			errs = append(errs, perr)
		}
	}

	if cfg.CleanupOnStartup && cfg.IncubatorID != nil {
		if err := c.purgeEmptyCategoryChannels(ctx, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// purgeEmptyCategoryChannels removes empty voice channels left in the
// configured category, the incubator excepted.
func (c *Coordinator) purgeEmptyCategoryChannels(ctx context.Context, cfg *store.GuildConfig) error {
	infos, err := c.gw.CategoryChannels(ctx, cfg.GuildID, cfg.CategoryID)
	if err != nil {
		return fmt.Errorf("listing category channels: %w", err)
	}

	var errs []error
	for _, info := range infos {
		if info.ID == *cfg.IncubatorID {
			continue
		}
		members, err := c.gw.Members(ctx, cfg.GuildID, info.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("listing members of %s: %w", info.ID, err))
			continue
		}
		if len(members) > 0 {
			continue
		}
		if err := c.gw.DeleteChannel(ctx, info.ID); err != nil && !errors.Is(err, platform.ErrNotFound) {
			errs = append(errs, fmt.Errorf("purging %s: %w", info.ID, err))
			continue
		}
		if err := c.pruneRow(ctx, cfg.GuildID, info.ID, store.AuditChannelDeleted,
			fmt.Sprintf("empty channel %s purged at startup", info.ID)); err != nil {
			errs = append(errs, err)
		}
		c.logger.Info("purged empty channel at startup", "guild", cfg.GuildID, "channel", info.ID)
	}
	return errors.Join(errs...)
}
