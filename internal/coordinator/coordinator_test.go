// ABOUTME: Tests for the event-driven channel lifecycle
// ABOUTME: Covers creation, debounce, teardown, sweep and reconcile against the fake gateway

package coordinator

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/store"
)

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store, *platform.FakeGateway) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fake := platform.NewFakeGateway()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	coord := New(st, fake, Options{DebounceWindow: 50 * time.Millisecond}, logger)
	return coord, st, fake
}

// setupGuild provisions a configured guild on the fake gateway and in the
// store, returning the category and incubator channel IDs.
func setupGuild(t *testing.T, st store.Store, fake *platform.FakeGateway, guildID string) (string, string) {
	t.Helper()

	category := fake.AddChannel(guildID, "", "Voice Channels", platform.ChannelCategory)
	incubator := fake.AddChannel(guildID, category, "+ New Channel", platform.ChannelVoice)
	fake.SetGuildOwner(guildID, "guild-owner")

	require.NoError(t, st.UpsertGuildConfig(context.Background(), &store.GuildConfig{
		GuildID:     guildID,
		OwnerID:     "guild-owner",
		CategoryID:  category,
		IncubatorID: &incubator,
	}))
	return category, incubator
}

func joinEvent(guildID, userID, username, channelID string) platform.VoiceEvent {
	return platform.VoiceEvent{
		GuildID:     guildID,
		UserID:      userID,
		Username:    username,
		ToChannelID: channelID,
	}
}

func TestIncubatorJoin_CreatesChannel(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	category, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))

	ch, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)

	info, err := fake.Channel(ctx, ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, category, info.CategoryID)
	assert.Equal(t, "alice's channel", info.Name)
	assert.Equal(t, 0, info.UserLimit)
	assert.True(t, fake.CanManage(ch.ChannelID, "user-1"))

	members, err := fake.Members(ctx, "guild-1", ch.ChannelID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "user-1", members[0].ID)

	entries, err := st.ListAudit(ctx, "guild-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditChannelCreated, entries[0].Kind)
}

func TestIncubatorJoin_UsesPreferences(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, st.SetPreferredName(ctx, "guild-1", "user-1", "the den", nil))
	require.NoError(t, st.SetPreferredLimit(ctx, "guild-1", "user-1", 4, nil))

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))

	ch, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	info, err := fake.Channel(ctx, ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "the den", info.Name)
	assert.Equal(t, 4, info.UserLimit)
}

func TestIncubatorJoin_GuildDefaultsWithPlaceholder(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, st.SetGuildDefaults(ctx, &store.GuildDefaults{
		GuildID:      "guild-1",
		DefaultName:  "{user}'s hideout",
		DefaultLimit: 6,
	}))

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))

	ch, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	info, err := fake.Channel(ctx, ch.ChannelID)
	require.NoError(t, err)
	assert.Equal(t, "alice's hideout", info.Name)
	assert.Equal(t, 6, info.UserLimit)
}

func TestIncubatorJoin_DuplicateDebounced(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	ev := joinEvent("guild-1", "user-1", "alice", incubator)
	require.NoError(t, coord.HandleVoiceEvent(ctx, ev))
	require.NoError(t, coord.HandleVoiceEvent(ctx, ev))

	channels, err := st.ListChannels(ctx, "guild-1")
	require.NoError(t, err)
	assert.Len(t, channels, 1, "redelivered join must not create a second channel")
}

func TestIncubatorJoin_ConcurrentDuplicates(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator))
		}()
	}
	wg.Wait()

	channels, err := st.ListChannels(ctx, "guild-1")
	require.NoError(t, err)
	assert.Len(t, channels, 1)
}

func TestIncubatorJoin_ExistingChannelMovesUser(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))
	first, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)

	// Past the debounce window, a second incubator join finds the live
	// channel and moves the user instead of creating another.
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))

	channels, err := st.ListChannels(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, first.ChannelID, channels[0].ChannelID)

	entries, err := st.ListAudit(ctx, "guild-1", 10)
	require.NoError(t, err)
	assert.Equal(t, store.AuditMemberMovedExisting, entries[0].Kind)
}

func TestIncubatorJoin_StaleRowPruned(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	// A registry row pointing at a channel that never existed live.
	require.NoError(t, st.CreateChannel(ctx, &store.TemporaryChannel{
		ChannelID: "gone-123",
		GuildID:   "guild-1",
		OwnerID:   "user-1",
	}, nil))

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))

	_, err := st.GetChannel(ctx, "gone-123")
	assert.ErrorIs(t, err, store.ErrNotFound)

	fresh, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, "gone-123", fresh.ChannelID)
}

func TestIncubatorJoin_PlatformFailureAudited(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	fake.FailNext = platform.ErrUnavailable
	err := coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator))
	require.Error(t, err)

	channels, err2 := st.ListChannels(ctx, "guild-1")
	require.NoError(t, err2)
	assert.Empty(t, channels, "no registry row after a failed create")

	entries, err2 := st.ListAudit(ctx, "guild-1", 10)
	require.NoError(t, err2)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditChannelCreationFailed, entries[0].Kind)
	assert.Equal(t, store.OutcomeError, entries[0].Outcome)
}

func TestIncubatorJoin_RetryAfterFailure(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	fake.FailNext = platform.ErrUnavailable
	require.Error(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))

	// The failed attempt is forgotten, so an immediate retry works.
	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))

	channels, err := st.ListChannels(ctx, "guild-1")
	require.NoError(t, err)
	assert.Len(t, channels, 1)
}

func TestLeave_EmptyChannelTornDown(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))
	ch, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)

	fake.Disconnect("guild-1", "user-1", "alice")
	<-fake.Events()

	require.NoError(t, coord.HandleVoiceEvent(ctx, platform.VoiceEvent{
		GuildID:       "guild-1",
		UserID:        "user-1",
		Username:      "alice",
		FromChannelID: ch.ChannelID,
	}))

	_, err = st.GetChannel(ctx, ch.ChannelID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = fake.Channel(ctx, ch.ChannelID)
	assert.ErrorIs(t, err, platform.ErrNotFound)
}

func TestLeave_OccupiedChannelKept(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))
	ch, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)

	// A friend is still inside when the owner leaves.
	fake.Connect("guild-1", "user-2", "bob", ch.ChannelID)
	<-fake.Events()
	fake.Disconnect("guild-1", "user-1", "alice")
	<-fake.Events()

	require.NoError(t, coord.HandleVoiceEvent(ctx, platform.VoiceEvent{
		GuildID:       "guild-1",
		UserID:        "user-1",
		FromChannelID: ch.ChannelID,
	}))

	_, err = st.GetChannel(ctx, ch.ChannelID)
	assert.NoError(t, err, "channel with members must survive the owner leaving")
}

func TestLeave_DoubleDeliveryHarmless(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))
	ch, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)

	fake.Disconnect("guild-1", "user-1", "alice")
	<-fake.Events()

	leave := platform.VoiceEvent{GuildID: "guild-1", UserID: "user-1", FromChannelID: ch.ChannelID}
	require.NoError(t, coord.HandleVoiceEvent(ctx, leave))
	require.NoError(t, coord.HandleVoiceEvent(ctx, leave), "second delivery must be a no-op")
}

func TestLockAndTeardown_DoNotInterleave(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))
	ch, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)

	fake.Disconnect("guild-1", "user-1", "alice")
	<-fake.Events()

	fake.CallDelay = 20 * time.Millisecond

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		// May fail with ErrNotTracked if teardown wins; only the absence
		// of interleaved platform calls matters here.
		_ = coord.Lock(ctx, "guild-1", ch.ChannelID, "user-1")
	}()
	go func() {
		defer wg.Done()
		_ = coord.HandleVoiceEvent(ctx, platform.VoiceEvent{
			GuildID:       "guild-1",
			UserID:        "user-1",
			FromChannelID: ch.ChannelID,
		})
	}()
	wg.Wait()

	assert.False(t, fake.Overlapped(), "lock and teardown must serialize per channel")
}

func TestSweep_RemovesEmptyChannels(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))
	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-2", "bob", incubator)))

	// user-1 vanishes without a leave event ever arriving.
	fake.Disconnect("guild-1", "user-1", "alice")
	<-fake.Events()

	require.NoError(t, coord.Sweep(ctx))

	channels, err := st.ListChannels(ctx, "guild-1")
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "user-2", channels[0].OwnerID)
}

func TestReconcile_HealsOrphanRow(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	setupGuild(t, st, fake, "guild-1")

	require.NoError(t, st.CreateChannel(ctx, &store.TemporaryChannel{
		ChannelID: "crashed-123",
		GuildID:   "guild-1",
		OwnerID:   "user-1",
	}, nil))

	require.NoError(t, coord.Reconcile(ctx, "guild-1"))

	_, err := st.GetChannel(ctx, "crashed-123")
	assert.ErrorIs(t, err, store.ErrNotFound)

	entries, err := st.ListAudit(ctx, "guild-1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, store.AuditReconciled, entries[0].Kind)
}

func TestReconcile_KeepsLiveChannels(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	_, incubator := setupGuild(t, st, fake, "guild-1")

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-1", "user-1", "alice", incubator)))
	ch, err := st.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)

	require.NoError(t, coord.Reconcile(ctx, "guild-1"))

	_, err = st.GetChannel(ctx, ch.ChannelID)
	assert.NoError(t, err)
}

func TestReconcile_CleanupOnStartup(t *testing.T) {
	coord, st, fake := newTestCoordinator(t)
	ctx := context.Background()
	category, incubator := setupGuild(t, st, fake, "guild-1")

	// Opt the guild into startup cleanup.
	cfg, err := st.GetGuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	cfg.CleanupOnStartup = true
	require.NoError(t, st.UpsertGuildConfig(ctx, cfg))

	// An untracked empty voice channel left in the category from before
	// the restart.
	leftover := fake.AddChannel("guild-1", category, "abandoned", platform.ChannelVoice)

	require.NoError(t, coord.Reconcile(ctx, "guild-1"))

	_, err = fake.Channel(ctx, leftover)
	assert.ErrorIs(t, err, platform.ErrNotFound, "leftover empty channel should be purged")
	_, err = fake.Channel(ctx, incubator)
	assert.NoError(t, err, "incubator must never be purged")
}

func TestHandleVoiceEvent_UnconfiguredGuildIgnored(t *testing.T) {
	coord, st, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, coord.HandleVoiceEvent(ctx, joinEvent("guild-x", "user-1", "alice", "chan-1")))

	channels, err := st.ListChannels(ctx, "guild-x")
	require.NoError(t, err)
	assert.Empty(t, channels)
}
