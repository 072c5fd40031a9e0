// ABOUTME: Tests for the temporary channel registry and permit methods
// ABOUTME: Covers uniqueness, transactional audit coupling and permit cascade

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateChannel_AndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ch := &TemporaryChannel{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"}
	require.NoError(t, store.CreateChannel(ctx, ch, nil))

	got, err := store.GetChannel(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.OwnerID)
	assert.False(t, got.Locked)
	assert.False(t, got.CreatedAt.IsZero())

	byOwner, err := store.GetChannelByOwner(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	assert.Equal(t, "chan-1", byOwner.ChannelID)
}

func TestCreateChannel_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	ch := &TemporaryChannel{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"}
	require.NoError(t, store.CreateChannel(ctx, ch, nil))

	dup := &TemporaryChannel{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-2"}
	err := store.CreateChannel(ctx, dup, &AuditEntry{
		GuildID: "guild-1",
		Kind:    AuditChannelCreated,
	})
	assert.ErrorIs(t, err, ErrDuplicateChannel)

	// The failed insert must not leave its audit entry behind.
	entries, err := store.ListAudit(ctx, "guild-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCreateChannel_AuditCommitsTogether(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	chanID := "chan-1"
	require.NoError(t, store.CreateChannel(ctx,
		&TemporaryChannel{ChannelID: chanID, GuildID: "guild-1", OwnerID: "user-1"},
		&AuditEntry{
			GuildID:   "guild-1",
			ActorID:   strPtr("user-1"),
			Kind:      AuditChannelCreated,
			ChannelID: &chanID,
		}))

	entries, err := store.ListAudit(ctx, "guild-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditChannelCreated, entries[0].Kind)
	require.NotNil(t, entries[0].ChannelID)
	assert.Equal(t, chanID, *entries[0].ChannelID)
}

func TestDeleteChannel(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateChannel(ctx,
		&TemporaryChannel{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"}, nil))
	require.NoError(t, store.DeleteChannel(ctx, "chan-1", nil))

	_, err := store.GetChannel(ctx, "chan-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteChannel_Missing_NoAudit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	err := store.DeleteChannel(ctx, "no-such-channel", &AuditEntry{
		GuildID: "guild-1",
		Kind:    AuditChannelDeleted,
	})
	assert.ErrorIs(t, err, ErrNotFound)

	// No row deleted means no audit entry either.
	entries, err := store.ListAudit(ctx, "guild-1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteChannel_CascadesPermits(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateChannel(ctx,
		&TemporaryChannel{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"}, nil))
	require.NoError(t, store.AddPermit(ctx, "chan-1", "friend-1", nil))
	require.NoError(t, store.AddPermit(ctx, "chan-1", "friend-2", nil))

	require.NoError(t, store.DeleteChannel(ctx, "chan-1", nil))

	permits, err := store.ListPermits(ctx, "chan-1")
	require.NoError(t, err)
	assert.Empty(t, permits)
}

func TestUpdateChannelOwner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateChannel(ctx,
		&TemporaryChannel{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"}, nil))
	require.NoError(t, store.UpdateChannelOwner(ctx, "chan-1", "user-2", nil))

	got, err := store.GetChannel(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, "user-2", got.OwnerID)

	err = store.UpdateChannelOwner(ctx, "no-such-channel", "user-2", nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetChannelLocked(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateChannel(ctx,
		&TemporaryChannel{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"}, nil))

	require.NoError(t, store.SetChannelLocked(ctx, "chan-1", true, nil))
	got, err := store.GetChannel(ctx, "chan-1")
	require.NoError(t, err)
	assert.True(t, got.Locked)

	require.NoError(t, store.SetChannelLocked(ctx, "chan-1", false, nil))
	got, err = store.GetChannel(ctx, "chan-1")
	require.NoError(t, err)
	assert.False(t, got.Locked)
}

func TestAddPermit_Idempotent(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateChannel(ctx,
		&TemporaryChannel{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"}, nil))

	require.NoError(t, store.AddPermit(ctx, "chan-1", "friend-1", nil))
	require.NoError(t, store.AddPermit(ctx, "chan-1", "friend-1", nil))

	permits, err := store.ListPermits(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"friend-1"}, permits)
}

func TestListChannels(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateChannel(ctx,
		&TemporaryChannel{ChannelID: "chan-1", GuildID: "guild-1", OwnerID: "user-1"}, nil))
	require.NoError(t, store.CreateChannel(ctx,
		&TemporaryChannel{ChannelID: "chan-2", GuildID: "guild-1", OwnerID: "user-2"}, nil))
	require.NoError(t, store.CreateChannel(ctx,
		&TemporaryChannel{ChannelID: "chan-3", GuildID: "guild-2", OwnerID: "user-3"}, nil))

	channels, err := store.ListChannels(ctx, "guild-1")
	require.NoError(t, err)
	assert.Len(t, channels, 2)
}
