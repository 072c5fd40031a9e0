// ABOUTME: Tests for the SQLite store implementation
// ABOUTME: Covers guild config, defaults and user preference persistence

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	require.NoError(t, err, "database file should exist in nested directory")
}

func TestGuildConfig_UpsertAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	incubator := "chan-incubator"
	cfg := &GuildConfig{
		GuildID:          "guild-1",
		OwnerID:          "owner-1",
		CategoryID:       "chan-category",
		IncubatorID:      &incubator,
		CleanupOnStartup: true,
	}
	require.NoError(t, store.UpsertGuildConfig(ctx, cfg))

	got, err := store.GetGuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.Equal(t, "chan-category", got.CategoryID)
	require.NotNil(t, got.IncubatorID)
	assert.Equal(t, incubator, *got.IncubatorID)
	assert.True(t, got.CleanupOnStartup)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestGuildConfig_UpsertPreservesCreatedAt(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	cfg := &GuildConfig{GuildID: "guild-1", OwnerID: "owner-1", CategoryID: "cat-1"}
	require.NoError(t, store.UpsertGuildConfig(ctx, cfg))

	first, err := store.GetGuildConfig(ctx, "guild-1")
	require.NoError(t, err)

	cfg.CategoryID = "cat-2"
	require.NoError(t, store.UpsertGuildConfig(ctx, cfg))

	second, err := store.GetGuildConfig(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "cat-2", second.CategoryID)
	assert.Equal(t, first.CreatedAt, second.CreatedAt)
}

func TestGuildConfig_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetGuildConfig(context.Background(), "no-such-guild")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGuildConfig_List(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"guild-a", "guild-b"} {
		require.NoError(t, store.UpsertGuildConfig(ctx, &GuildConfig{
			GuildID: id, OwnerID: "owner", CategoryID: "cat",
		}))
	}

	configs, err := store.ListGuildConfigs(ctx)
	require.NoError(t, err)
	assert.Len(t, configs, 2)
}

func TestGuildDefaults_SetAndGet(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetGuildDefaults(ctx, &GuildDefaults{
		GuildID:      "guild-1",
		DefaultName:  "{user}'s room",
		DefaultLimit: 5,
	}))

	got, err := store.GetGuildDefaults(ctx, "guild-1")
	require.NoError(t, err)
	assert.Equal(t, "{user}'s room", got.DefaultName)
	assert.Equal(t, 5, got.DefaultLimit)

	_, err = store.GetGuildDefaults(ctx, "other-guild")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUserPreference_PartialUpserts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	// Name first, limit second: both should survive.
	require.NoError(t, store.SetPreferredName(ctx, "guild-1", "user-1", "my channel", nil))
	require.NoError(t, store.SetPreferredLimit(ctx, "guild-1", "user-1", 3, nil))

	pref, err := store.GetUserPreference(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	require.NotNil(t, pref.Name)
	assert.Equal(t, "my channel", *pref.Name)
	require.NotNil(t, pref.Limit)
	assert.Equal(t, 3, *pref.Limit)
}

func TestUserPreference_LimitOnly(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetPreferredLimit(ctx, "guild-1", "user-1", 7, nil))

	pref, err := store.GetUserPreference(ctx, "guild-1", "user-1")
	require.NoError(t, err)
	assert.Nil(t, pref.Name)
	require.NotNil(t, pref.Limit)
	assert.Equal(t, 7, *pref.Limit)
}

func TestUserPreference_WithAudit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetPreferredName(ctx, "guild-1", "user-1", "den", &AuditEntry{
		GuildID: "guild-1",
		ActorID: strPtr("user-1"),
		Kind:    AuditDefaultNameSet,
		Details: "preferred channel name set",
	}))

	entries, err := store.ListAudit(ctx, "guild-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, AuditDefaultNameSet, entries[0].Kind)
}

func TestUserPreference_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetUserPreference(context.Background(), "guild-1", "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTimestampsRoundTripUTC(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	require.NoError(t, store.CreateChannel(ctx, &TemporaryChannel{
		ChannelID: "chan-1",
		GuildID:   "guild-1",
		OwnerID:   "user-1",
		CreatedAt: created,
	}, nil))

	got, err := store.GetChannel(ctx, "chan-1")
	require.NoError(t, err)
	assert.Equal(t, created, got.CreatedAt.UTC())
}
