// ABOUTME: In-memory Gateway implementation for testing and local development
// ABOUTME: Tracks channels, members and permission overwrites without a platform connection

package platform

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// fakeChannel is the in-memory state of a fake platform channel.
type fakeChannel struct {
	info    ChannelInfo
	members []Member
	// connect permission overwrites keyed by subject ("" = everyone role);
	// absent means platform default (connect allowed)
	connect map[string]bool
	manage  map[string]bool
}

// FakeGateway is an in-memory Gateway for tests and `serve --fake` runs.
// CallDelay, when set, is slept inside every mutating call while the
// channel's mutation section is held, which lets tests detect operations
// that would interleave on the real platform.
type FakeGateway struct {
	mu       sync.Mutex
	channels map[string]*fakeChannel
	owners   map[string]string // guildID -> owner user ID
	events   chan VoiceEvent
	nextID   int

	// CallDelay stretches mutating calls to widen race windows in tests.
	CallDelay time.Duration

	// FailNext, when set, makes the next mutating call return the error
	// and clears itself.
	FailNext error

	// activeByChannel tracks in-flight mutating calls per channel so tests
	// can assert that per-channel operations never overlap.
	activeByChannel map[string]int
	overlapped      bool
}

// NewFakeGateway creates an empty fake gateway.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		channels:        make(map[string]*fakeChannel),
		owners:          make(map[string]string),
		events:          make(chan VoiceEvent, 64),
		activeByChannel: make(map[string]int),
	}
}

// Overlapped reports whether two mutating calls on the same channel were
// ever in flight at once.
func (f *FakeGateway) Overlapped() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.overlapped
}

// beginMutation registers an in-flight mutating call for a channel and
// returns the configured error injection, if any.
func (f *FakeGateway) beginMutation(channelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return err
	}
	f.activeByChannel[channelID]++
	if f.activeByChannel[channelID] > 1 {
		f.overlapped = true
	}
	return nil
}

// endMutation deregisters an in-flight mutating call.
func (f *FakeGateway) endMutation(channelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeByChannel[channelID]--
}

// mutate brackets fn with overlap tracking and the configured delay.
func (f *FakeGateway) mutate(channelID string, fn func() error) error {
	if err := f.beginMutation(channelID); err != nil {
		return err
	}
	defer f.endMutation(channelID)

	if f.CallDelay > 0 {
		time.Sleep(f.CallDelay)
	}
	return fn()
}

// SetGuildOwner records the owner of a guild.
func (f *FakeGateway) SetGuildOwner(guildID, ownerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owners[guildID] = ownerID
}

// AddChannel registers a pre-existing channel and returns its ID.
func (f *FakeGateway) AddChannel(guildID, categoryID, name string, typ ChannelType) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addChannelLocked(guildID, categoryID, name, typ, 0)
}

func (f *FakeGateway) addChannelLocked(guildID, categoryID, name string, typ ChannelType, limit int) string {
	f.nextID++
	id := fmt.Sprintf("chan-%d", f.nextID)
	f.channels[id] = &fakeChannel{
		info: ChannelInfo{
			ID:         id,
			GuildID:    guildID,
			CategoryID: categoryID,
			Name:       name,
			Type:       typ,
			UserLimit:  limit,
		},
		connect: make(map[string]bool),
		manage:  make(map[string]bool),
	}
	return id
}

// Connect places a member into a voice channel and emits the join event.
func (f *FakeGateway) Connect(guildID, userID, username, channelID string) {
	f.mu.Lock()
	from := f.removeMemberLocked(userID)
	if ch, ok := f.channels[channelID]; ok {
		ch.members = append(ch.members, Member{ID: userID, Username: username})
	}
	f.mu.Unlock()

	f.events <- VoiceEvent{
		GuildID:       guildID,
		UserID:        userID,
		Username:      username,
		FromChannelID: from,
		ToChannelID:   channelID,
	}
}

// Disconnect removes a member from whatever channel they are in and emits
// the leave event.
func (f *FakeGateway) Disconnect(guildID, userID, username string) {
	f.mu.Lock()
	from := f.removeMemberLocked(userID)
	f.mu.Unlock()

	if from == "" {
		return
	}
	f.events <- VoiceEvent{
		GuildID:       guildID,
		UserID:        userID,
		Username:      username,
		FromChannelID: from,
	}
}

// removeMemberLocked pulls a user out of any channel and returns the
// channel they were in. Must be called with mu held.
func (f *FakeGateway) removeMemberLocked(userID string) string {
	for id, ch := range f.channels {
		for i, m := range ch.members {
			if m.ID == userID {
				ch.members = append(ch.members[:i], ch.members[i+1:]...)
				return id
			}
		}
	}
	return ""
}

// ConnectAllowed reports the effective connect permission for a subject on
// a channel (platform default is allowed).
func (f *FakeGateway) ConnectAllowed(channelID string, subject Subject) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return false
	}
	if allow, ok := ch.connect[subject.UserID]; ok {
		return allow
	}
	// No user overwrite: fall back to the everyone overwrite, then default.
	if !subject.IsEveryone() {
		if allow, ok := ch.connect[""]; ok {
			return allow
		}
	}
	return true
}

// CanManage reports whether a user holds manage permissions on a channel.
func (f *FakeGateway) CanManage(channelID, userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return false
	}
	return ch.manage[userID]
}

// Events returns the voice membership event stream.
func (f *FakeGateway) Events() <-chan VoiceEvent {
	return f.events
}

// CreateCategory creates a channel category.
func (f *FakeGateway) CreateCategory(ctx context.Context, guildID, name string) (string, error) {
	var id string
	err := f.mutate("", func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		id = f.addChannelLocked(guildID, "", name, ChannelCategory, 0)
		return nil
	})
	return id, err
}

// CreateVoiceChannel creates a voice channel under a category.
func (f *FakeGateway) CreateVoiceChannel(ctx context.Context, guildID, categoryID, name string, limit int) (string, error) {
	var id string
	err := f.mutate("", func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		id = f.addChannelLocked(guildID, categoryID, name, ChannelVoice, limit)
		return nil
	})
	return id, err
}

// DeleteChannel deletes a channel.
func (f *FakeGateway) DeleteChannel(ctx context.Context, channelID string) error {
	return f.mutate(channelID, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.channels[channelID]; !ok {
			return fmt.Errorf("deleting channel: %w", ErrNotFound)
		}
		delete(f.channels, channelID)
		return nil
	})
}

// RenameChannel renames a channel or category.
func (f *FakeGateway) RenameChannel(ctx context.Context, channelID, name string) error {
	return f.mutate(channelID, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		ch, ok := f.channels[channelID]
		if !ok {
			return fmt.Errorf("renaming channel: %w", ErrNotFound)
		}
		ch.info.Name = name
		return nil
	})
}

// SetUserLimit changes a voice channel's user limit.
func (f *FakeGateway) SetUserLimit(ctx context.Context, channelID string, limit int) error {
	return f.mutate(channelID, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		ch, ok := f.channels[channelID]
		if !ok {
			return fmt.Errorf("setting user limit: %w", ErrNotFound)
		}
		ch.info.UserLimit = limit
		return nil
	})
}

// MoveMember moves a connected member into a voice channel without
// emitting an event (mirroring that self-initiated moves come back as
// events from the real platform, which tests inject explicitly).
func (f *FakeGateway) MoveMember(ctx context.Context, guildID, userID, channelID string) error {
	return f.mutate(channelID, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		ch, ok := f.channels[channelID]
		if !ok {
			return fmt.Errorf("moving member: %w", ErrNotFound)
		}
		f.removeMemberLocked(userID)
		ch.members = append(ch.members, Member{ID: userID})
		return nil
	})
}

// SetConnect grants or removes the connect permission for a subject.
func (f *FakeGateway) SetConnect(ctx context.Context, channelID string, subject Subject, allow bool) error {
	return f.mutate(channelID, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		ch, ok := f.channels[channelID]
		if !ok {
			return fmt.Errorf("setting permission: %w", ErrNotFound)
		}
		ch.connect[subject.UserID] = allow
		return nil
	})
}

// GrantManage gives a user channel-management permissions.
func (f *FakeGateway) GrantManage(ctx context.Context, channelID, userID string) error {
	return f.mutate(channelID, func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		ch, ok := f.channels[channelID]
		if !ok {
			return fmt.Errorf("granting manage permission: %w", ErrNotFound)
		}
		ch.manage[userID] = true
		return nil
	})
}

// Members returns the users currently connected to a voice channel.
func (f *FakeGateway) Members(ctx context.Context, guildID, channelID string) ([]Member, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("listing members: %w", ErrNotFound)
	}
	members := make([]Member, len(ch.members))
	copy(members, ch.members)
	return members, nil
}

// Channel returns a snapshot of a channel.
func (f *FakeGateway) Channel(ctx context.Context, channelID string) (*ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[channelID]
	if !ok {
		return nil, fmt.Errorf("fetching channel: %w", ErrNotFound)
	}
	info := ch.info
	return &info, nil
}

// CategoryChannels lists the voice channels currently under a category.
func (f *FakeGateway) CategoryChannels(ctx context.Context, guildID, categoryID string) ([]*ChannelInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []*ChannelInfo
	for _, ch := range f.channels {
		if ch.info.GuildID == guildID && ch.info.CategoryID == categoryID && ch.info.Type == ChannelVoice {
			info := ch.info
			infos = append(infos, &info)
		}
	}
	return infos, nil
}

// GuildOwner returns the guild owner's user ID.
func (f *FakeGateway) GuildOwner(ctx context.Context, guildID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	owner, ok := f.owners[guildID]
	if !ok {
		return "", fmt.Errorf("fetching guild: %w", ErrUnavailable)
	}
	return owner, nil
}

// Ensure FakeGateway implements Gateway
var _ Gateway = (*FakeGateway)(nil)
