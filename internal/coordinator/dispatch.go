// ABOUTME: Typed command envelope and single dispatch entry point
// ABOUTME: Lets transports (bot frontends, CLI) drive the coordinator without knowing its methods

package coordinator

import (
	"context"
	"fmt"

	"github.com/voicewarden/voicewarden/internal/store"
)

// CommandKind identifies a coordinator operation.
type CommandKind string

const (
	CmdSetup      CommandKind = "setup"
	CmdEditRename CommandKind = "edit_rename"
	CmdEditSelect CommandKind = "edit_select"
	CmdSetName    CommandKind = "set_name"
	CmdSetLimit   CommandKind = "set_limit"
	CmdLock       CommandKind = "lock"
	CmdUnlock     CommandKind = "unlock"
	CmdPermit     CommandKind = "permit"
	CmdClaim      CommandKind = "claim"
	CmdList       CommandKind = "list"
	CmdAuditLog   CommandKind = "auditlog"
)

// Command is one coordinator operation with its parameters. Only the
// fields the Kind needs are read; the rest are ignored.
type Command struct {
	Kind    CommandKind
	GuildID string
	ActorID string

	// ChannelID targets a specific temporary channel (lock, unlock,
	// permit, claim) or the selected channel for EditSelect.
	ChannelID string

	// TargetUserID is the user a permit applies to.
	TargetUserID string

	// Name carries a channel or category name (setup incubator name,
	// set_name, edit_rename).
	Name string

	// CategoryName is the category name for setup.
	CategoryName string

	// Value carries the numeric parameter: the limit for set_limit, the
	// entry count for auditlog.
	Value int

	// ConfigTarget selects incubator or category for the edit commands.
	ConfigTarget ConfigTarget
}

// Result carries the data a query command produced. Mutating commands
// return an empty result.
type Result struct {
	Channels []*ChannelStatus
	Entries  []*store.AuditEntry
}

// Dispatch routes a command to the matching operation.
func (c *Coordinator) Dispatch(ctx context.Context, cmd Command) (*Result, error) {
	switch cmd.Kind {
	case CmdSetup:
		return &Result{}, c.Setup(ctx, cmd.GuildID, cmd.ActorID, cmd.CategoryName, cmd.Name)
	case CmdEditRename:
		return &Result{}, c.EditRename(ctx, cmd.GuildID, cmd.ActorID, cmd.ConfigTarget, cmd.Name)
	case CmdEditSelect:
		return &Result{}, c.EditSelect(ctx, cmd.GuildID, cmd.ActorID, cmd.ConfigTarget, cmd.ChannelID)
	case CmdSetName:
		return &Result{}, c.SetName(ctx, cmd.GuildID, cmd.ActorID, cmd.Name)
	case CmdSetLimit:
		return &Result{}, c.SetLimit(ctx, cmd.GuildID, cmd.ActorID, cmd.Value)
	case CmdLock:
		return &Result{}, c.Lock(ctx, cmd.GuildID, cmd.ChannelID, cmd.ActorID)
	case CmdUnlock:
		return &Result{}, c.Unlock(ctx, cmd.GuildID, cmd.ChannelID, cmd.ActorID)
	case CmdPermit:
		return &Result{}, c.Permit(ctx, cmd.GuildID, cmd.ChannelID, cmd.ActorID, cmd.TargetUserID)
	case CmdClaim:
		return &Result{}, c.Claim(ctx, cmd.GuildID, cmd.ChannelID, cmd.ActorID)
	case CmdList:
		channels, err := c.List(ctx, cmd.GuildID)
		if err != nil {
			return nil, err
		}
		return &Result{Channels: channels}, nil
	case CmdAuditLog:
		entries, err := c.AuditLog(ctx, cmd.GuildID, cmd.Value)
		if err != nil {
			return nil, err
		}
		return &Result{Entries: entries}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command %q", ErrInvalidValue, cmd.Kind)
	}
}
