// Package coordinator implements the temporary voice channel lifecycle.
//
// # Overview
//
// The coordinator sits between the platform gateway and the store. It
// consumes voice membership events, provisions a personal channel when a
// user joins the guild's incubator channel, tears channels down when they
// empty, and exposes the owner and admin operations (claim, lock, unlock,
// permit, name/limit, setup, edit, list, auditlog).
//
// # Event Path
//
// HandleVoiceEvent(ctx, ev) processes one membership change:
//
//  1. Guilds without a configured incubator are ignored.
//  2. A leave from a tracked channel records the departure and tears the
//     channel down if it is now empty.
//  3. A join into the incubator provisions a channel: the user's existing
//     channel is reused when it is still live, stale registry rows are
//     pruned, and the new channel's name and limit come from the user's
//     preference, then the guild defaults, then a computed fallback.
//
// Joins are debounced per (guild, user) so redelivered events create one
// channel, and every creation runs under a per-user section.
//
// # Commands
//
// Dispatch(ctx, Command) routes a typed command to the matching operation,
// so transports never call coordinator methods directly. Mutating commands
// return typed errors (ErrNotOwner, ErrInvalidValue, ErrBusy, ...) that
// callers match with errors.Is; none of them imply partial mutation.
//
// # Serialization
//
// Channel mutations run under a per-channel section, setup and edit under
// a per-guild section. Sections are keyed, so operations on distinct
// channels proceed independently. Acquisition waits at most the configured
// lock wait timeout and then fails with ErrBusy.
//
// # Healing
//
// Reconcile(ctx, guildID) runs at startup: registry rows whose platform
// channel no longer exists are pruned with a reconciled audit entry, and
// guilds that opted into startup cleanup have empty channels in their
// category purged. Sweep(ctx) runs periodically and tears down any tracked
// channel that is empty.
package coordinator
