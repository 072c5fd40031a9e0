// ABOUTME: Typed outcome errors for coordinator operations
// ABOUTME: Callers match these with errors.Is; none of them imply mutated state

package coordinator

import "errors"

var (
	// ErrInvalidValue reports user input that failed validation; nothing
	// was mutated.
	ErrInvalidValue = errors.New("invalid value")

	// ErrNotOwner reports a channel mutation attempted by someone other
	// than the current owner.
	ErrNotOwner = errors.New("not the channel owner")

	// ErrNotOwnerless reports a claim on a channel whose owner is still
	// present.
	ErrNotOwnerless = errors.New("channel owner is still present")

	// ErrNotPresent reports a claim by a user who is not in the channel.
	ErrNotPresent = errors.New("requester not present in channel")

	// ErrNotTracked reports an operation on a channel the coordinator does
	// not manage.
	ErrNotTracked = errors.New("channel is not a managed temporary channel")

	// ErrInvalidConfiguration reports an admin configuration change that
	// would violate the incubator-inside-category invariant, or an
	// operation on a guild that has not been set up.
	ErrInvalidConfiguration = errors.New("invalid guild configuration")

	// ErrBusy reports that the per-channel or per-guild section could not
	// be acquired within the configured wait; the caller may retry.
	ErrBusy = errors.New("operation busy, try again")
)
