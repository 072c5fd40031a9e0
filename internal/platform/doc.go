// Package platform abstracts the chat platform's channel and member
// operations behind the Gateway interface.
//
// DiscordGateway implements it on discordgo: REST calls for channel
// management and permission overwrites, and the voice state update stream
// translated into VoiceEvents. FakeGateway is the in-memory implementation
// used by tests and `serve --fake`, with delay and failure injection for
// exercising concurrent paths.
//
// Platform failures are reported as ErrUnavailable, ErrForbidden or
// ErrNotFound, wrapped so callers can match with errors.Is.
package platform
