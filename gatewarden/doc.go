// Package gatewarden implements a Discord bot whose defining feature is a
// per-guild command permission system: guild moderators can enable or
// disable commands for their entire guild or for individual channels, ignore
// ("plonk") specific members or channels, and the bot owner can block users
// or guilds globally.
//
// Key components of the package include:
//
//   - Gatewarden: The main struct that encapsulates the bot's core functionality.
//   - CommandGate: Answers "may this command run here, for this user?" from
//     persisted rules, with memoized per-guild decision structures.
//   - LookupCache: A small memoizing cache with LRU, unbounded and
//     time-expiring strategies, used to avoid repeated storage round-trips
//     on the hot path of every command invocation.
//   - Discord: Handles the gateway session and message dispatch.
//   - API: Provides a backend API for inspection and administration.
//
// Permission decisions follow a strict precedence: the global blacklist is
// consulted first, then guild-management bypass, then channel-specific rules
// over guild-wide rules, with subcommands inheriting decisions made at
// parent-command granularity. Blocked invocations are dropped silently.
package gatewarden
