package gatewarden

import (
	"sort"
	"strings"
)

// permissionSet is the allow/deny pair for one channel scope.
type permissionSet struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

func newPermissionSet() *permissionSet {
	return &permissionSet{
		allow: map[string]struct{}{},
		deny:  map[string]struct{}{},
	}
}

var emptyPermissionSet = newPermissionSet()

// ResolvedCommandPermissions is the per-guild decision structure built from
// that guild's CommandRule rows: a mapping from channel scope (a channel ID,
// or GuildWideScope) to an allow-set and deny-set of command names.
//
// It's built once per cache miss and read-only thereafter; configuration
// changes invalidate the cached structure wholesale rather than mutating it.
type ResolvedCommandPermissions struct {
	GuildID string

	lookup map[string]*permissionSet
}

// NewResolvedCommandPermissions builds the decision structure from the full
// set of CommandRule rows for one guild.
func NewResolvedCommandPermissions(
	guildID string,
	rules []CommandRule,
) *ResolvedCommandPermissions {
	r := &ResolvedCommandPermissions{
		GuildID: guildID,
		lookup:  map[string]*permissionSet{},
	}
	for _, rule := range rules {
		entry, ok := r.lookup[rule.ChannelID]
		if !ok {
			entry = newPermissionSet()
			r.lookup[rule.ChannelID] = entry
		}
		if rule.Whitelist {
			entry.allow[rule.Name] = struct{}{}
		} else {
			entry.deny[rule.Name] = struct{}{}
		}
	}
	return r
}

// prefixChain decomposes a qualified command name into its cumulative
// prefix chain: "a b c" -> ["a", "a b", "a b c"]. Subcommands inherit
// blocking decisions made at parent-command granularity.
func prefixChain(name string) []string {
	parts := strings.Fields(name)
	chain := make([]string, 0, len(parts))
	for i := range parts {
		chain = append(chain, strings.Join(parts[:i+1], " "))
	}
	return chain
}

func (r *ResolvedCommandPermissions) scope(channelID string) *permissionSet {
	if entry, ok := r.lookup[channelID]; ok {
		return entry
	}
	return emptyPermissionSet
}

// isCommandBlocked applies the precedence rules:
//
//  1. guild-wide denies, over the whole prefix chain
//  2. guild-wide allows, over the whole prefix chain
//  3. channel-specific denies
//  4. channel-specific allows
//
// The deny pass and allow pass within a scope are sequential, not
// interleaved per prefix: an allow on any prefix in the chain must be able
// to reverse a deny made on a different prefix within the same scope. The
// channel scope is evaluated after the guild scope, so channel rules always
// take precedence, regardless of which was set first.
func (r *ResolvedCommandPermissions) isCommandBlocked(
	name string,
	channelID string,
) bool {
	chain := prefixChain(name)

	guild := r.scope(GuildWideScope)
	channel := r.scope(channelID)

	blocked := false

	for _, command := range chain {
		if _, ok := guild.deny[command]; ok {
			blocked = true
		}
	}
	for _, command := range chain {
		if _, ok := guild.allow[command]; ok {
			blocked = false
		}
	}

	for _, command := range chain {
		if _, ok := channel.deny[command]; ok {
			blocked = true
		}
	}
	for _, command := range chain {
		if _, ok := channel.allow[command]; ok {
			blocked = false
		}
	}

	return blocked
}

// IsCommandBlocked reports whether the named command is blocked in the
// given channel. A guild with no rules at all short-circuits to false.
func (r *ResolvedCommandPermissions) IsCommandBlocked(
	name string,
	channelID string,
) bool {
	// fast path
	if len(r.lookup) == 0 {
		return false
	}
	return r.isCommandBlocked(name, channelID)
}

// BlockedCommands returns the sorted set of command names currently denied
// in the given channel: guild-wide denies not overridden by guild-wide
// allows, plus channel denies not overridden by channel allows.
func (r *ResolvedCommandPermissions) BlockedCommands(channelID string) []string {
	if len(r.lookup) == 0 {
		return nil
	}

	guild := r.scope(GuildWideScope)
	channel := r.scope(channelID)

	blocked := map[string]struct{}{}
	for name := range guild.deny {
		if _, ok := guild.allow[name]; !ok {
			blocked[name] = struct{}{}
		}
	}
	for name := range channel.deny {
		if _, ok := channel.allow[name]; !ok {
			blocked[name] = struct{}{}
		}
	}

	names := make([]string, 0, len(blocked))
	for name := range blocked {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CommandPermissionSnapshot is the JSON-friendly form of one channel
// scope's allow/deny sets, used by the backend API.
type CommandPermissionSnapshot struct {
	Allow []string `json:"allow"`
	Deny  []string `json:"deny"`
}

// Snapshot returns the full decision structure keyed by channel scope,
// with GuildWideScope rendered as "guild".
func (r *ResolvedCommandPermissions) Snapshot() map[string]CommandPermissionSnapshot {
	snapshot := make(map[string]CommandPermissionSnapshot, len(r.lookup))
	for channelID, entry := range r.lookup {
		key := channelID
		if key == GuildWideScope {
			key = "guild"
		}
		allow := make([]string, 0, len(entry.allow))
		for name := range entry.allow {
			allow = append(allow, name)
		}
		deny := make([]string, 0, len(entry.deny))
		for name := range entry.deny {
			deny = append(deny, name)
		}
		sort.Strings(allow)
		sort.Strings(deny)
		snapshot[key] = CommandPermissionSnapshot{Allow: allow, Deny: deny}
	}
	return snapshot
}
