package gatewarden

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"gorm.io/gorm"
)

// RuleConflictError indicates a CommandRule already exists at the same
// scope with the same polarity. It's surfaced to the invoking user as-is
// rather than as a raw storage error.
type RuleConflictError struct {
	Whitelist bool
}

func (e *RuleConflictError) Error() string {
	if e.Whitelist {
		return "this command is already explicitly enabled"
	}
	return "this command is already disabled"
}

// ManagerChecker reports whether a member holds guild-management authority
// in the given guild. The Discord layer provides the real implementation;
// a nil checker means no bypass.
type ManagerChecker func(guildID string, memberID string) bool

// Invocation describes one incoming command invocation, with the
// authority flags already computed by the dispatch layer.
type Invocation struct {
	GuildID   string
	ChannelID string
	AuthorID  string

	// Command is the full qualified command name, e.g. "config enable"
	Command string

	AuthorIsOwner        bool
	AuthorIsGuildManager bool
}

// CommandGate decides whether commands may execute: per-guild/per-channel
// command rules, per-guild ignores ("plonks"), and the owner-managed global
// blacklist. Derived decision structures are memoized in LookupCaches and
// invalidated synchronously by every mutating operation, so a cached
// decision never outlives the rule change that made it stale.
type CommandGate struct {
	db      *gorm.DB
	writeDB DBI
	logger  *slog.Logger

	permissions *LookupCache[*ResolvedCommandPermissions]
	plonks      *LookupCache[bool]
	prefixes    *LookupCache[[]string]

	blacklistMu sync.RWMutex
	blacklist   map[string]struct{}

	managerCheck ManagerChecker

	// notifier, when set, broadcasts invalidations to other instances
	notifier DBNotifier
}

// NewCommandGate creates a CommandGate backed by the given read handle and
// write wrapper. The blacklist is not loaded until LoadBlacklist is called.
func NewCommandGate(
	db *gorm.DB,
	writeDB DBI,
	log *slog.Logger,
	cacheConfig *CacheConfig,
) (*CommandGate, error) {
	if log == nil {
		log = slog.Default()
	}
	if cacheConfig == nil {
		cacheConfig = &CacheConfig{
			PermissionSize: DefaultPermissionCacheSize,
			PlonkSize:      DefaultPlonkCacheSize,
		}
	}
	permissions, err := NewLookupCache[*ResolvedCommandPermissions](
		"command_permissions",
		CacheStrategyLRU,
		cacheConfig.PermissionSize,
	)
	if err != nil {
		return nil, err
	}
	plonks, err := NewLookupCache[bool](
		"plonks",
		CacheStrategyLRU,
		cacheConfig.PlonkSize,
	)
	if err != nil {
		return nil, err
	}
	prefixes, err := NewLookupCache[[]string]("prefixes", CacheStrategyRaw, 0)
	if err != nil {
		return nil, err
	}
	return &CommandGate{
		db:          db,
		writeDB:     writeDB,
		logger:      log.With(loggerNameKey, "command_gate"),
		permissions: permissions,
		plonks:      plonks,
		prefixes:    prefixes,
		blacklist:   map[string]struct{}{},
	}, nil
}

// SetManagerChecker installs the guild-management authority check used by
// IsPlonked's bypass path.
func (g *CommandGate) SetManagerChecker(check ManagerChecker) {
	g.managerCheck = check
}

// SetNotifier installs the cross-instance invalidation notifier.
func (g *CommandGate) SetNotifier(notifier DBNotifier) {
	g.notifier = notifier
}

func permissionCacheKey(guildID string) string {
	return fmt.Sprintf("permissions:%s", guildID)
}

func plonkCacheKey(
	guildID string,
	memberID string,
	channelID string,
	checkBypass bool,
) string {
	return fmt.Sprintf("plonk:%s:%s:%s:%t", guildID, memberID, channelID, checkBypass)
}

// plonkGuildFragment is the key fragment shared by every plonk cache entry
// for one guild, used with InvalidateContaining.
func plonkGuildFragment(guildID string) string {
	return fmt.Sprintf("plonk:%s:", guildID)
}

func prefixCacheKey(guildID string) string {
	return fmt.Sprintf("prefix:%s", guildID)
}

// CommandPermissions returns the resolved decision structure for a guild,
// building it from CommandRule rows on cache miss.
func (g *CommandGate) CommandPermissions(
	ctx context.Context,
	guildID string,
) (*ResolvedCommandPermissions, error) {
	return g.permissions.Do(
		ctx,
		permissionCacheKey(guildID),
		func(ctx context.Context) (*ResolvedCommandPermissions, error) {
			var rules []CommandRule
			err := g.db.WithContext(ctx).
				Where("guild_id = ?", guildID).
				Find(&rules).Error
			if err != nil {
				return nil, fmt.Errorf(
					"fetching command rules for guild %s: %w", guildID, err,
				)
			}
			return NewResolvedCommandPermissions(guildID, rules), nil
		},
	)
}

// CheckInvocation decides whether an invocation may execute. The bypass
// chain runs first - owner, then guild-management authority - so
// administrative recovery from a misconfigured block is always possible.
//
// A storage failure fails closed: the caller receives (false, err) and
// must treat the command as blocked.
func (g *CommandGate) CheckInvocation(
	ctx context.Context,
	inv Invocation,
) (bool, error) {
	if inv.GuildID == "" {
		return true, nil
	}
	if inv.AuthorIsOwner {
		return true, nil
	}
	if g.IsGloballyBlocked(inv.AuthorID) || g.IsGloballyBlocked(inv.GuildID) {
		return false, nil
	}
	if inv.AuthorIsGuildManager {
		return true, nil
	}

	resolved, err := g.CommandPermissions(ctx, inv.GuildID)
	if err != nil {
		return false, err
	}
	return !resolved.IsCommandBlocked(inv.Command, inv.ChannelID), nil
}

// IsPlonked reports whether the member or channel is ignored in the guild.
// The global blacklist is consulted first and blocks unconditionally, even
// for guild managers. When checkBypass is true, guild-management authority
// suppresses the ignore lookup. The lookup result is memoized per
// (guild, member, channel, bypass).
//
// A storage failure fails closed: callers must treat (false, err) as
// "cannot verify, drop the command".
func (g *CommandGate) IsPlonked(
	ctx context.Context,
	guildID string,
	memberID string,
	channelID string,
	checkBypass bool,
) (bool, error) {
	if g.IsGloballyBlocked(memberID) || g.IsGloballyBlocked(guildID) {
		return true, nil
	}

	key := plonkCacheKey(guildID, memberID, channelID, checkBypass)
	return g.plonks.Do(
		ctx,
		key,
		func(ctx context.Context) (bool, error) {
			if checkBypass && g.managerCheck != nil &&
				g.managerCheck(guildID, memberID) {
				return false, nil
			}

			query := g.db.WithContext(ctx).Model(&IgnoreEntry{}).
				Where("guild_id = ?", guildID)
			if channelID == "" {
				query = query.Where("entity_id = ?", memberID)
			} else {
				query = query.Where(
					"entity_id IN ?",
					[]string{memberID, channelID},
				)
			}
			var count int64
			if err := query.Count(&count).Error; err != nil {
				return false, fmt.Errorf(
					"fetching ignore entries for guild %s: %w", guildID, err,
				)
			}
			return count > 0, nil
		},
	)
}

// ToggleCommand enables (whitelist=true) or disables a command at the
// given scope. Any existing rule at the same coordinate is deleted first,
// so flipping polarity is a single operation; inserting a duplicate of the
// same polarity yields a RuleConflictError. The cached decision structure
// for the guild is invalidated before returning.
func (g *CommandGate) ToggleCommand(
	ctx context.Context,
	guildID string,
	channelID string,
	name string,
	whitelist bool,
) error {
	err := g.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			// delete the previous entry regardless of what it was
			err := tx.Where(
				"guild_id = ? AND name = ? AND channel_id = ? AND whitelist != ?",
				guildID, name, channelID, whitelist,
			).Delete(&CommandRule{}).Error
			if err != nil {
				return fmt.Errorf("deleting existing command rule: %w", err)
			}

			rule := CommandRule{
				GuildID:   guildID,
				ChannelID: channelID,
				Name:      name,
				Whitelist: whitelist,
			}
			if err = tx.Create(&rule).Error; err != nil {
				if isUniqueViolation(err) {
					return &RuleConflictError{Whitelist: whitelist}
				}
				return fmt.Errorf("creating command rule: %w", err)
			}
			return nil
		},
	)
	if err != nil {
		return err
	}

	g.InvalidateGuild(ctx, guildID)
	return nil
}

// ClearCommandRules removes every CommandRule for a guild, returning the
// number of rows deleted.
func (g *CommandGate) ClearCommandRules(
	ctx context.Context,
	guildID string,
) (int64, error) {
	rows, err := g.writeDB.Delete(
		ctx,
		&CommandRule{},
		"guild_id = ?",
		guildID,
	)
	if err != nil {
		return 0, fmt.Errorf("clearing command rules: %w", err)
	}
	g.InvalidateGuild(ctx, guildID)
	return rows, nil
}

// AddIgnores ignores the given entities (channel or member IDs) in a
// guild. Entities already ignored are skipped rather than producing
// duplicate rows. Returns the number of entries actually inserted.
func (g *CommandGate) AddIgnores(
	ctx context.Context,
	guildID string,
	entityIDs ...string,
) (int, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}

	var inserted int
	err := g.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			var current []string
			err := tx.Model(&IgnoreEntry{}).
				Where("guild_id = ?", guildID).
				Pluck(columnIgnoreEntityID, &current).Error
			if err != nil {
				return fmt.Errorf("fetching current ignore entries: %w", err)
			}

			// we do not want to insert duplicates
			existing := make(map[string]struct{}, len(current))
			for _, id := range current {
				existing[id] = struct{}{}
			}

			var toInsert []IgnoreEntry
			for _, id := range entityIDs {
				if _, ok := existing[id]; ok {
					continue
				}
				existing[id] = struct{}{}
				toInsert = append(
					toInsert,
					IgnoreEntry{GuildID: guildID, EntityID: id},
				)
			}
			if len(toInsert) == 0 {
				return nil
			}
			if err = tx.Create(&toInsert).Error; err != nil {
				return fmt.Errorf("creating ignore entries: %w", err)
			}
			inserted = len(toInsert)
			return nil
		},
	)
	if err != nil {
		return 0, err
	}

	g.InvalidateGuild(ctx, guildID)
	return inserted, nil
}

// RemoveIgnores un-ignores the given entities in a guild, returning the
// number of entries removed.
func (g *CommandGate) RemoveIgnores(
	ctx context.Context,
	guildID string,
	entityIDs ...string,
) (int64, error) {
	if len(entityIDs) == 0 {
		return 0, nil
	}
	rows, err := g.writeDB.Delete(
		ctx,
		&IgnoreEntry{},
		"guild_id = ? AND entity_id IN ?",
		guildID,
		entityIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("removing ignore entries: %w", err)
	}
	g.InvalidateGuild(ctx, guildID)
	return rows, nil
}

// ClearIgnores removes every IgnoreEntry for a guild.
func (g *CommandGate) ClearIgnores(
	ctx context.Context,
	guildID string,
) (int64, error) {
	rows, err := g.writeDB.Delete(
		ctx,
		&IgnoreEntry{},
		"guild_id = ?",
		guildID,
	)
	if err != nil {
		return 0, fmt.Errorf("clearing ignore entries: %w", err)
	}
	g.InvalidateGuild(ctx, guildID)
	return rows, nil
}

// ListIgnores returns every IgnoreEntry for a guild.
func (g *CommandGate) ListIgnores(
	ctx context.Context,
	guildID string,
) ([]IgnoreEntry, error) {
	var entries []IgnoreEntry
	err := g.db.WithContext(ctx).
		Where("guild_id = ?", guildID).
		Order("entity_id").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf(
			"listing ignore entries for guild %s: %w", guildID, err,
		)
	}
	return entries, nil
}

// IsGloballyBlocked reports whether the given ID (user or guild) is on the
// global blacklist. Served from the in-memory set loaded at startup.
func (g *CommandGate) IsGloballyBlocked(id string) bool {
	if id == "" {
		return false
	}
	g.blacklistMu.RLock()
	defer g.blacklistMu.RUnlock()
	_, ok := g.blacklist[id]
	return ok
}

// SetGlobalBlock adds an ID to the global blacklist. Adding an ID that's
// already blocked is a no-op.
func (g *CommandGate) SetGlobalBlock(ctx context.Context, id string) error {
	entry := GlobalBlacklistEntry{ID: id, Blocked: true}
	if _, err := g.writeDB.Save(ctx, &entry); err != nil {
		return fmt.Errorf("adding %s to global blacklist: %w", id, err)
	}

	g.blacklistMu.Lock()
	g.blacklist[id] = struct{}{}
	g.blacklistMu.Unlock()

	g.logger.Info("added to global blacklist", "id", id)
	if g.notifier != nil {
		g.notifier.BlacklistUpdated(ctx)
	}
	return nil
}

// ClearGlobalBlock removes an ID from the global blacklist.
func (g *CommandGate) ClearGlobalBlock(ctx context.Context, id string) error {
	_, err := g.writeDB.Delete(ctx, &GlobalBlacklistEntry{}, "id = ?", id)
	if err != nil {
		return fmt.Errorf("removing %s from global blacklist: %w", id, err)
	}

	g.blacklistMu.Lock()
	delete(g.blacklist, id)
	g.blacklistMu.Unlock()

	g.logger.Info("removed from global blacklist", "id", id)
	if g.notifier != nil {
		g.notifier.BlacklistUpdated(ctx)
	}
	return nil
}

// GlobalBlacklist returns a sorted copy of the blacklisted IDs.
func (g *CommandGate) GlobalBlacklist() []string {
	g.blacklistMu.RLock()
	defer g.blacklistMu.RUnlock()
	ids := make([]string, 0, len(g.blacklist))
	for id := range g.blacklist {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// LoadBlacklist replaces the in-memory blacklist with the persisted
// GlobalBlacklistEntry rows.
func (g *CommandGate) LoadBlacklist(ctx context.Context) error {
	var entries []GlobalBlacklistEntry
	if err := g.db.WithContext(ctx).Find(&entries).Error; err != nil {
		return fmt.Errorf("loading global blacklist: %w", err)
	}
	blacklist := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		blacklist[entry.ID] = struct{}{}
	}

	g.blacklistMu.Lock()
	g.blacklist = blacklist
	g.blacklistMu.Unlock()

	g.logger.Info("loaded global blacklist", "entries", len(blacklist))
	return nil
}

// InvalidateGuild drops every cached decision structure scoped to a guild:
// the resolved command permissions and all plonk lookups. Called after
// every configuration mutation, and by the notifier when another instance
// reports a change.
func (g *CommandGate) InvalidateGuild(ctx context.Context, guildID string) {
	g.permissions.Invalidate(permissionCacheKey(guildID))
	removed := g.plonks.InvalidateContaining(plonkGuildFragment(guildID))
	g.prefixes.Invalidate(prefixCacheKey(guildID))
	g.logger.Debug(
		"invalidated guild caches",
		"guild_id", guildID,
		"plonk_entries_removed", removed,
	)
	if g.notifier != nil {
		g.notifier.GuildInvalidated(ctx, guildID)
	}
}

// invalidateGuildLocal is InvalidateGuild without re-broadcasting, used
// when reacting to a notification from another instance.
func (g *CommandGate) invalidateGuildLocal(guildID string) {
	g.permissions.Invalidate(permissionCacheKey(guildID))
	g.plonks.InvalidateContaining(plonkGuildFragment(guildID))
	g.prefixes.Invalidate(prefixCacheKey(guildID))
}

// Prefixes returns the custom command prefixes configured for a guild,
// cached until the guild's configuration changes.
func (g *CommandGate) Prefixes(
	ctx context.Context,
	guildID string,
) ([]string, error) {
	return g.prefixes.Do(
		ctx,
		prefixCacheKey(guildID),
		func(ctx context.Context) ([]string, error) {
			var prefixes []string
			err := g.db.WithContext(ctx).Model(&GuildPrefix{}).
				Where("guild_id = ?", guildID).
				Order("prefix desc").
				Pluck("prefix", &prefixes).Error
			if err != nil {
				return nil, fmt.Errorf(
					"fetching prefixes for guild %s: %w", guildID, err,
				)
			}
			return prefixes, nil
		},
	)
}

// maxGuildPrefixes caps how many custom prefixes a guild can configure.
const maxGuildPrefixes = 10

var ErrTooManyPrefixes = errors.New("cannot have more than 10 custom prefixes")

// AddPrefix adds a custom command prefix for a guild.
func (g *CommandGate) AddPrefix(
	ctx context.Context,
	guildID string,
	prefix string,
) error {
	err := g.writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			var count int64
			err := tx.Model(&GuildPrefix{}).
				Where("guild_id = ?", guildID).
				Count(&count).Error
			if err != nil {
				return fmt.Errorf("counting prefixes: %w", err)
			}
			if count >= maxGuildPrefixes {
				return ErrTooManyPrefixes
			}
			entry := GuildPrefix{GuildID: guildID, Prefix: prefix}
			if err = tx.Create(&entry).Error; err != nil {
				if isUniqueViolation(err) {
					return nil
				}
				return fmt.Errorf("creating prefix: %w", err)
			}
			return nil
		},
	)
	if err != nil {
		return err
	}
	g.InvalidateGuild(ctx, guildID)
	return nil
}

// RemovePrefix removes a custom command prefix for a guild.
func (g *CommandGate) RemovePrefix(
	ctx context.Context,
	guildID string,
	prefix string,
) (int64, error) {
	rows, err := g.writeDB.Delete(
		ctx,
		&GuildPrefix{},
		"guild_id = ? AND prefix = ?",
		guildID,
		prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("removing prefix: %w", err)
	}
	g.InvalidateGuild(ctx, guildID)
	return rows, nil
}

// ClearPrefixes removes every custom prefix for a guild.
func (g *CommandGate) ClearPrefixes(
	ctx context.Context,
	guildID string,
) (int64, error) {
	rows, err := g.writeDB.Delete(
		ctx,
		&GuildPrefix{},
		"guild_id = ?",
		guildID,
	)
	if err != nil {
		return 0, fmt.Errorf("clearing prefixes: %w", err)
	}
	g.InvalidateGuild(ctx, guildID)
	return rows, nil
}

// CacheStats reports hit/miss counters for the gate's caches.
func (g *CommandGate) CacheStats() map[string]map[string]uint64 {
	stats := map[string]map[string]uint64{}
	for _, c := range []interface {
		Name() string
		Stats() (uint64, uint64)
	}{g.permissions, g.plonks, g.prefixes} {
		hits, misses := c.Stats()
		stats[c.Name()] = map[string]uint64{"hits": hits, "misses": misses}
	}
	return stats
}
