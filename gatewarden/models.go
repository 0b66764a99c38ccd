//nolint:lll // struct tags can't be split
package gatewarden

import (
	"log/slog"
	"time"
)

// GuildWideScope is the channel scope of a CommandRule that applies to an
// entire guild. Stored as an empty string rather than SQL NULL so the
// composite uniqueness constraint also covers guild-wide rows (NULLs never
// conflict in a unique index).
const GuildWideScope = ""

var columnIgnoreEntityID = "entity_id"

// ModelUnixTime is an embeddable model with Unix timestamps for creation
// and update, stored in milliseconds. Rows are hard-deleted: the permission
// tables rely on delete-then-insert under a uniqueness constraint, which
// soft deletion would break.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

type ModelUintID struct {
	ID uint `gorm:"primaryKey" json:"id"`
}

// CommandRule is a persisted allow/deny rule for one command, scoped either
// guild-wide (ChannelID == GuildWideScope) or to a single channel.
//
// A command may carry both an allow row and a deny row at the same scope
// (used for override semantics), but never two rows of the same polarity -
// enforced by the composite unique index.
type CommandRule struct {
	ModelUintID
	ModelUnixTime

	GuildID string `json:"guild_id" gorm:"uniqueIndex:command_rules_uniq_idx;type:string"`

	// ChannelID is the channel scope, or GuildWideScope for guild-wide
	ChannelID string `json:"channel_id" gorm:"uniqueIndex:command_rules_uniq_idx;type:string"`

	// Name is the full qualified command name, e.g. "config enable"
	Name string `json:"name" gorm:"uniqueIndex:command_rules_uniq_idx;type:string"`

	// Whitelist is true for an explicit allow, false for an explicit deny
	Whitelist bool `json:"whitelist" gorm:"uniqueIndex:command_rules_uniq_idx;type:bool"`
}

func (r CommandRule) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("guild_id", r.GuildID),
		slog.String("channel_id", r.ChannelID),
		slog.String("name", r.Name),
		slog.Bool("whitelist", r.Whitelist),
	)
}

// IgnoreEntry marks a channel or member as ignored ("plonked") bot-wide
// within a guild. EntityID holds either a channel ID or a user ID - Discord
// snowflakes are unique across both, so a single column suffices and is
// disambiguated only by what the caller looks up.
type IgnoreEntry struct {
	ModelUintID
	ModelUnixTime

	GuildID  string `json:"guild_id" gorm:"uniqueIndex:ignore_entries_uniq_idx;type:string"`
	EntityID string `json:"entity_id" gorm:"uniqueIndex:ignore_entries_uniq_idx;type:string"`
}

// GlobalBlacklistEntry is a key-value flag: the presence of a row means the
// ID (a user or a guild) is blocked from using the bot everywhere.
type GlobalBlacklistEntry struct {
	ModelUnixTime

	ID      string `json:"id" gorm:"primaryKey;type:string"`
	Blocked bool   `json:"blocked" gorm:"type:bool;default:true"`
}

// GuildPrefix is a custom command prefix configured for a guild. A guild
// may have multiple prefixes, up to maxGuildPrefixes.
type GuildPrefix struct {
	ModelUintID
	ModelUnixTime

	GuildID string `json:"guild_id" gorm:"uniqueIndex:guild_prefixes_uniq_idx;type:string"`
	Prefix  string `json:"prefix" gorm:"uniqueIndex:guild_prefixes_uniq_idx;type:string"`
}

// BotSettings holds runtime-adjustable settings, stored as a single row and
// cached with a TTL so changes made by another instance are eventually
// picked up.
type BotSettings struct {
	ModelUintID
	ModelUnixTime

	// AdminUsername and AdminPassword authenticate the backend API.
	// AdminPassword stores an argon2id hash, never the plain secret.
	AdminUsername string `json:"admin_username" gorm:"type:string"`
	AdminPassword string `json:"admin_password" gorm:"type:string" log:"[redacted]"`

	// CustomStatus is the bot user's custom status ('playing ...')
	CustomStatus string `json:"custom_status" gorm:"type:string"`

	// Paused stops the bot from dispatching any commands while true
	Paused bool `json:"paused" gorm:"type:bool;default:false"`

	// SpamLimitCount commands per SpamLimitWindow are allowed per user
	// before they start being rate limited
	SpamLimitCount  int           `json:"spam_limit_count" gorm:"column:spam_limit_count"`
	SpamLimitWindow time.Duration `json:"spam_limit_window" gorm:"column:spam_limit_window"`

	// SpamAutoBlockThreshold is the number of consecutive rate-limit hits
	// after which a user is automatically added to the global blacklist
	SpamAutoBlockThreshold int `json:"spam_auto_block_threshold" gorm:"column:spam_auto_block_threshold"`
}

func (BotSettings) TableName() string {
	return "bot_settings"
}

// DefaultBotSettings returns BotSettings with default values populated.
func DefaultBotSettings() BotSettings {
	return BotSettings{
		CustomStatus:           DefaultDiscordCustomStatus,
		SpamLimitCount:         DefaultSpamLimitCount,
		SpamLimitWindow:        DefaultSpamLimitWindow,
		SpamAutoBlockThreshold: DefaultSpamAutoBlockThreshold,
	}
}

func (s BotSettings) LogValue() slog.Value {
	return structToSlogValue(s)
}
