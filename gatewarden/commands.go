package gatewarden

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/lmittmann/tint"
)

const (
	// replies for toggles at each scope
	msgCommandEnabled        = "Command enabled."
	msgCommandDisabled       = "Command disabled."
	msgEntitiesIgnored       = "Done, no longer listening to those entities."
	msgEntitiesUnignored     = "Done, listening to those entities again."
	msgNothingIgnored        = "I am not ignoring anything here."
	msgMissingCommandName    = "You need to give me a command name."
	msgUnknownOrUnblockable  = "That command cannot be enabled or disabled."
	msgGlobalBlockAdded      = "Globally blocked."
	msgGlobalBlockRemoved    = "Global block removed."
	msgMissingEntityID       = "You need to give me a user or guild ID."
	msgPrefixAdded           = "Prefix added."
	msgPrefixRemoved         = "Prefix removed."
	msgPrefixesCleared       = "All custom prefixes removed."
	msgNoBlockedCommands     = "No commands are disabled here."
	msgGuildOnly             = "This command can only be used in a server."
	msgManagerOnly           = "You need the Manage Server permission to do that."
	msgOwnerOnly             = "Only the bot owner can do that."
	msgSomethingWentWrong    = "Something went wrong, sorry. Try again later?"
	msgMissingPrefixArgument = "You need to give me a prefix."
)

var channelMentionPattern = regexp.MustCompile(`<#(\d+)>`)

// CommandHandler executes one invocation of a registered command.
type CommandHandler func(c *CommandContext) error

// Command is a registered text command. Name is the full qualified name
// ("config enable", not "enable").
type Command struct {
	Name        string
	Description string

	// Unblockable commands can't be targeted by enable/disable rules, so
	// the configuration commands can't lock themselves out.
	Unblockable bool

	// RequireManager restricts the command to members with guild
	// management authority (or the bot owner)
	RequireManager bool

	// OwnerOnly restricts the command to the bot owner
	OwnerOnly bool

	// GuildOnly rejects invocations from direct messages
	GuildOnly bool

	Handler CommandHandler
}

// CommandRegistry maps qualified command names to their handlers and
// resolves incoming message content to the most specific command it names.
type CommandRegistry struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

func NewCommandRegistry() *CommandRegistry {
	return &CommandRegistry{commands: map[string]*Command{}}
}

// Register adds a command. Registering a duplicate name panics, since the
// command table is assembled once at startup.
func (r *CommandRegistry) Register(cmd *Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.commands[cmd.Name]; ok {
		panic(fmt.Sprintf("command already registered: %s", cmd.Name))
	}
	r.commands[cmd.Name] = cmd
}

// Get returns the command registered under the exact qualified name.
func (r *CommandRegistry) Get(name string) (*Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Resolve matches message content (with the prefix already stripped) to
// the longest registered command name that prefixes it, returning the
// command and the remaining words as arguments.
func (r *CommandRegistry) Resolve(content string) (*Command, []string, bool) {
	fields := strings.Fields(content)
	if len(fields) == 0 {
		return nil, nil, false
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(fields); i > 0; i-- {
		name := strings.ToLower(strings.Join(fields[:i], " "))
		if cmd, ok := r.commands[name]; ok {
			return cmd, fields[i:], true
		}
	}
	return nil, nil, false
}

// QualifiedNames returns every registered command name, sorted.
func (r *CommandRegistry) QualifiedNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Blockable reports whether name refers to a registered command that
// enable/disable rules may target.
func (r *CommandRegistry) Blockable(name string) bool {
	cmd, ok := r.Get(name)
	return ok && !cmd.Unblockable
}

// CommandContext carries one invocation through its handler.
type CommandContext struct {
	context.Context

	Session DiscordSessionHandler
	Message *discordgo.MessageCreate
	Command *Command
	Args    []string

	GuildID   string
	ChannelID string
	AuthorID  string

	AuthorIsOwner        bool
	AuthorIsGuildManager bool

	bot *Gatewarden
}

// Reply sends content to the invoking channel as a reply to the
// triggering message.
func (c *CommandContext) Reply(content string) error {
	_, err := c.Session.ChannelMessageSendReply(
		c.ChannelID,
		content,
		c.Message.Reference(),
	)
	return err
}

// entityIDs extracts the channel and member IDs an invocation refers to:
// explicit mentions first, then any bare snowflake arguments.
func (c *CommandContext) entityIDs() []string {
	seen := map[string]struct{}{}
	var ids []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, user := range c.Message.Mentions {
		add(user.ID)
	}
	for _, arg := range c.Args {
		if m := channelMentionPattern.FindStringSubmatch(arg); m != nil {
			add(m[1])
			continue
		}
		if isSnowflake(arg) {
			add(arg)
		}
	}
	return ids
}

func isSnowflake(s string) bool {
	if len(s) < 15 || len(s) > 21 {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// registerCommands assembles the built-in command table.
func (b *Gatewarden) registerCommands() {
	r := b.registry

	r.Register(
		&Command{
			Name:        "ping",
			Description: "Measures gateway latency",
			Handler:     b.cmdPing,
		},
	)
	r.Register(
		&Command{
			Name:        "uptime",
			Description: "Reports how long the bot has been running",
			Handler:     b.cmdUptime,
		},
	)
	r.Register(
		&Command{
			Name:           "prefix",
			Description:    "Lists the command prefixes for this server",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: false,
			Handler:        b.cmdPrefixList,
		},
	)
	r.Register(
		&Command{
			Name:           "prefix add",
			Description:    "Adds a custom command prefix",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdPrefixAdd,
		},
	)
	r.Register(
		&Command{
			Name:           "prefix remove",
			Description:    "Removes a custom command prefix",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdPrefixRemove,
		},
	)
	r.Register(
		&Command{
			Name:           "prefix clear",
			Description:    "Removes all custom command prefixes",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdPrefixClear,
		},
	)

	r.Register(
		&Command{
			Name:           "config",
			Description:    "Manages how the bot behaves in this server",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdConfigHelp,
		},
	)
	r.Register(
		&Command{
			Name:           "config enable",
			Description:    "Re-enables a command in this channel",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler: func(c *CommandContext) error {
				return b.toggleFromContext(c, c.ChannelID, true)
			},
		},
	)
	r.Register(
		&Command{
			Name:           "config disable",
			Description:    "Disables a command in this channel",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler: func(c *CommandContext) error {
				return b.toggleFromContext(c, c.ChannelID, false)
			},
		},
	)
	r.Register(
		&Command{
			Name:           "config server enable",
			Description:    "Re-enables a command server-wide",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler: func(c *CommandContext) error {
				return b.toggleFromContext(c, GuildWideScope, true)
			},
		},
	)
	r.Register(
		&Command{
			Name:           "config server disable",
			Description:    "Disables a command server-wide",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler: func(c *CommandContext) error {
				return b.toggleFromContext(c, GuildWideScope, false)
			},
		},
	)
	r.Register(
		&Command{
			Name:           "config channel enable",
			Description:    "Re-enables a command in a specific channel",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler: func(c *CommandContext) error {
				channelID, args, ok := splitChannelArg(c.Args)
				if !ok {
					return c.Reply("You need to mention a channel.")
				}
				c.Args = args
				return b.toggleFromContext(c, channelID, true)
			},
		},
	)
	r.Register(
		&Command{
			Name:           "config channel disable",
			Description:    "Disables a command in a specific channel",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler: func(c *CommandContext) error {
				channelID, args, ok := splitChannelArg(c.Args)
				if !ok {
					return c.Reply("You need to mention a channel.")
				}
				c.Args = args
				return b.toggleFromContext(c, channelID, false)
			},
		},
	)
	r.Register(
		&Command{
			Name:           "config disabled",
			Description:    "Lists the commands disabled in this channel",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdConfigDisabled,
		},
	)
	r.Register(
		&Command{
			Name:           "config ignore",
			Description:    "Ignores the mentioned channels or members (or this channel)",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdConfigIgnore,
		},
	)
	r.Register(
		&Command{
			Name:           "config ignore list",
			Description:    "Lists everything ignored in this server",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdConfigIgnoreList,
		},
	)
	r.Register(
		&Command{
			Name:           "config ignore all",
			Description:    "Ignores every channel in this server",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdConfigIgnoreAll,
		},
	)
	r.Register(
		&Command{
			Name:           "config ignore clear",
			Description:    "Clears everything ignored in this server",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdConfigIgnoreClear,
		},
	)
	r.Register(
		&Command{
			Name:           "config unignore",
			Description:    "Stops ignoring the mentioned channels or members (or this channel)",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdConfigUnignore,
		},
	)
	r.Register(
		&Command{
			Name:           "config unignore all",
			Description:    "Stops ignoring everything in this server",
			GuildOnly:      true,
			Unblockable:    true,
			RequireManager: true,
			Handler:        b.cmdConfigIgnoreClear,
		},
	)
	r.Register(
		&Command{
			Name:        "config global block",
			Description: "Blocks a user or server from using the bot anywhere",
			Unblockable: true,
			OwnerOnly:   true,
			Handler:     b.cmdGlobalBlock,
		},
	)
	r.Register(
		&Command{
			Name:        "config global unblock",
			Description: "Removes a global block",
			Unblockable: true,
			OwnerOnly:   true,
			Handler:     b.cmdGlobalUnblock,
		},
	)
}

// splitChannelArg pops a leading channel mention (or bare snowflake) off
// the argument list.
func splitChannelArg(args []string) (channelID string, rest []string, ok bool) {
	if len(args) == 0 {
		return "", args, false
	}
	if m := channelMentionPattern.FindStringSubmatch(args[0]); m != nil {
		return m[1], args[1:], true
	}
	if isSnowflake(args[0]) {
		return args[0], args[1:], true
	}
	return "", args, false
}

func (b *Gatewarden) cmdPing(c *CommandContext) error {
	latency := b.discord.session.HeartbeatLatency()
	return c.Reply(fmt.Sprintf("Pong! Gateway latency: %s", latency.Round(time.Millisecond)))
}

func (b *Gatewarden) cmdUptime(c *CommandContext) error {
	uptime := time.Since(b.startedAt).Round(time.Second)
	return c.Reply(fmt.Sprintf("Up for %s.", uptime))
}

func (b *Gatewarden) cmdPrefixList(c *CommandContext) error {
	prefixes, err := b.gate.Prefixes(c, c.GuildID)
	if err != nil {
		return err
	}
	all := append([]string{b.config.Discord.DefaultPrefix}, prefixes...)
	quoted := make([]string, len(all))
	for i, p := range all {
		quoted[i] = fmt.Sprintf("`%s`", p)
	}
	return c.Reply(fmt.Sprintf("Prefixes here: %s", strings.Join(quoted, ", ")))
}

func (b *Gatewarden) cmdPrefixAdd(c *CommandContext) error {
	if len(c.Args) == 0 {
		return c.Reply(msgMissingPrefixArgument)
	}
	prefix := strings.Join(c.Args, " ")
	if err := b.gate.AddPrefix(c, c.GuildID, prefix); err != nil {
		if errors.Is(err, ErrTooManyPrefixes) {
			return c.Reply(err.Error())
		}
		return err
	}
	return c.Reply(msgPrefixAdded)
}

func (b *Gatewarden) cmdPrefixRemove(c *CommandContext) error {
	if len(c.Args) == 0 {
		return c.Reply(msgMissingPrefixArgument)
	}
	prefix := strings.Join(c.Args, " ")
	removed, err := b.gate.RemovePrefix(c, c.GuildID, prefix)
	if err != nil {
		return err
	}
	if removed == 0 {
		return c.Reply("I did not have that prefix registered.")
	}
	return c.Reply(msgPrefixRemoved)
}

func (b *Gatewarden) cmdPrefixClear(c *CommandContext) error {
	if _, err := b.gate.ClearPrefixes(c, c.GuildID); err != nil {
		return err
	}
	return c.Reply(msgPrefixesCleared)
}

func (b *Gatewarden) cmdConfigHelp(c *CommandContext) error {
	return c.Reply(
		"Subcommands: `enable`, `disable`, `server enable/disable`, " +
			"`channel enable/disable`, `disabled`, `ignore`, `unignore`.",
	)
}

// toggleFromContext is the shared body of every enable/disable variant.
func (b *Gatewarden) toggleFromContext(
	c *CommandContext,
	channelID string,
	whitelist bool,
) error {
	if len(c.Args) == 0 {
		return c.Reply(msgMissingCommandName)
	}
	name := strings.ToLower(strings.Join(c.Args, " "))
	if !b.registry.Blockable(name) {
		return c.Reply(msgUnknownOrUnblockable)
	}

	err := b.gate.ToggleCommand(c, c.GuildID, channelID, name, whitelist)
	if err != nil {
		var conflict *RuleConflictError
		if errors.As(err, &conflict) {
			return c.Reply(conflict.Error())
		}
		return err
	}
	if whitelist {
		return c.Reply(msgCommandEnabled)
	}
	return c.Reply(msgCommandDisabled)
}

func (b *Gatewarden) cmdConfigDisabled(c *CommandContext) error {
	resolved, err := b.gate.CommandPermissions(c, c.GuildID)
	if err != nil {
		return err
	}
	blocked := resolved.BlockedCommands(c.ChannelID)
	if len(blocked) == 0 {
		return c.Reply(msgNoBlockedCommands)
	}
	quoted := make([]string, len(blocked))
	for i, name := range blocked {
		quoted[i] = fmt.Sprintf("`%s`", name)
	}
	return c.Reply(
		fmt.Sprintf("Disabled here: %s", strings.Join(quoted, ", ")),
	)
}

func (b *Gatewarden) cmdConfigIgnore(c *CommandContext) error {
	ids := c.entityIDs()
	if len(ids) == 0 {
		ids = []string{c.ChannelID}
	}
	if _, err := b.gate.AddIgnores(c, c.GuildID, ids...); err != nil {
		return err
	}
	return c.Reply(msgEntitiesIgnored)
}

func (b *Gatewarden) cmdConfigIgnoreList(c *CommandContext) error {
	entries, err := b.gate.ListIgnores(c, c.GuildID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return c.Reply(msgNothingIgnored)
	}
	ids := make([]string, len(entries))
	for i, entry := range entries {
		ids[i] = entry.EntityID
	}
	return c.Reply(fmt.Sprintf("Ignoring: %s", strings.Join(ids, ", ")))
}

func (b *Gatewarden) cmdConfigIgnoreAll(c *CommandContext) error {
	channels, err := c.Session.GuildChannels(c.GuildID)
	if err != nil {
		return fmt.Errorf("fetching guild channels: %w", err)
	}
	var ids []string
	for _, channel := range channels {
		if channel.Type == discordgo.ChannelTypeGuildText {
			ids = append(ids, channel.ID)
		}
	}
	if len(ids) == 0 {
		return c.Reply("No text channels found to ignore.")
	}
	if _, err = b.gate.AddIgnores(c, c.GuildID, ids...); err != nil {
		return err
	}
	return c.Reply("Done, ignoring every text channel in this server.")
}

func (b *Gatewarden) cmdConfigIgnoreClear(c *CommandContext) error {
	removed, err := b.gate.ClearIgnores(c, c.GuildID)
	if err != nil {
		return err
	}
	if removed == 0 {
		return c.Reply(msgNothingIgnored)
	}
	return c.Reply("Done, no longer ignoring anything in this server.")
}

func (b *Gatewarden) cmdConfigUnignore(c *CommandContext) error {
	ids := c.entityIDs()
	if len(ids) == 0 {
		ids = []string{c.ChannelID}
	}
	if _, err := b.gate.RemoveIgnores(c, c.GuildID, ids...); err != nil {
		return err
	}
	return c.Reply(msgEntitiesUnignored)
}

func (b *Gatewarden) cmdGlobalBlock(c *CommandContext) error {
	ids := c.entityIDs()
	if len(ids) == 0 {
		return c.Reply(msgMissingEntityID)
	}
	for _, id := range ids {
		if err := b.gate.SetGlobalBlock(c, id); err != nil {
			b.logger.ErrorContext(c, "error adding global block", tint.Err(err))
			return c.Reply(msgSomethingWentWrong)
		}
	}
	return c.Reply(msgGlobalBlockAdded)
}

func (b *Gatewarden) cmdGlobalUnblock(c *CommandContext) error {
	ids := c.entityIDs()
	if len(ids) == 0 {
		return c.Reply(msgMissingEntityID)
	}
	for _, id := range ids {
		if err := b.gate.ClearGlobalBlock(c, id); err != nil {
			b.logger.ErrorContext(c, "error removing global block", tint.Err(err))
			return c.Reply(msgSomethingWentWrong)
		}
	}
	return c.Reply(msgGlobalBlockRemoved)
}
