package gatewarden

import (
	"testing"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t testing.TB) *CommandRegistry {
	t.Helper()
	noop := func(*CommandContext) error { return nil }
	r := NewCommandRegistry()
	r.Register(&Command{Name: "ping", Handler: noop})
	r.Register(&Command{Name: "tag", Handler: noop})
	r.Register(&Command{Name: "tag create", Handler: noop})
	r.Register(&Command{Name: "config", Unblockable: true, Handler: noop})
	r.Register(&Command{Name: "config enable", Unblockable: true, Handler: noop})
	return r
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	cmd, args, ok := r.Resolve("ping")
	require.True(t, ok)
	assert.Equal(t, "ping", cmd.Name)
	assert.Empty(t, args)

	// longest match wins
	cmd, args, ok = r.Resolve("tag create fancy thing")
	require.True(t, ok)
	assert.Equal(t, "tag create", cmd.Name)
	assert.Equal(t, []string{"fancy", "thing"}, args)

	cmd, args, ok = r.Resolve("tag delete foo")
	require.True(t, ok)
	assert.Equal(t, "tag", cmd.Name)
	assert.Equal(t, []string{"delete", "foo"}, args)

	// command names are matched case-insensitively
	cmd, _, ok = r.Resolve("PING")
	require.True(t, ok)
	assert.Equal(t, "ping", cmd.Name)

	_, _, ok = r.Resolve("unknown")
	assert.False(t, ok)
	_, _, ok = r.Resolve("")
	assert.False(t, ok)
	_, _, ok = r.Resolve("   ")
	assert.False(t, ok)
}

func TestRegistryBlockable(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)

	assert.True(t, r.Blockable("ping"))
	assert.True(t, r.Blockable("tag create"))
	assert.False(t, r.Blockable("config"), "config commands can't lock themselves out")
	assert.False(t, r.Blockable("config enable"))
	assert.False(t, r.Blockable("nonexistent"))
}

func TestRegistryDuplicatePanics(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	assert.Panics(
		t, func() {
			r.Register(&Command{Name: "ping"})
		},
	)
}

func TestRegistryQualifiedNames(t *testing.T) {
	t.Parallel()
	r := newTestRegistry(t)
	assert.Equal(
		t,
		[]string{"config", "config enable", "ping", "tag", "tag create"},
		r.QualifiedNames(),
	)
}

func TestIsSnowflake(t *testing.T) {
	t.Parallel()
	assert.True(t, isSnowflake("123456789012345678"))
	assert.False(t, isSnowflake("12345"))
	assert.False(t, isSnowflake("123456789012345678901234"))
	assert.False(t, isSnowflake("12345678901234567x"))
	assert.False(t, isSnowflake(""))
}

func TestSplitChannelArg(t *testing.T) {
	t.Parallel()

	channelID, rest, ok := splitChannelArg([]string{"<#123456789012345678>", "ping"})
	require.True(t, ok)
	assert.Equal(t, "123456789012345678", channelID)
	assert.Equal(t, []string{"ping"}, rest)

	channelID, rest, ok = splitChannelArg([]string{"123456789012345678", "ping"})
	require.True(t, ok)
	assert.Equal(t, "123456789012345678", channelID)
	assert.Equal(t, []string{"ping"}, rest)

	_, _, ok = splitChannelArg([]string{"ping"})
	assert.False(t, ok)
	_, _, ok = splitChannelArg(nil)
	assert.False(t, ok)
}

func TestCommandContextEntityIDs(t *testing.T) {
	t.Parallel()
	c := &CommandContext{
		Message: &discordgo.MessageCreate{
			Message: &discordgo.Message{
				Mentions: []*discordgo.User{
					{ID: "111111111111111111"},
					{ID: "222222222222222222"},
				},
			},
		},
		Args: []string{
			"<#333333333333333333>",
			"444444444444444444",
			"not-an-id",
			// duplicate of a mention
			"111111111111111111",
		},
	}

	assert.Equal(
		t,
		[]string{
			"111111111111111111",
			"222222222222222222",
			"333333333333333333",
			"444444444444444444",
		},
		c.entityIDs(),
	)
}
