package cmd

import (
	"log/slog"
	"testing"
	"time"

	"github.com/gatewarden/gatewarden/gatewarden"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetLogLevel(t *testing.T) {
	for _, expect := range []slog.Level{
		slog.LevelDebug,
		slog.LevelInfo,
		slog.LevelWarn,
		slog.LevelError,
	} {
		level, err := getLogLevel(expect.String())
		require.NoError(t, err)
		assert.Equal(t, expect, level)
	}

	_, err := getLogLevel("LOUD")
	require.Error(t, err)
}

func TestLevelStringToLevelVar(t *testing.T) {
	level, err := levelStringToLevelVar("WARN")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level.Level())

	// slog accepts offsets like WARN+2
	level, err = levelStringToLevelVar("WARN+2")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn+2, level.Level())

	_, err = levelStringToLevelVar("LOUD")
	require.Error(t, err)
}

func TestLevelToStringHookFunc(t *testing.T) {
	type target struct {
		Level *slog.LevelVar `mapstructure:"level"`
		Name  string         `mapstructure:"name"`
	}

	var out target
	decoder, err := mapstructure.NewDecoder(
		&mapstructure.DecoderConfig{
			DecodeHook: LevelToStringHookFunc(),
			Result:     &out,
		},
	)
	require.NoError(t, err)

	require.NoError(
		t,
		decoder.Decode(map[string]any{"level": "DEBUG", "name": "bot"}),
	)
	require.NotNil(t, out.Level)
	assert.Equal(t, slog.LevelDebug, out.Level.Level())
	assert.Equal(t, "bot", out.Name)

	err = decoder.Decode(map[string]any{"level": "LOUD"})
	require.Error(t, err)
}

func TestInitConfigDefaults(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	initConfig()

	assert.Equal(t, gatewarden.DefaultDatabase, viper.GetString("database"))
	assert.Equal(
		t,
		gatewarden.DefaultDatabaseType,
		viper.GetString("database_type"),
	)
	assert.Equal(
		t,
		gatewarden.DefaultCommandPrefix,
		viper.GetString("discord.default_prefix"),
	)
	assert.Equal(
		t,
		gatewarden.DefaultAPIListen,
		viper.GetString("api.listen"),
	)
	assert.Equal(
		t,
		gatewarden.DefaultSettingsTTL,
		viper.GetDuration("settings_ttl"),
	)
	assert.Equal(
		t,
		gatewarden.DefaultCORSAllowMethods,
		viper.GetStringSlice("api.cors.allow_methods"),
	)

	levelVar, ok := viper.Get("log_level").(*slog.LevelVar)
	require.True(t, ok)
	assert.Equal(t, gatewarden.DefaultLogLevel, levelVar.Level())
}

func TestInitConfigEnvOverrides(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv("GW_DATABASE", "/tmp/other.sqlite3")
	t.Setenv("GW_DISCORD_TOKEN", "token-from-env")
	t.Setenv("GW_LOG_LEVEL", "DEBUG")
	t.Setenv("GW_SETTINGS_TTL", "90s")

	initConfig()

	assert.Equal(t, "/tmp/other.sqlite3", viper.GetString("database"))
	assert.Equal(t, "token-from-env", viper.GetString("discord.token"))
	assert.Equal(t, 90*time.Second, viper.GetDuration("settings_ttl"))

	levelVar, ok := viper.Get("log_level").(*slog.LevelVar)
	require.True(t, ok)
	assert.Equal(t, slog.LevelDebug, levelVar.Level())
}

func TestInitConfigCustomEnvPrefix(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	t.Setenv(gatewarden.EnvvarSetEnvPrefix, "WARDEN")
	t.Setenv("WARDEN_DATABASE_TYPE", "postgres")

	initConfig()

	assert.Equal(t, "postgres", viper.GetString("database_type"))
}
