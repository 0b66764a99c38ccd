package gatewarden

import (
	"crypto/tls"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()

	assert.Equal(t, DefaultDatabaseType, cfg.DatabaseType)
	assert.Equal(t, DefaultDatabase, cfg.Database)
	assert.Equal(t, DefaultStartupTimeout, cfg.StartupTimeout)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)
	assert.Equal(t, DefaultSettingsTTL, cfg.SettingsTTL)

	require.NotNil(t, cfg.LogLevel)
	assert.Equal(t, DefaultLogLevel, cfg.LogLevel.Level())
	require.NotNil(t, cfg.DatabaseLogLevel)
	assert.Equal(t, DefaultDatabaseLogLevel, cfg.DatabaseLogLevel.Level())

	require.NotNil(t, cfg.Cache)
	assert.Equal(t, DefaultPermissionCacheSize, cfg.Cache.PermissionSize)
	assert.Equal(t, DefaultPlonkCacheSize, cfg.Cache.PlonkSize)

	require.NotNil(t, cfg.Discord)
	assert.Equal(t, DefaultCommandPrefix, cfg.Discord.DefaultPrefix)
	assert.Equal(t, DefaultDiscordGatewayIntent, cfg.Discord.GatewayIntents)
	assert.Equal(t, DefaultDiscordStartupMessage, cfg.Discord.StartupMessage)

	require.NotNil(t, cfg.API)
	assert.Equal(t, DefaultAPIListen, cfg.API.Listen)
	assert.Equal(t, defaultListenNetwork, cfg.API.ListenNetwork)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.API.SSL.TLSMinVersion)
	assert.Equal(t, DefaultReadTimeout, cfg.API.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.API.WriteTimeout)
}

func TestDefaultCORSConfig(t *testing.T) {
	t.Parallel()
	cfg := DefaultCORSConfig()

	assert.Empty(t, cfg.AllowOrigins)
	assert.Equal(t, DefaultCORSAllowMethods, cfg.AllowMethods)
	assert.Equal(t, DefaultCORSAllowHeaders, cfg.AllowHeaders)
	assert.Equal(t, DefaultCORSExposeHeaders, cfg.ExposeHeaders)
	assert.Equal(t, DefaultCORSMaxAge, cfg.MaxAge)
	assert.True(t, cfg.AllowCredentials)

	// mutating one config must not bleed into the package defaults
	cfg.AllowMethods[0] = "TRACE"
	assert.NotEqual(t, cfg.AllowMethods[0], DefaultCORSAllowMethods[0])
}

func TestCORSConfigGINConfig(t *testing.T) {
	t.Parallel()
	cfg := CORSConfig{
		AllowOrigins:     []string{"https://example.com"},
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Authorization"},
		ExposeHeaders:    []string{"ETag"},
		AllowCredentials: true,
		MaxAge:           time.Hour,
	}

	ginCfg := cfg.GINConfig()
	assert.Equal(t, cfg.AllowOrigins, ginCfg.AllowOrigins)
	assert.Equal(t, cfg.AllowMethods, ginCfg.AllowMethods)
	assert.Equal(t, cfg.AllowHeaders, ginCfg.AllowHeaders)
	assert.Equal(t, cfg.ExposeHeaders, ginCfg.ExposeHeaders)
	assert.Equal(t, cfg.MaxAge, ginCfg.MaxAge)
	assert.True(t, ginCfg.AllowCredentials)
}

func TestConfigLogValueRedactsToken(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Discord.Token = "super-secret-token"

	rendered := structToSlogValue(*cfg.Discord).String()
	assert.NotContains(t, rendered, "super-secret-token")
	assert.Contains(t, rendered, "[redacted]")
}

func TestDefaultBotSettings(t *testing.T) {
	t.Parallel()
	settings := DefaultBotSettings()
	assert.Equal(t, DefaultSpamLimitCount, settings.SpamLimitCount)
	assert.Equal(t, DefaultSpamLimitWindow, settings.SpamLimitWindow)
	assert.Equal(
		t,
		DefaultSpamAutoBlockThreshold,
		settings.SpamAutoBlockThreshold,
	)
	assert.Equal(t, DefaultDiscordCustomStatus, settings.CustomStatus)
	assert.False(t, settings.Paused)
	assert.Empty(t, settings.AdminUsername)
	assert.Empty(t, settings.AdminPassword)
	assert.IsType(t, slog.Value{}, settings.LogValue())
}
