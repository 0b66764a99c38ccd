package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/gatewarden/gatewarden/gatewarden"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stdinWithString swaps os.Stdin for a pipe carrying s, restoring the
// original when the test finishes.
func stdinWithString(t *testing.T, s string) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString(s)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	original := os.Stdin
	os.Stdin = r
	t.Cleanup(
		func() {
			os.Stdin = original
			_ = r.Close()
		},
	)
}

func TestInitCmdSetsCredentials(t *testing.T) {
	originalCfg := cfg
	t.Cleanup(
		func() {
			cfg = originalCfg
			customPasswordReader = nil
		},
	)

	cfg = gatewarden.DefaultConfig()
	cfg.DatabaseType = "sqlite"
	cfg.Database = filepath.Join(t.TempDir(), "gatewarden.sqlite3")

	stdinWithString(t, "admin\n")

	passwords := [][]byte{
		[]byte("first-attempt"),
		[]byte("does-not-match"),
		[]byte("hunter2"),
		[]byte("hunter2"),
	}
	customPasswordReader = func() ([]byte, error) {
		next := passwords[0]
		passwords = passwords[1:]
		return next, nil
	}

	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetContext(context.Background())
	initCmd.Run(cmd, nil)

	assert.Contains(t, buf.String(), "Passwords do not match")
	assert.Contains(t, buf.String(), "Admin credentials set successfully.")

	db, err := gatewarden.CreateDB(
		context.Background(),
		cfg.DatabaseType,
		cfg.Database,
	)
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)

	var settings gatewarden.BotSettings
	require.NoError(t, db.First(&settings, 1).Error)
	assert.Equal(t, "admin", settings.AdminUsername)
	require.NotEmpty(t, settings.AdminPassword)
	assert.NotEqual(t, "hunter2", settings.AdminPassword)
	assert.Contains(t, settings.AdminPassword, "$argon2id$")
}

func TestInitCmdAlreadyConfigured(t *testing.T) {
	originalCfg := cfg
	t.Cleanup(
		func() {
			cfg = originalCfg
			customPasswordReader = nil
		},
	)

	cfg = gatewarden.DefaultConfig()
	cfg.DatabaseType = "sqlite"
	cfg.Database = filepath.Join(t.TempDir(), "gatewarden.sqlite3")

	ctx := context.Background()
	db, err := gatewarden.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
	require.NoError(t, err)

	hash, err := gatewarden.HashPassword("hunter2")
	require.NoError(t, err)
	settings := gatewarden.DefaultBotSettings()
	settings.ID = 1
	settings.AdminUsername = "admin"
	settings.AdminPassword = hash
	require.NoError(t, db.Create(&settings).Error)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	buf := &bytes.Buffer{}
	cmd := &cobra.Command{}
	cmd.SetOut(buf)
	cmd.SetContext(ctx)
	initCmd.Run(cmd, nil)

	assert.Contains(t, buf.String(), "Admin credentials are already set.")
}
