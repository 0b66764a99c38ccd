package gatewarden

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestCreateDBMigrates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	db, err := CreateDB(
		ctx,
		dbTypeSQLite,
		filepath.Join(t.TempDir(), "gatewarden.sqlite3"),
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

	migrator := db.Migrator()
	for _, model := range []any{
		&CommandRule{},
		&IgnoreEntry{},
		&GlobalBlacklistEntry{},
		&GuildPrefix{},
		&BotSettings{},
	} {
		assert.True(t, migrator.HasTable(model), "missing table for %T", model)
	}
}

func TestCreateDBUnsupportedType(t *testing.T) {
	t.Parallel()
	_, err := CreateDB(context.Background(), "mssql", "whatever")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database type")
}

func TestDatabaseWrites(t *testing.T) {
	t.Parallel()
	db, writeDB := newTestDB(t)
	ctx := context.Background()

	rows, err := writeDB.Create(
		ctx,
		&GuildPrefix{GuildID: "guild1", Prefix: "!"},
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	rows, err = writeDB.Delete(
		ctx,
		&GuildPrefix{},
		"guild_id = ? AND prefix = ?",
		"guild1",
		"!",
	)
	require.NoError(t, err)
	assert.Equal(t, int64(1), rows)

	var count int64
	require.NoError(t, db.Model(&GuildPrefix{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDatabaseTransactionRollback(t *testing.T) {
	t.Parallel()
	db, writeDB := newTestDB(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := writeDB.Transaction(
		ctx, func(tx *gorm.DB) error {
			if createErr := tx.Create(
				&GuildPrefix{GuildID: "guild1", Prefix: "!"},
			).Error; createErr != nil {
				return createErr
			}
			return boom
		},
	)
	require.ErrorIs(t, err, boom)

	var count int64
	require.NoError(t, db.Model(&GuildPrefix{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestIsUniqueViolation(t *testing.T) {
	t.Parallel()
	assert.False(t, isUniqueViolation(nil))
	assert.False(t, isUniqueViolation(errors.New("some other error")))
	assert.True(t, isUniqueViolation(gorm.ErrDuplicatedKey))
	assert.True(
		t,
		isUniqueViolation(
			errors.New(
				"UNIQUE constraint failed: command_rules.channel_id",
			),
		),
	)
	assert.True(
		t,
		isUniqueViolation(
			errors.New(
				`duplicate key value violates unique constraint "command_rules_uniq_idx"`,
			),
		),
	)
}

func TestIsUniqueViolationFromDriver(t *testing.T) {
	t.Parallel()
	db, _ := newTestDB(t)

	require.NoError(
		t,
		db.Create(&GuildPrefix{GuildID: "guild1", Prefix: "!"}).Error,
	)
	err := db.Create(&GuildPrefix{GuildID: "guild1", Prefix: "!"}).Error
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}
