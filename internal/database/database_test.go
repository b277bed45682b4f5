package database

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OCAP2/locsync/internal/config"
)

type probe struct {
	ID   uint
	Name string
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(config.PostgresConfig{
		Host:     "db",
		Port:     "5433",
		Username: "u",
		Password: "p",
		Database: "locsync",
	})

	assert.Equal(t, "host=db port=5433 user=u password=p dbname=locsync sslmode=disable", dsn)

	dsn = PostgresDSN(config.PostgresConfig{SSLMode: "require"})
	assert.Contains(t, dsn, "sslmode=require")
}

func TestManager_ConnectSqliteAndMigrate(t *testing.T) {
	m := NewManager(zerolog.Nop())
	path := filepath.Join(t.TempDir(), "locsync.db")

	err := m.Connect(config.StoreConfig{Type: "sqlite", SQLite: config.SQLiteConfig{Path: path}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	require.NoError(t, m.Migrate(&probe{}))
	require.NoError(t, m.DB.Create(&probe{Name: "a"}).Error)

	var got probe
	require.NoError(t, m.DB.First(&got).Error)
	assert.Equal(t, "a", got.Name)
	assert.True(t, m.DB.Migrator().HasTable(&probe{}))
}

func TestManager_ConnectUnsupported(t *testing.T) {
	m := NewManager(zerolog.Nop())

	err := m.Connect(config.StoreConfig{Type: "oracle"})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported")
}

func TestManager_CloseWithoutConnect(t *testing.T) {
	assert.NoError(t, NewManager(zerolog.Nop()).Close())
}
