package app

import (
	"testing"
	"time"

	"github.com/sheikh-saqib/finance-ledger/internal/config"
	"github.com/sheikh-saqib/finance-ledger/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDatabaseConfig(t *testing.T) {
	cfg := config.Config{Database: config.Database{
		Host: "db", Port: 6543, User: "ledger", Password: "secret", Name: "books", SSLMode: "require",
		MaxOpenConns: 7, MaxIdleConns: 2, ConnMaxLifetime: time.Minute,
	}}

	db := DatabaseConfig(cfg)
	assert.Equal(t, "host=db port=6543 user=ledger password=secret dbname=books sslmode=require", db.DSN())
	assert.Equal(t, 7, db.MaxOpenConns)
	assert.Equal(t, time.Minute, db.ConnMaxLifetime)

	cfg.Database.URL = "postgres://x"
	assert.Equal(t, "postgres://x", DatabaseConfig(cfg).DSN())
}

func TestNewLogger_InstallsGlobal(t *testing.T) {
	prev := logging.Global()
	t.Cleanup(func() { logging.SetGlobal(prev) })

	logger, err := NewLogger(config.Config{LogLevel: "debug", LogFormat: "console"})
	require.NoError(t, err)
	assert.Same(t, logger, logging.Global())
	assert.True(t, logger.Core().Enabled(logging.ParseLevel("debug")))
}
