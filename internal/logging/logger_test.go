package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"INFO":    zapcore.InfoLevel,
		"warning": zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"bogus":   zapcore.InfoLevel,
	}
	for in, want := range cases {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(DefaultConfig())
	require.NoError(t, err)
	require.NotNil(t, logger)

	named := logger.Named("ledger")
	assert.NotSame(t, logger.Logger, named.Logger)
}

func TestGlobalDefaultsToNoOp(t *testing.T) {
	require.NotNil(t, Global())
	Global().Info("discarded")

	custom := NewNoOpLogger()
	previous := Global()
	SetGlobal(custom)
	t.Cleanup(func() { SetGlobal(previous) })

	assert.Same(t, custom, L())
}
