package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaultIsNop(t *testing.T) {
	assert.NotPanics(t, func() {
		Info("nothing configured", zap.String("k", "v"))
		With(zap.Int("n", 1)).Warn("still fine")
	})
}

func TestInit(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	require.NoError(t, Init(false, "lingochat-test"))
	assert.NotNil(t, Logger)
	require.NoError(t, Init(true, ""))
}

func TestHelpersWriteToLogger(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	core, logs := observer.New(zap.DebugLevel)
	Logger = zap.New(core)

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")
	Named("queue").Info("named", zap.String("queue", "transform"))

	require.Equal(t, 5, logs.Len())
	last := logs.All()[4]
	assert.Equal(t, "queue", last.LoggerName)
	assert.Equal(t, "transform", last.ContextMap()["queue"])
}
