package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewBuildsBothFlavours(t *testing.T) {
	t.Parallel()

	for _, dev := range []bool{true, false} {
		logger, err := New(Options{Development: dev, Service: "worker"})
		require.NoError(t, err)
		logger.Info("logger ready")
		_ = logger.Sync()
	}
}

func TestNewLevel(t *testing.T) {
	t.Parallel()

	logger, err := New(Options{Level: "warn"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))
	require.True(t, logger.Core().Enabled(zapcore.WarnLevel))

	dev, err := New(Options{Development: true})
	require.NoError(t, err)
	require.True(t, dev.Core().Enabled(zapcore.DebugLevel))

	_, err = New(Options{Level: "loud"})
	require.ErrorContains(t, err, "parse log level")
}

func TestForTask(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	base := zap.New(core)

	ForTask(base, "req-1", "4711").Info("fetched")
	ForTask(base, "req-1", "").Info("dispatched")

	entries := logs.All()
	require.Len(t, entries, 2)
	require.Equal(t, map[string]any{"request_id": "req-1", "item_id": "4711"}, entries[0].ContextMap())
	require.Equal(t, map[string]any{"request_id": "req-1"}, entries[1].ContextMap())
}
