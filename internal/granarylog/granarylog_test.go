package granarylog_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/granarydbt/granary/internal/granarylog"
)

func TestSetLoggerOverridesAndRestores(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	prev := granarylog.SetLogger(zap.New(core))
	defer granarylog.SetLogger(prev)

	granarylog.L().Info("hello", zap.String("k", "v"))

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "hello", entries[0].Message)
	require.Equal(t, "v", entries[0].ContextMap()["k"])
}

func TestLIsLazyAndNonNilByDefault(t *testing.T) {
	prev := granarylog.SetLogger(nil)
	defer granarylog.SetLogger(prev)

	require.NotNil(t, granarylog.L())
}

func TestSyncOnNopLoggerDoesNotError(t *testing.T) {
	prev := granarylog.SetLogger(zap.NewNop())
	defer granarylog.SetLogger(prev)

	require.NoError(t, granarylog.Sync())
}
