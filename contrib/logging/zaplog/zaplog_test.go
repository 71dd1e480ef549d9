package zaplog

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := New(zap.New(core))

	l.Debug("frame sent", "stream", 3)
	l.Info("host up", "host", "10.0.0.1:9042")
	l.Warn("prepared cache large", "size", 10001)
	l.Error("control connection lost", "error", "eof")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)

	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, "frame sent", entries[0].Message)
	require.Equal(t, int64(3), entries[0].ContextMap()["stream"])

	require.Equal(t, zapcore.InfoLevel, entries[1].Level)
	require.Equal(t, "10.0.0.1:9042", entries[1].ContextMap()["host"])

	require.Equal(t, zapcore.WarnLevel, entries[2].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[3].Level)
	require.Equal(t, "eof", entries[3].ContextMap()["error"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := NewSugared(zap.New(core).Sugar())

	l.Debug("dropped")
	l.Info("dropped")
	l.Warn("kept")

	require.Equal(t, 1, logs.Len())
	require.Equal(t, "kept", logs.All()[0].Message)
}

func TestNewNil(t *testing.T) {
	require.NotPanics(t, func() { New(nil).Info("nothing") })
}
